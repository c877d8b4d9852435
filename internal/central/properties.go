package central

import "strings"

// Properties is the characteristic capability bitmask. The low byte matches
// the ATT characteristic declaration.
type Properties uint16

const (
	PropBroadcast                  Properties = 0x0001
	PropRead                       Properties = 0x0002
	PropWriteWithoutResponse       Properties = 0x0004
	PropWrite                      Properties = 0x0008
	PropNotify                     Properties = 0x0010
	PropIndicate                   Properties = 0x0020
	PropAuthenticatedSignedWrites  Properties = 0x0040
	PropExtendedProperties         Properties = 0x0080
	PropNotifyEncryptionRequired   Properties = 0x0100
	PropIndicateEncryptionRequired Properties = 0x0200
)

var propertyNames = []struct {
	flag Properties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropAuthenticatedSignedWrites, "AuthenticatedSignedWrites"},
	{PropExtendedProperties, "ExtendedProperties"},
	{PropNotifyEncryptionRequired, "NotifyEncryptionRequired"},
	{PropIndicateEncryptionRequired, "IndicateEncryptionRequired"},
}

// Has reports whether any bit of flags is set.
func (p Properties) Has(flags Properties) bool {
	return p&flags != 0
}

func (p Properties) CanRead() bool { return p.Has(PropRead) }
func (p Properties) CanWrite() bool { return p.Has(PropWrite) }

// CanWriteWithoutResponse reports the write-command capability.
func (p Properties) CanWriteWithoutResponse() bool { return p.Has(PropWriteWithoutResponse) }

// CanSubscribe reports whether the characteristic notifies or indicates.
func (p Properties) CanSubscribe() bool { return p.Has(PropNotify | PropIndicate) }

// Names lists the set flags in bit order.
func (p Properties) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.flag != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	if p == 0 {
		return "None"
	}
	return strings.Join(p.Names(), "|")
}

// ParseProperty maps a property name (case-insensitive) to its flag.
func ParseProperty(name string) (Properties, bool) {
	for _, pn := range propertyNames {
		if strings.EqualFold(pn.name, name) {
			return pn.flag, true
		}
	}
	switch strings.ToLower(name) {
	case "write-without-response", "write-no-response", "writenr", "write_without_response":
		return PropWriteWithoutResponse, true
	case "signed-write", "signedwrite":
		return PropAuthenticatedSignedWrites, true
	case "extended":
		return PropExtendedProperties, true
	}
	return 0, false
}
