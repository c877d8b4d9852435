package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/central"
)

// canonical renders a go-ble UUID in the dashed lowercase form.
func canonical(u ble.UUID) string {
	s, err := central.CanonicalUUID(u.String())
	if err != nil {
		return u.String()
	}
	return s
}

// properties maps go-ble characteristic property bits.
func properties(p ble.Property) central.Properties {
	var out central.Properties
	for _, m := range []struct {
		from ble.Property
		to   central.Properties
	}{
		{ble.CharBroadcast, central.PropBroadcast},
		{ble.CharRead, central.PropRead},
		{ble.CharWriteNR, central.PropWriteWithoutResponse},
		{ble.CharWrite, central.PropWrite},
		{ble.CharNotify, central.PropNotify},
		{ble.CharIndicate, central.PropIndicate},
		{ble.CharSignedWrite, central.PropAuthenticatedSignedWrites},
		{ble.CharExtended, central.PropExtendedProperties},
	} {
		if p&m.from != 0 {
			out |= m.to
		}
	}
	return out
}

func serviceRecords(svcs []*ble.Service) []central.ServiceRecord {
	recs := make([]central.ServiceRecord, 0, len(svcs))
	for _, s := range svcs {
		recs = append(recs, central.ServiceRecord{UUID: canonical(s.UUID), Cookie: s})
	}
	return recs
}

func characteristicRecords(chars []*ble.Characteristic) []central.CharacteristicRecord {
	recs := make([]central.CharacteristicRecord, 0, len(chars))
	for _, c := range chars {
		recs = append(recs, central.CharacteristicRecord{
			UUID:       canonical(c.UUID),
			Properties: properties(c.Property),
			Cookie:     c,
		})
	}
	return recs
}

// NormalizeError maps go-ble error strings onto the core sentinels.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?" {
		return fmt.Errorf("%w: %v", central.ErrBackendUnavailable, err)
	}
	return central.NormalizeError(err)
}
