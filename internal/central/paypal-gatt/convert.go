//go:build linux

package paypalgatt

import (
	"fmt"

	"github.com/paypal/gatt"
	"github.com/srg/blecentral/internal/central"
)

// canonical renders a gatt UUID (undashed, byte-reversed hex) in the dashed
// lowercase form.
func canonical(u gatt.UUID) string {
	s, err := central.CanonicalUUID(u.String())
	if err != nil {
		return u.String()
	}
	return s
}

// scanFilter converts a service UUID into its canonical form and the list
// gatt.Device.Scan expects.
func scanFilter(filter string) (string, []gatt.UUID, error) {
	if filter == "" {
		return "", []gatt.UUID{}, nil
	}
	canon, err := central.CanonicalUUID(filter)
	if err != nil {
		return "", nil, err
	}
	u, err := gatt.ParseUUID(central.ShortUUID(canon))
	if err != nil {
		return "", nil, fmt.Errorf("invalid scan filter %q: %w", filter, err)
	}
	return canon, []gatt.UUID{u}, nil
}

func properties(p gatt.Property) central.Properties {
	var out central.Properties
	for _, m := range []struct {
		from gatt.Property
		to   central.Properties
	}{
		{gatt.CharBroadcast, central.PropBroadcast},
		{gatt.CharRead, central.PropRead},
		{gatt.CharWriteNR, central.PropWriteWithoutResponse},
		{gatt.CharWrite, central.PropWrite},
		{gatt.CharNotify, central.PropNotify},
		{gatt.CharIndicate, central.PropIndicate},
		{gatt.CharSignedWrite, central.PropAuthenticatedSignedWrites},
		{gatt.CharExtended, central.PropExtendedProperties},
	} {
		if p&m.from != 0 {
			out |= m.to
		}
	}
	return out
}

// authorization maps the adapter state onto the authorization status.
func authorization(s gatt.State) central.Authorization {
	switch s {
	case gatt.StatePoweredOn, gatt.StatePoweredOff:
		return central.AuthorizationAllowed
	case gatt.StateUnauthorized:
		return central.AuthorizationDenied
	case gatt.StateUnsupported:
		return central.AuthorizationRestricted
	default:
		return central.AuthorizationNotDetermined
	}
}

// advertisementEvent builds a discovery record. name is the cached GAP name,
// used when the advertisement carries no local name.
func advertisementEvent(id, name string, a *gatt.Advertisement, rssi int) central.Event {
	ev := central.Event{
		Kind:   central.EventDiscovered,
		Handle: id,
		Name:   name,
		RSSI:   rssi,
	}
	if a != nil {
		if a.LocalName != "" {
			ev.Name = a.LocalName
		}
		ev.ManufacturerData = a.ManufacturerData
	}
	if addr, err := central.ParseAddress(id); err == nil {
		ev.Address = addr
	}
	return ev
}

// advertises reports whether a lists the canonical service uuid. linux
// ignores the Scan service list, so filtering happens here.
func advertises(a *gatt.Advertisement, uuid string) bool {
	if uuid == "" {
		return true
	}
	if a == nil {
		return false
	}
	for _, s := range a.Services {
		if central.UUIDEqual(canonical(s), uuid) {
			return true
		}
	}
	return false
}
