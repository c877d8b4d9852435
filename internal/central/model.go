package central

import (
	"reflect"
	"time"
)

// Cookie is an opaque backend-owned handle attached to a model object. The
// core only stores, compares and hands it back to the backend release hooks.
type Cookie any

// State is the per-peripheral connection state.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateServicesDiscovering
	StateServicesReady
	StateDisconnecting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesDiscovering:
		return "services-discovering"
	case StateServicesReady:
		return "services-ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Characteristic is a GATT characteristic scoped to its parent Service.
type Characteristic struct {
	UUID       string
	Properties Properties
	Cookie     Cookie

	service *Service
}

// Service returns the owning service.
func (c *Characteristic) Service() *Service {
	return c.service
}

// Peripheral returns the owning peripheral, or nil for a detached characteristic.
func (c *Characteristic) Peripheral() *Peripheral {
	if c.service == nil {
		return nil
	}
	return c.service.peripheral
}

// Service is a GATT service. Services are connection-scoped.
type Service struct {
	UUID            string
	Cookie          Cookie
	Characteristics []*Characteristic

	peripheral *Peripheral
}

// Peripheral returns the owning peripheral.
func (s *Service) Peripheral() *Peripheral {
	return s.peripheral
}

// FindCharacteristic returns the characteristic with the given UUID or nil.
func (s *Service) FindCharacteristic(uuid string) *Characteristic {
	for _, c := range s.Characteristics {
		if UUIDEqual(c.UUID, uuid) {
			return c
		}
	}
	return nil
}

// Peripheral is a remote BLE device known to the registry.
type Peripheral struct {
	Address           Address
	Name              string
	RSSI              int
	LastAdvertisement time.Time
	ManufacturerData  []byte
	Services          []*Service
	Cookie            Cookie
	State             State

	id uint64
}

// ID is the registry key; stable for the lifetime of the record.
func (p *Peripheral) ID() uint64 {
	return p.id
}

// DisplayName returns the name, falling back to the address.
func (p *Peripheral) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address.String()
}

// ValidServices counts the services that have been filled by discovery.
func (p *Peripheral) ValidServices() int {
	n := 0
	for _, s := range p.Services {
		if s.UUID != "" {
			n++
		}
	}
	return n
}

// FindService returns the service with the given UUID or nil.
func (p *Peripheral) FindService(uuid string) *Service {
	for _, s := range p.Services {
		if UUIDEqual(s.UUID, uuid) {
			return s
		}
	}
	return nil
}

// FindCharacteristic resolves service then characteristic UUID.
func (p *Peripheral) FindCharacteristic(serviceUUID, uuid string) *Characteristic {
	s := p.FindService(serviceUUID)
	if s == nil {
		return nil
	}
	return s.FindCharacteristic(uuid)
}

func (p *Peripheral) findServiceByCookie(cookie Cookie) *Service {
	for _, s := range p.Services {
		if sameCookie(s.Cookie, cookie) {
			return s
		}
	}
	return nil
}

func (p *Peripheral) findCharacteristicByCookie(cookie Cookie) *Characteristic {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if sameCookie(c.Cookie, cookie) {
				return c
			}
		}
	}
	return nil
}

// sameCookie compares two cookies without panicking on uncomparable types.
func sameCookie(a, b Cookie) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
