package central

import (
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultMaxPeripherals bounds the registry when no limit is configured.
const DefaultMaxPeripherals = 48

// Identity is how a backend names a peripheral: by native handle, by
// hardware address, or both.
type Identity struct {
	Address Address
	Handle  Cookie
}

// Registry is the in-memory model of every known peripheral and the single
// connected one. It is owned by one goroutine and does no locking.
type Registry struct {
	peripherals *orderedmap.OrderedMap[uint64, *Peripheral]
	nextID      uint64
	connected   *Peripheral
	limit       int

	callbacks *Callbacks
	hooks     capabilities
	logger    *logrus.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry holding at most limit peripherals
// (limit <= 0 means DefaultMaxPeripherals).
func NewRegistry(limit int, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if limit <= 0 {
		limit = DefaultMaxPeripherals
	}
	return &Registry{
		peripherals: orderedmap.New[uint64, *Peripheral](),
		limit:       limit,
		logger:      logger,
		now:         time.Now,
	}
}

// SetCallbacks installs the application callback table. Last writer wins.
func (r *Registry) SetCallbacks(cb *Callbacks) {
	r.callbacks = cb
}

// setReleaseHooks installs the backend cookie destructors.
func (r *Registry) setReleaseHooks(caps capabilities) {
	r.hooks = caps
}

// Len returns the number of known peripherals.
func (r *Registry) Len() int {
	return r.peripherals.Len()
}

// Peripherals returns the peripherals in discovery order.
func (r *Registry) Peripherals() []*Peripheral {
	out := make([]*Peripheral, 0, r.peripherals.Len())
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Connected returns the connected peripheral, or nil.
func (r *Registry) Connected() *Peripheral {
	return r.connected
}

// Find returns the peripheral with the given address, or nil.
func (r *Registry) Find(addr Address) *Peripheral {
	if !addr.IsValid() {
		return nil
	}
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Address == addr {
			return pair.Value
		}
	}
	return nil
}

// FindByCookie returns the peripheral owning the given native handle, or nil.
func (r *Registry) FindByCookie(cookie Cookie) *Peripheral {
	if cookie == nil {
		return nil
	}
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		if sameCookie(pair.Value.Cookie, cookie) {
			return pair.Value
		}
	}
	return nil
}

func (r *Registry) lookup(id Identity) *Peripheral {
	if p := r.FindByCookie(id.Handle); p != nil {
		return p
	}
	return r.Find(id.Address)
}

func (r *Registry) contains(p *Peripheral) bool {
	if p == nil {
		return false
	}
	found, ok := r.peripherals.Get(p.id)
	return ok && found == p
}

// DiscoverOrGet returns the peripheral for id, creating it on first sight.
// A handle and an address naming the same device merge into one record.
func (r *Registry) DiscoverOrGet(id Identity) (*Peripheral, error) {
	if p := r.lookup(id); p != nil {
		if p.Cookie == nil && id.Handle != nil {
			p.Cookie = id.Handle
		}
		if !p.Address.IsValid() && id.Address.IsValid() {
			p.Address = id.Address
		}
		return p, nil
	}

	if r.peripherals.Len() >= r.limit {
		return nil, ErrRegistryFull
	}

	r.nextID++
	p := &Peripheral{
		Address: id.Address,
		Cookie:  id.Handle,
		State:   StateDiscovered,
		id:      r.nextID,
	}
	r.peripherals.Set(p.id, p)

	r.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"id":      p.id,
	}).Debug("Peripheral registered")
	return p, nil
}

// OnAdvertisement records signal strength and forwards the discovery.
func (r *Registry) OnAdvertisement(p *Peripheral, rssi int) {
	if p == nil {
		return
	}
	p.RSSI = rssi
	p.LastAdvertisement = r.now()
	r.callbacks.discoverPeripheral(p)
}

// OnConnected marks p as the connected peripheral when code is 0 and always
// forwards to the application.
func (r *Registry) OnConnected(p *Peripheral, code int) {
	if p == nil {
		return
	}
	if code == 0 {
		if r.connected != nil && r.connected != p {
			r.logger.WithFields(logrus.Fields{
				"previous": r.connected.Address,
				"address":  p.Address,
			}).Warn("Connected peripheral replaced without a disconnect")
			r.releaseServices(r.connected)
			r.connected.State = StateDiscovered
		}
		r.connected = p
		p.State = StateConnected
	} else {
		p.State = StateDiscovered
	}
	r.callbacks.connectPeripheral(p, code)
}

// OnDisconnected drops the connection-scoped services of p, clears the
// connected singleton, forwards to the application and, when code is
// non-zero, releases the peripheral record.
func (r *Registry) OnDisconnected(p *Peripheral, code int) {
	if p == nil {
		return
	}

	r.releaseServices(p)
	if r.connected == p {
		r.connected = nil
	}
	p.State = StateDiscovered
	r.callbacks.disconnectPeripheral(p, code)

	if code != 0 {
		r.logger.WithFields(logrus.Fields{
			"address": p.Address,
			"code":    code,
		}).Info("Involuntary disconnect, releasing peripheral")
		r.Release(p)
	}
}

// ReplaceServices discards the services of p and allocates count empty ones.
func (r *Registry) ReplaceServices(p *Peripheral, count int) []*Service {
	r.releaseServices(p)
	if count <= 0 {
		return nil
	}
	p.Services = make([]*Service, count)
	for i := range p.Services {
		p.Services[i] = &Service{peripheral: p}
	}
	return p.Services
}

// FillService assigns identity and cookie to a slot from ReplaceServices.
func (r *Registry) FillService(s *Service, uuid string, cookie Cookie) {
	s.UUID = uuid
	s.Cookie = cookie
}

// ReplaceCharacteristics discards the characteristics of s and allocates
// count empty ones with zero properties.
func (r *Registry) ReplaceCharacteristics(s *Service, count int) []*Characteristic {
	r.releaseCharacteristics(s)
	if count <= 0 {
		return nil
	}
	s.Characteristics = make([]*Characteristic, count)
	for i := range s.Characteristics {
		s.Characteristics[i] = &Characteristic{service: s}
	}
	return s.Characteristics
}

// FillCharacteristic assigns identity and cookie; properties are OR-ed in by
// the caller.
func (r *Registry) FillCharacteristic(c *Characteristic, uuid string, cookie Cookie) {
	c.UUID = uuid
	c.Cookie = cookie
}

// Release removes p from the registry. A connected p first gets a clean
// disconnect callback; the native disconnect is never invoked here.
func (r *Registry) Release(p *Peripheral) {
	if !r.contains(p) {
		return
	}

	if r.connected == p {
		r.connected = nil
		p.State = StateDiscovered
		r.callbacks.disconnectPeripheral(p, 0)
	}
	r.callbacks.releasePeripheral(p)

	r.releaseServices(p)
	p.Name = ""
	p.ManufacturerData = nil

	if p.Cookie != nil {
		if r.hooks.cookieReleaser != nil {
			r.hooks.cookieReleaser.ReleaseCookie(p)
		}
		p.Cookie = nil
	}

	r.peripherals.Delete(p.id)
	p.State = StateReleased

	r.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"id":      p.id,
	}).Debug("Peripheral released")
}

// ReleaseAll releases the oldest peripheral until the registry is empty.
func (r *Registry) ReleaseAll() {
	for pair := r.peripherals.Oldest(); pair != nil; pair = r.peripherals.Oldest() {
		r.Release(pair.Value)
	}
}

func (r *Registry) releaseServices(p *Peripheral) {
	for i, s := range p.Services {
		r.releaseCharacteristics(s)
		if s.Cookie != nil {
			if r.hooks.svcCookieReleaser != nil {
				r.hooks.svcCookieReleaser.ReleaseServiceCookie(s, i)
			}
			s.Cookie = nil
		}
	}
	p.Services = nil
}

func (r *Registry) releaseCharacteristics(s *Service) {
	for i, c := range s.Characteristics {
		if c.Cookie != nil {
			if r.hooks.charCookieReleaser != nil {
				r.hooks.charCookieReleaser.ReleaseCharacteristicCookie(c, i)
			}
			c.Cookie = nil
		}
	}
	s.Characteristics = nil
}
