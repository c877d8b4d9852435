//go:build linux

// Package paypalgatt is the paypal/gatt backend for Linux HCI adapters.
//
// gatt delivers discovery and connection changes on its own goroutines; the
// handlers only post to the event relay. Blocking GATT calls for a connected
// peripheral run on that peripheral's session goroutine.
package paypalgatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

// Name is the driver name.
const Name = "paypal-gatt"

const advertiseName = "blecentral"

// ErrUnknownPeripheral is returned when connecting to an id gatt never reported.
var ErrUnknownPeripheral = errors.New("peripheral was not discovered by gatt")

// Driver returns the bootstrap entry for paypal/gatt.
func Driver() central.Driver {
	return central.Driver{
		Name:      Name,
		Available: func() bool { return true },
		New: func(env central.Env) (central.Backend, error) {
			d, err := gatt.NewDevice(option.DefaultClientOptions...)
			if err != nil {
				return nil, fmt.Errorf("failed to open HCI device: %w", central.NormalizeError(err))
			}
			return newBackend(env, d)
		},
	}
}

// Backend drives a gatt.Device.
type Backend struct {
	events central.EventSink
	logger *logrus.Logger
	device gatt.Device

	state atomic.Int32

	// by gatt peripheral id
	discovered *hashmap.Map[string, gatt.Peripheral]
	sessions   *hashmap.Map[string, *session]

	mu          sync.Mutex
	pendingScan *string
	filter      string
}

func newBackend(env central.Env, d gatt.Device) (*Backend, error) {
	logger := env.Logger
	if logger == nil {
		logger = logrus.New()
	}
	b := &Backend{
		events:     env.Events,
		logger:     logger,
		device:     d,
		discovered: hashmap.New[string, gatt.Peripheral](),
		sessions:   hashmap.New[string, *session](),
	}
	b.state.Store(int32(gatt.StateUnknown))

	d.Handle(
		gatt.PeripheralDiscovered(b.onDiscovered),
		gatt.PeripheralConnected(b.onConnected),
		gatt.PeripheralDisconnected(b.onDisconnected),
	)
	if err := d.Init(b.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to init HCI device: %w", central.NormalizeError(err))
	}
	return b, nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) onStateChanged(d gatt.Device, s gatt.State) {
	b.state.Store(int32(s))
	b.logger.WithField("state", s).Debug("HCI adapter state changed")

	if s != gatt.StatePoweredOn {
		return
	}
	b.mu.Lock()
	pending := b.pendingScan
	b.pendingScan = nil
	b.mu.Unlock()
	if pending != nil {
		if err := b.Scan(*pending); err != nil {
			b.logger.WithError(err).Warn("Failed to start deferred scan")
		}
	}
}

func (b *Backend) poweredOn() bool {
	return gatt.State(b.state.Load()) == gatt.StatePoweredOn
}

func (b *Backend) AuthorizationStatus() central.Authorization {
	return authorization(gatt.State(b.state.Load()))
}

func (b *Backend) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	b.mu.Lock()
	filter := b.filter
	b.mu.Unlock()
	if !advertises(a, filter) {
		return
	}
	b.discovered.Set(p.ID(), p)
	b.events.Post(advertisementEvent(p.ID(), p.Name(), a, rssi))
}

func (b *Backend) onConnected(p gatt.Peripheral, err error) {
	id := p.ID()
	if err != nil {
		b.logger.WithFields(logrus.Fields{"address": id, "error": err}).Warn("gatt connect failed")
		b.events.Post(connectionEvent(id, false, central.EFAULT))
		return
	}
	if stale, ok := b.sessions.Get(id); ok {
		stale.close()
	}
	b.sessions.Set(id, newSession(b, p))
	b.events.Post(connectionEvent(id, true, 0))
}

func (b *Backend) onDisconnected(p gatt.Peripheral, err error) {
	id := p.ID()
	code := central.EFAULT
	if s, ok := b.sessions.Get(id); ok {
		if s.requested.Load() {
			code = 0
		}
		s.close()
		b.sessions.Del(id)
	}
	if err != nil {
		b.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("gatt disconnect reason")
	}
	b.events.Post(connectionEvent(id, false, code))
}

func connectionEvent(id string, connected bool, code int) central.Event {
	ev := central.Event{Kind: central.EventConnectionChanged, Handle: id, Connected: connected, Err: code}
	if addr, err := central.ParseAddress(id); err == nil {
		ev.Address = addr
	}
	return ev
}

func peripheralID(p *central.Peripheral) string {
	if id, ok := p.Cookie.(string); ok && id != "" {
		return id
	}
	return p.Address.String()
}

func (b *Backend) Scan(filter string) error {
	canon, uuids, err := scanFilter(filter)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.filter = canon
	if !b.poweredOn() {
		b.pendingScan = &filter
		b.mu.Unlock()
		b.logger.Debug("Adapter not powered on, scan deferred")
		return nil
	}
	b.mu.Unlock()

	b.device.Scan(uuids, true)
	return nil
}

func (b *Backend) StopScan() error {
	b.mu.Lock()
	b.pendingScan = nil
	b.mu.Unlock()
	b.device.StopScanning()
	return nil
}

func (b *Backend) StartAdvertise() error {
	return b.device.AdvertiseNameAndServices(advertiseName, nil)
}

func (b *Backend) Connect(p *central.Peripheral) error {
	id := peripheralID(p)
	gp, ok := b.discovered.Get(id)
	if !ok {
		return &central.NativeError{Op: "connect", Code: central.EFAULT, Err: ErrUnknownPeripheral}
	}
	if stale, ok := b.sessions.Get(id); ok {
		stale.close()
		b.sessions.Del(id)
	}
	if p.Cookie == nil {
		p.Cookie = id
	}
	b.device.Connect(gp)
	return nil
}

func (b *Backend) sessionFor(p *central.Peripheral) (*session, error) {
	if p == nil {
		return nil, errSessionClosed
	}
	s, ok := b.sessions.Get(peripheralID(p))
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionClosed, p.Address)
	}
	return s, nil
}

func (b *Backend) Disconnect(p *central.Peripheral) error {
	s, err := b.sessionFor(p)
	if err != nil {
		return err
	}
	s.requested.Store(true)
	b.cancelConnection(s.p)
	return nil
}

// cancelConnection issues the HCI disconnect off the owning goroutine.
func (b *Backend) cancelConnection(p gatt.Peripheral) {
	groutine.Go(context.Background(), "gatt-cancel-"+p.ID(), func(context.Context) {
		b.device.CancelConnection(p)
	})
}

func (b *Backend) IsConnected(p *central.Peripheral) bool {
	_, err := b.sessionFor(p)
	return err == nil
}

func (b *Backend) DiscoverServices(p *central.Peripheral) error {
	s, err := b.sessionFor(p)
	if err != nil {
		return err
	}
	return s.enqueue(func(gp gatt.Peripheral) {
		svcs, err := gp.DiscoverServices(nil)
		if err != nil {
			s.fail("discover-services", err)
			s.post(central.Event{Kind: central.EventServicesDiscovered, Err: central.EFAULT})
			return
		}
		recs := make([]central.ServiceRecord, 0, len(svcs))
		for _, svc := range svcs {
			chars, err := gp.DiscoverCharacteristics(nil, svc)
			if err != nil {
				s.fail("discover-characteristics", err)
			}
			recs = append(recs, central.ServiceRecord{
				UUID:            canonical(svc.UUID()),
				Cookie:          svc,
				Characteristics: characteristicRecords(chars),
			})
		}
		s.post(central.Event{Kind: central.EventServicesDiscovered, Services: recs})
	})
}

func characteristicRecords(chars []*gatt.Characteristic) []central.CharacteristicRecord {
	recs := make([]central.CharacteristicRecord, 0, len(chars))
	for _, c := range chars {
		recs = append(recs, central.CharacteristicRecord{
			UUID:       canonical(c.UUID()),
			Properties: properties(c.Properties()),
			Cookie:     c,
		})
	}
	return recs
}

func (b *Backend) DiscoverCharacteristics(p *central.Peripheral, svc *central.Service) error {
	s, err := b.sessionFor(p)
	if err != nil {
		return err
	}
	native, ok := svc.Cookie.(*gatt.Service)
	if !ok {
		return fmt.Errorf("service %s has no native handle", svc.UUID)
	}
	return s.enqueue(func(gp gatt.Peripheral) {
		chars, err := gp.DiscoverCharacteristics(nil, native)
		ev := central.Event{Kind: central.EventCharacteristicsDiscovered, Service: native}
		if err != nil {
			s.fail("discover-characteristics", err)
			ev.Err = central.EFAULT
		} else {
			ev.Characteristics = characteristicRecords(chars)
		}
		s.post(ev)
	})
}

func (b *Backend) characteristic(c *central.Characteristic) (*session, *gatt.Characteristic, error) {
	s, err := b.sessionFor(c.Peripheral())
	if err != nil {
		return nil, nil, err
	}
	native, ok := c.Cookie.(*gatt.Characteristic)
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s has no native handle", c.UUID)
	}
	return s, native, nil
}

func (b *Backend) ReadCharacteristic(c *central.Characteristic) error {
	s, native, err := b.characteristic(c)
	if err != nil {
		return err
	}
	return s.enqueue(func(gp gatt.Peripheral) {
		data, err := gp.ReadCharacteristic(native)
		ev := central.Event{Kind: central.EventCharacteristicRead, Characteristic: native, Data: data}
		if err != nil {
			s.fail("read", err)
			ev.Err = central.EFAULT
		}
		s.post(ev)
	})
}

func (b *Backend) WriteCharacteristic(c *central.Characteristic, data []byte, withResponse bool) error {
	s, native, err := b.characteristic(c)
	if err != nil {
		return err
	}
	value := append([]byte(nil), data...)
	return s.enqueue(func(gp gatt.Peripheral) {
		err := gp.WriteCharacteristic(native, value, !withResponse)
		if err != nil {
			s.fail("write", err)
		}
		if withResponse {
			s.post(central.Event{Kind: central.EventCharacteristicWritten, Characteristic: native, Err: central.ErrorCode(err)})
		}
	})
}

func (b *Backend) SubscribeCharacteristic(c *central.Characteristic, enable bool) error {
	s, native, err := b.characteristic(c)
	if err != nil {
		return err
	}
	indicate := !c.Properties.Has(central.PropNotify)

	return s.enqueue(func(gp gatt.Peripheral) {
		// gatt locates the CCCD through the discovered descriptors.
		_, err := gp.DiscoverDescriptors(nil, native)
		if err == nil {
			var handler func(*gatt.Characteristic, []byte, error)
			if enable {
				handler = func(_ *gatt.Characteristic, data []byte, err error) {
					if err != nil {
						s.fail("notification", err)
						return
					}
					s.post(central.Event{
						Kind:           central.EventCharacteristicRead,
						Characteristic: native,
						Data:           append([]byte(nil), data...),
						Notification:   true,
					})
				}
			}
			if indicate {
				err = gp.SetIndicateValue(native, handler)
			} else {
				err = gp.SetNotifyValue(native, handler)
			}
		}
		if err != nil {
			s.fail("subscribe", err)
		}
		s.post(central.Event{
			Kind:           central.EventDescriptorWritten,
			Characteristic: native,
			Descriptor:     central.CCCDUUID,
			Err:            central.ErrorCode(err),
		})
	})
}

func (b *Backend) DiscoverDescriptors(c *central.Characteristic) error {
	s, native, err := b.characteristic(c)
	if err != nil {
		return err
	}
	return s.enqueue(func(gp gatt.Peripheral) {
		_, err := gp.DiscoverDescriptors(nil, native)
		if err != nil {
			s.fail("discover-descriptors", err)
		}
		s.post(central.Event{Kind: central.EventDescriptorsDiscovered, Characteristic: native, Err: central.ErrorCode(err)})
	})
}

// ReleaseCookie forgets p and drops its connection if one is still open.
func (b *Backend) ReleaseCookie(p *central.Peripheral) {
	id := peripheralID(p)
	if s, ok := b.sessions.Get(id); ok {
		s.close()
		b.sessions.Del(id)
		b.cancelConnection(s.p)
	}
	b.discovered.Del(id)
}

func (b *Backend) Quit() {
	_ = b.StopScan()
	if err := b.device.StopAdvertising(); err != nil {
		b.logger.WithError(err).Debug("Failed to stop advertising")
	}

	var ids []string
	b.sessions.Range(func(id string, s *session) bool {
		s.close()
		b.device.CancelConnection(s.p)
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		b.sessions.Del(id)
	}

	if stopper, ok := b.device.(interface{ Stop() error }); ok {
		if err := stopper.Stop(); err != nil {
			b.logger.WithError(err).Debug("Failed to stop HCI device")
		}
	}
}
