// Package goble is the go-ble backend: CoreBluetooth on macOS, HCI sockets on
// Linux.
//
// go-ble calls block, so every native operation runs on a goroutine and its
// result is posted to the event relay. Operations for one peripheral are
// serialized on that peripheral's link goroutine.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

// Name is the driver name.
const Name = "go-ble"

// DefaultConnectTimeout bounds a single dial.
const DefaultConnectTimeout = 10 * time.Second

// advertiseName is the local name used by StartAdvertise.
const advertiseName = "blecentral"

// Options tunes the backend.
type Options struct {
	ConnectTimeout time.Duration
}

// Backend drives a go-ble Radio.
type Backend struct {
	events central.EventSink
	logger *logrus.Logger
	radio  Radio
	opts   Options

	// links by native peripheral id
	links *hashmap.Map[string, *link]

	mu         sync.Mutex
	scanCancel context.CancelFunc
	advCancel  context.CancelFunc
}

// Driver returns the bootstrap entry for go-ble.
func Driver(opts Options) central.Driver {
	return central.Driver{
		Name:      Name,
		Available: available,
		New: func(env central.Env) (central.Backend, error) {
			dev, err := DeviceFactory()
			if err != nil {
				return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			}
			return newBackend(env, &deviceRadio{dev: dev}, opts), nil
		},
	}
}

func newBackend(env central.Env, radio Radio, opts Options) *Backend {
	logger := env.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Backend{
		events: env.Events,
		logger: logger,
		radio:  radio,
		opts:   opts,
		links:  hashmap.New[string, *link](),
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) AuthorizationStatus() central.Authorization {
	return central.AuthorizationAllowed
}

// peripheralID is the native id a peripheral was discovered under.
func peripheralID(p *central.Peripheral) string {
	if id, ok := p.Cookie.(string); ok && id != "" {
		return id
	}
	return p.Address.String()
}

func (b *Backend) Scan(filter string) error {
	if filter != "" {
		canon, err := central.CanonicalUUID(filter)
		if err != nil {
			return err
		}
		filter = canon
	}

	b.mu.Lock()
	if b.scanCancel != nil {
		b.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.scanCancel = cancel
	b.mu.Unlock()

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := b.radio.Scan(ctx, func(adv Advertisement) {
			if filter != "" && !advertises(adv, filter) {
				return
			}
			b.events.Post(advertisementEvent(adv))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.WithError(err).Warn("Scan ended with error")
		}
	})
	return nil
}

func advertises(adv Advertisement, uuid string) bool {
	for _, s := range adv.Services {
		if central.UUIDEqual(s, uuid) {
			return true
		}
	}
	return false
}

func advertisementEvent(adv Advertisement) central.Event {
	ev := central.Event{
		Kind:             central.EventDiscovered,
		Handle:           adv.Addr,
		Name:             adv.LocalName,
		RSSI:             adv.RSSI,
		ManufacturerData: adv.ManufacturerData,
	}
	// CoreBluetooth reports an opaque identifier instead of a hardware address.
	if addr, err := central.ParseAddress(adv.Addr); err == nil {
		ev.Address = addr
	}
	return ev
}

func (b *Backend) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
	return nil
}

func (b *Backend) StartAdvertise() error {
	b.mu.Lock()
	if b.advCancel != nil {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.advCancel = cancel
	b.mu.Unlock()

	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		if err := b.radio.Advertise(ctx, advertiseName); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.WithError(err).Warn("Advertising ended with error")
		}
	})
	return nil
}

func (b *Backend) Connect(p *central.Peripheral) error {
	id := peripheralID(p)

	// A previous attempt may still hold a link.
	if stale, ok := b.links.Get(id); ok {
		stale.close()
		b.links.Del(id)
	}
	if p.Cookie == nil {
		p.Cookie = id
	}

	l := newLink(b, id, p.Address)
	b.links.Set(id, l)
	l.start()
	return nil
}

func (b *Backend) linkFor(p *central.Peripheral) (*link, error) {
	if p == nil {
		return nil, errNoLink
	}
	l, ok := b.links.Get(peripheralID(p))
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoLink, p.Address)
	}
	return l, nil
}

func (b *Backend) Disconnect(p *central.Peripheral) error {
	l, err := b.linkFor(p)
	if err != nil {
		return err
	}
	l.requested.Store(true)
	return l.enqueue(func(c Client) {
		if err := c.CancelConnection(); err != nil {
			b.logger.WithError(err).Warn("Failed to cancel connection")
		}
		if !l.notifies {
			l.lost(0)
		}
	})
}

func (b *Backend) IsConnected(p *central.Peripheral) bool {
	l, err := b.linkFor(p)
	return err == nil && l.connected.Load()
}

func (b *Backend) DiscoverServices(p *central.Peripheral) error {
	l, err := b.linkFor(p)
	if err != nil {
		return err
	}
	return l.enqueue(func(c Client) {
		svcs, err := c.DiscoverServices(nil)
		if err != nil {
			l.fail("discover-services", err)
			l.post(central.Event{Kind: central.EventServicesDiscovered, Err: central.EFAULT})
			return
		}
		l.post(central.Event{Kind: central.EventServicesDiscovered, Services: serviceRecords(svcs)})
	})
}

func (b *Backend) DiscoverCharacteristics(p *central.Peripheral, s *central.Service) error {
	l, err := b.linkFor(p)
	if err != nil {
		return err
	}
	svc, ok := s.Cookie.(*ble.Service)
	if !ok {
		return fmt.Errorf("service %s has no native handle", s.UUID)
	}
	return l.enqueue(func(c Client) {
		chars, err := c.DiscoverCharacteristics(nil, svc)
		ev := central.Event{Kind: central.EventCharacteristicsDiscovered, Service: svc}
		if err != nil {
			l.fail("discover-characteristics", err)
			ev.Err = central.EFAULT
		} else {
			ev.Characteristics = characteristicRecords(chars)
		}
		l.post(ev)
	})
}

func (b *Backend) characteristic(c *central.Characteristic) (*link, *ble.Characteristic, error) {
	l, err := b.linkFor(c.Peripheral())
	if err != nil {
		return nil, nil, err
	}
	ch, ok := c.Cookie.(*ble.Characteristic)
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s has no native handle", c.UUID)
	}
	return l, ch, nil
}

func (b *Backend) ReadCharacteristic(c *central.Characteristic) error {
	l, ch, err := b.characteristic(c)
	if err != nil {
		return err
	}
	return l.enqueue(func(cl Client) {
		data, err := cl.ReadCharacteristic(ch)
		ev := central.Event{Kind: central.EventCharacteristicRead, Characteristic: ch, Data: data}
		if err != nil {
			l.fail("read", err)
			ev.Err = central.EFAULT
		}
		l.post(ev)
	})
}

func (b *Backend) WriteCharacteristic(c *central.Characteristic, data []byte, withResponse bool) error {
	l, ch, err := b.characteristic(c)
	if err != nil {
		return err
	}
	value := append([]byte(nil), data...)
	return l.enqueue(func(cl Client) {
		err := cl.WriteCharacteristic(ch, value, !withResponse)
		if err != nil {
			l.fail("write", err)
		}
		if withResponse {
			l.post(central.Event{Kind: central.EventCharacteristicWritten, Characteristic: ch, Err: central.ErrorCode(err)})
		}
	})
}

func (b *Backend) SubscribeCharacteristic(c *central.Characteristic, enable bool) error {
	l, ch, err := b.characteristic(c)
	if err != nil {
		return err
	}
	// Indicate only when notify is not offered.
	indicate := !c.Properties.Has(central.PropNotify)

	return l.enqueue(func(cl Client) {
		var err error
		if ch.CCCD == nil {
			_, err = cl.DiscoverDescriptors(nil, ch)
		}
		if err == nil {
			err = cl.Subscribe(ch, indicate, func(data []byte) {
				l.post(central.Event{
					Kind:           central.EventCharacteristicRead,
					Characteristic: ch,
					Data:           append([]byte(nil), data...),
					Notification:   true,
				})
			})
		}
		if err != nil {
			l.fail("subscribe", err)
		}
		l.post(central.Event{
			Kind:           central.EventDescriptorWritten,
			Characteristic: ch,
			Descriptor:     central.CCCDUUID,
			Err:            central.ErrorCode(err),
		})
	})
}

func (b *Backend) DiscoverDescriptors(c *central.Characteristic) error {
	l, ch, err := b.characteristic(c)
	if err != nil {
		return err
	}
	return l.enqueue(func(cl Client) {
		_, err := cl.DiscoverDescriptors(nil, ch)
		if err != nil {
			l.fail("discover-descriptors", err)
		}
		l.post(central.Event{Kind: central.EventDescriptorsDiscovered, Characteristic: ch, Err: central.ErrorCode(err)})
	})
}

// ReleaseCookie drops the native link of p. Events still in flight for it
// are suppressed.
func (b *Backend) ReleaseCookie(p *central.Peripheral) {
	id := peripheralID(p)
	if l, ok := b.links.Get(id); ok {
		l.close()
		b.links.Del(id)
	}
}

func (b *Backend) Quit() {
	_ = b.StopScan()

	b.mu.Lock()
	if b.advCancel != nil {
		b.advCancel()
		b.advCancel = nil
	}
	b.mu.Unlock()

	var ids []string
	b.links.Range(func(id string, l *link) bool {
		l.close()
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		b.links.Del(id)
	}

	if err := b.radio.Stop(); err != nil {
		b.logger.WithError(err).Debug("Failed to stop BLE device")
	}
}
