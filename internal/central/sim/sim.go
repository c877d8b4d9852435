// Package sim is an in-process BLE backend driven by a Profile. It
// implements every backend capability and is used by the CLI --backend sim
// mode and by tests.
//
// In synchronous mode results are delivered from inside the dispatcher call.
// In asynchronous mode a worker goroutine performs the operations and posts
// results to the event relay, like a native stack would.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

// Name is the driver name.
const Name = "sim"

var (
	ErrUnknownDevice = errors.New("unknown simulated device")
	ErrNoLink        = errors.New("no link")
	ErrNotSubscribed = errors.New("characteristic not subscribed")
	ErrStopped       = errors.New("simulated radio stopped")
)

// Options configures the simulated backend.
type Options struct {
	Profile *Profile

	// Async runs operations on a worker goroutine and posts the results.
	Async bool

	// InlineCharacteristics reports characteristics together with services,
	// like stacks that discover the whole profile in one pass.
	InlineCharacteristics bool
}

type device struct {
	addr     central.Address
	name     string
	rssi     int
	mfg      []byte
	services []*service
}

type service struct {
	uuid  string
	chars []*characteristic
}

type characteristic struct {
	uuid       string
	props      central.Properties
	value      []byte
	subscribed bool
}

// link is the peripheral cookie: one connection attempt to a device.
type link struct {
	dev       *device
	connected bool
	closed    bool
}

// Releases counts cookie release hook invocations.
type Releases struct {
	Peripherals     int
	Services        int
	Characteristics int
}

// Backend is the simulated radio.
type Backend struct {
	env     central.Env
	logger  *logrus.Logger
	opts    Options
	devices []*device

	mu          sync.Mutex
	links       map[*device]*link
	scanning    bool
	advertising bool
	connectErr  map[central.Address]int
	writeErr    int
	releases    Releases

	work   chan func()
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Driver returns a bootstrap entry for the simulated backend.
func Driver(opts Options) central.Driver {
	return central.Driver{
		Name:      Name,
		Available: func() bool { return true },
		New: func(env central.Env) (central.Backend, error) {
			return New(env, opts)
		},
	}
}

// New creates a simulated backend. A nil profile means DefaultProfile.
func New(env central.Env, opts Options) (*Backend, error) {
	if opts.Profile == nil {
		opts.Profile = DefaultProfile()
	}
	devices, err := opts.Profile.build()
	if err != nil {
		return nil, err
	}

	logger := env.Logger
	if logger == nil {
		logger = logrus.New()
	}

	b := &Backend{
		env:        env,
		logger:     logger,
		opts:       opts,
		devices:    devices,
		links:      make(map[*device]*link),
		connectErr: make(map[central.Address]int),
	}

	if opts.Async {
		ctx, cancel := context.WithCancel(context.Background())
		b.work = make(chan func(), 64)
		b.cancel = cancel
		b.done = groutine.Go(ctx, "sim-worker", b.worker)
	}
	return b, nil
}

func (b *Backend) worker(ctx context.Context) {
	log := b.logger.WithField("goroutine", groutine.GetName(ctx))
	log.Debug("Simulated radio worker started")
	defer log.Debug("Simulated radio worker stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-b.work:
			fn()
		}
	}
}

// run executes fn inline or on the worker. Once the worker has stopped it
// returns ErrStopped instead of queueing.
func (b *Backend) run(fn func()) error {
	if b.work == nil {
		fn()
		return nil
	}
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	select {
	case b.work <- fn:
		return nil
	case <-b.done:
		return ErrStopped
	}
}

func (b *Backend) emit(ev central.Event) {
	if b.work != nil {
		b.env.Events.Post(ev)
		return
	}
	b.env.Events.Deliver(ev)
}

// emitOn sends ev for l unless the link has been released meanwhile.
func (b *Backend) emitOn(l *link, ev central.Event) {
	b.mu.Lock()
	closed := l.closed
	b.mu.Unlock()
	if closed {
		return
	}
	ev.Handle = l
	ev.Address = l.dev.addr
	b.emit(ev)
}

func (b *Backend) Name() string {
	return Name
}

// FailConnect makes the next connection attempts to addr fail with code.
// A zero code clears the failure.
func (b *Backend) FailConnect(addr central.Address, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == 0 {
		delete(b.connectErr, addr)
		return
	}
	b.connectErr[addr] = code
}

// FailWrites makes writes with response complete with code. Zero clears it.
func (b *Backend) FailWrites(code int) {
	b.mu.Lock()
	b.writeErr = code
	b.mu.Unlock()
}

// Releases returns the cookie release counters.
func (b *Backend) Releases() Releases {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

func (b *Backend) Scan(filter string) error {
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()

	var matched []*device
	for _, d := range b.devices {
		if filter == "" || d.advertises(filter) {
			matched = append(matched, d)
		}
	}

	return b.run(func() {
		for _, d := range matched {
			b.emit(central.Event{
				Kind:             central.EventDiscovered,
				Address:          d.addr,
				Name:             d.name,
				RSSI:             d.rssi,
				ManufacturerData: d.mfg,
			})
		}
	})
}

func (d *device) advertises(uuid string) bool {
	for _, s := range d.services {
		if central.UUIDEqual(s.uuid, uuid) {
			return true
		}
	}
	return false
}

func (b *Backend) StopScan() error {
	b.mu.Lock()
	b.scanning = false
	b.mu.Unlock()
	return nil
}

// Scanning reports whether a scan is active.
func (b *Backend) Scanning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanning
}

// StartAdvertise only records the request; the simulation has no
// peripheral role.
func (b *Backend) StartAdvertise() error {
	b.mu.Lock()
	b.advertising = true
	b.mu.Unlock()
	b.logger.Debug("Simulated advertising started")
	return nil
}

// Advertising reports whether StartAdvertise was called.
func (b *Backend) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

func (b *Backend) AuthorizationStatus() central.Authorization {
	return central.AuthorizationAllowed
}

func (b *Backend) findDevice(addr central.Address) *device {
	for _, d := range b.devices {
		if d.addr == addr {
			return d
		}
	}
	return nil
}

func (b *Backend) Connect(p *central.Peripheral) error {
	d := b.findDevice(p.Address)
	if d == nil {
		return &central.NativeError{Op: "connect", Code: central.EFAULT, Err: fmt.Errorf("%w: %s", ErrUnknownDevice, p.Address)}
	}

	// A previous attempt may have left its cookie behind.
	if p.Cookie != nil {
		b.ReleaseCookie(p)
		p.Cookie = nil
	}

	l := &link{dev: d}
	p.Cookie = l

	b.mu.Lock()
	b.links[d] = l
	code := b.connectErr[d.addr]
	b.mu.Unlock()

	return b.run(func() {
		if code != 0 {
			b.emitOn(l, central.Event{Kind: central.EventConnectionChanged, Connected: false, Err: code})
			return
		}
		b.mu.Lock()
		l.connected = true
		b.mu.Unlock()
		b.emitOn(l, central.Event{Kind: central.EventConnectionChanged, Connected: true})
	})
}

func linkOf(p *central.Peripheral) (*link, error) {
	if p == nil {
		return nil, ErrNoLink
	}
	l, ok := p.Cookie.(*link)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w to %s", ErrNoLink, p.Address)
	}
	return l, nil
}

func (b *Backend) Disconnect(p *central.Peripheral) error {
	l, err := linkOf(p)
	if err != nil {
		return err
	}
	return b.run(func() {
		b.mu.Lock()
		l.connected = false
		b.mu.Unlock()
		b.emitOn(l, central.Event{Kind: central.EventConnectionChanged, Connected: false})
	})
}

// Drop simulates an involuntary link loss on addr.
func (b *Backend) Drop(addr central.Address) error {
	d := b.findDevice(addr)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	b.mu.Lock()
	l := b.links[d]
	b.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w to %s", ErrNoLink, addr)
	}

	return b.run(func() {
		b.mu.Lock()
		l.connected = false
		b.mu.Unlock()
		b.emitOn(l, central.Event{Kind: central.EventConnectionChanged, Connected: false, Err: central.EFAULT})
	})
}

func (b *Backend) IsConnected(p *central.Peripheral) bool {
	l, err := linkOf(p)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return l.connected && !l.closed
}

func (b *Backend) DiscoverServices(p *central.Peripheral) error {
	l, err := linkOf(p)
	if err != nil {
		return err
	}
	inline := b.opts.InlineCharacteristics

	return b.run(func() {
		b.mu.Lock()
		connected := l.connected
		b.mu.Unlock()
		if !connected {
			b.emitOn(l, central.Event{Kind: central.EventServicesDiscovered, Err: central.EFAULT})
			return
		}

		recs := make([]central.ServiceRecord, 0, len(l.dev.services))
		for _, s := range l.dev.services {
			rec := central.ServiceRecord{UUID: s.uuid, Cookie: s}
			if inline {
				rec.Characteristics = s.records()
			}
			recs = append(recs, rec)
		}
		b.emitOn(l, central.Event{Kind: central.EventServicesDiscovered, Services: recs})
	})
}

func (s *service) records() []central.CharacteristicRecord {
	recs := make([]central.CharacteristicRecord, 0, len(s.chars))
	for _, c := range s.chars {
		recs = append(recs, central.CharacteristicRecord{UUID: c.uuid, Properties: c.props, Cookie: c})
	}
	return recs
}

func (b *Backend) DiscoverCharacteristics(p *central.Peripheral, s *central.Service) error {
	l, err := linkOf(p)
	if err != nil {
		return err
	}
	svc, ok := s.Cookie.(*service)
	if !ok {
		return &central.NativeError{Op: "discover-characteristics", Code: central.EFAULT, Err: ErrUnknownDevice}
	}
	return b.run(func() {
		b.emitOn(l, central.Event{
			Kind:            central.EventCharacteristicsDiscovered,
			Service:         svc,
			Characteristics: svc.records(),
		})
	})
}

func charOf(c *central.Characteristic) (*link, *characteristic, error) {
	l, err := linkOf(c.Peripheral())
	if err != nil {
		return nil, nil, err
	}
	ch, ok := c.Cookie.(*characteristic)
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s has no simulated handle", c.UUID)
	}
	return l, ch, nil
}

func (b *Backend) ReadCharacteristic(c *central.Characteristic) error {
	l, ch, err := charOf(c)
	if err != nil {
		return err
	}
	return b.run(func() {
		b.mu.Lock()
		data := append([]byte{}, ch.value...)
		b.mu.Unlock()
		b.emitOn(l, central.Event{Kind: central.EventCharacteristicRead, Characteristic: ch, Data: data})
	})
}

func (b *Backend) WriteCharacteristic(c *central.Characteristic, data []byte, withResponse bool) error {
	l, ch, err := charOf(c)
	if err != nil {
		return err
	}
	value := append([]byte{}, data...)

	return b.run(func() {
		b.mu.Lock()
		code := b.writeErr
		if code == 0 {
			ch.value = value
		}
		b.mu.Unlock()
		if withResponse {
			b.emitOn(l, central.Event{Kind: central.EventCharacteristicWritten, Characteristic: ch, Err: code})
		}
	})
}

// Value returns the current value of a simulated characteristic.
func (b *Backend) Value(addr central.Address, serviceUUID, charUUID string) ([]byte, bool) {
	ch := b.lookupCharacteristic(addr, serviceUUID, charUUID)
	if ch == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte{}, ch.value...), true
}

func (b *Backend) SubscribeCharacteristic(c *central.Characteristic, enable bool) error {
	l, ch, err := charOf(c)
	if err != nil {
		return err
	}
	return b.run(func() {
		b.mu.Lock()
		ch.subscribed = enable
		b.mu.Unlock()
		b.emitOn(l, central.Event{
			Kind:           central.EventDescriptorWritten,
			Characteristic: ch,
			Descriptor:     central.CCCDUUID,
		})
	})
}

// Notify pushes a notification from addr on a subscribed characteristic.
func (b *Backend) Notify(addr central.Address, serviceUUID, charUUID string, data []byte) error {
	ch := b.lookupCharacteristic(addr, serviceUUID, charUUID)
	if ch == nil {
		return fmt.Errorf("%w: %s %s/%s", ErrUnknownDevice, addr, serviceUUID, charUUID)
	}

	b.mu.Lock()
	l := b.links[b.findDevice(addr)]
	subscribed := ch.subscribed
	if subscribed {
		ch.value = append([]byte{}, data...)
	}
	b.mu.Unlock()

	if l == nil {
		return fmt.Errorf("%w to %s", ErrNoLink, addr)
	}
	if !subscribed {
		return ErrNotSubscribed
	}

	value := append([]byte{}, data...)
	return b.run(func() {
		b.emitOn(l, central.Event{
			Kind:           central.EventCharacteristicRead,
			Characteristic: ch,
			Data:           value,
			Notification:   true,
		})
	})
}

func (b *Backend) lookupCharacteristic(addr central.Address, serviceUUID, charUUID string) *characteristic {
	d := b.findDevice(addr)
	if d == nil {
		return nil
	}
	for _, s := range d.services {
		if !central.UUIDEqual(s.uuid, serviceUUID) {
			continue
		}
		for _, c := range s.chars {
			if central.UUIDEqual(c.uuid, charUUID) {
				return c
			}
		}
	}
	return nil
}

func (b *Backend) DiscoverDescriptors(c *central.Characteristic) error {
	l, ch, err := charOf(c)
	if err != nil {
		return err
	}
	return b.run(func() {
		b.emitOn(l, central.Event{Kind: central.EventDescriptorsDiscovered, Characteristic: ch})
	})
}

func (b *Backend) ReleaseCharacteristicCookie(*central.Characteristic, int) {
	b.mu.Lock()
	b.releases.Characteristics++
	b.mu.Unlock()
}

func (b *Backend) ReleaseServiceCookie(*central.Service, int) {
	b.mu.Lock()
	b.releases.Services++
	b.mu.Unlock()
}

// ReleaseCookie closes the link. Events still queued for it are discarded.
func (b *Backend) ReleaseCookie(p *central.Peripheral) {
	l, err := linkOf(p)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l.closed = true
	l.connected = false
	if b.links[l.dev] == l {
		delete(b.links, l.dev)
	}
	b.releases.Peripherals++
}

// Quit stops the worker. Pending operations are abandoned.
func (b *Backend) Quit() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
	b.mu.Lock()
	b.scanning = false
	b.advertising = false
	b.mu.Unlock()
}
