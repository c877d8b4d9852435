package central

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central/relay"
)

// Options configures a Central.
type Options struct {
	// Enabled is the feature flag. A disabled Central never selects a
	// backend and every entry point is a no-op.
	Enabled bool

	// Drivers is the bootstrap list, in preference order.
	Drivers []Driver

	RelayCapacity  uint32
	MaxPeripherals int
	Logger         *logrus.Logger
}

// Central is the dispatcher: the application-facing API over one backend.
//
// All methods except Post must be called from the owning goroutine.
type Central struct {
	enabled     bool
	drivers     []Driver
	initialized bool
	quitting    bool
	// running mirrors initialized && !quitting for Post, which may be
	// called from any goroutine.
	running atomic.Bool

	backend  Backend
	caps     capabilities
	registry *Registry
	relay    *relay.Relay[Event]
	logger   *logrus.Logger
}

// New creates an uninitialised Central.
func New(opts Options) (*Central, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	capacity := opts.RelayCapacity
	if capacity == 0 {
		capacity = relay.DefaultCapacity
	}
	r, err := relay.New[Event](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create event relay: %w", err)
	}

	c := &Central{
		enabled:  opts.Enabled,
		drivers:  opts.Drivers,
		registry: NewRegistry(opts.MaxPeripherals, logger),
		relay:    r,
		logger:   logger,
	}
	r.OnDrop(func(ev Event) {
		// Runs on the producer goroutine: log only, never touch the registry.
		logger.WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"address": ev.Address,
		}).Warn("Event relay full, dropped oldest event")
	})
	return c, nil
}

// Init selects the first available backend from the bootstrap list.
func (c *Central) Init() error {
	if !c.enabled {
		c.logger.Info("BLE support disabled by configuration")
		return ErrDisabled
	}
	if c.initialized {
		return nil
	}

	var errs []error
	for _, d := range c.drivers {
		if d.Available != nil && !d.Available() {
			c.logger.WithField("backend", d.Name).Debug("Backend not available")
			continue
		}
		b, err := d.New(Env{Events: c, Logger: c.logger})
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"backend": d.Name,
				"error":   err,
			}).Warn("Backend failed to start")
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}
		c.attach(b)
		return nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, errors.Join(errs...))
	}
	return ErrBackendUnavailable
}

func (c *Central) attach(b Backend) {
	c.backend = b
	c.caps = resolveCapabilities(b)
	c.registry.setReleaseHooks(c.caps)
	c.initialized = true
	c.quitting = false
	c.running.Store(true)

	c.logger.WithFields(logrus.Fields{
		"backend":      b.Name(),
		"capabilities": c.caps.names(),
	}).Info("BLE backend selected")
}

// Quit releases every peripheral and shuts the backend down. Scan is a
// no-op from the moment Quit starts.
func (c *Central) Quit() {
	if !c.initialized {
		return
	}
	c.quitting = true
	c.running.Store(false)

	c.registry.ReleaseAll()
	if c.caps.quitter != nil {
		c.caps.quitter.Quit()
	}
	if n := c.relay.Discard(); n > 0 {
		c.logger.WithField("events", n).Debug("Discarded pending events on quit")
	}

	c.initialized = false
	c.backend = nil
	c.caps = capabilities{}
	c.registry.setReleaseHooks(c.caps)
	c.logger.Info("BLE core shut down")
}

func (c *Central) active() bool {
	return c.enabled && c.initialized
}

// Backend returns the selected backend name, or "".
func (c *Central) Backend() string {
	if c.backend == nil {
		return ""
	}
	return c.backend.Name()
}

// Registry exposes the peripheral registry.
func (c *Central) Registry() *Registry {
	return c.registry
}

// SetCallbacks installs the application callback table. Last writer wins.
func (c *Central) SetCallbacks(cb *Callbacks) {
	c.registry.SetCallbacks(cb)
}

// Peripherals returns the known peripherals in discovery order.
func (c *Central) Peripherals() []*Peripheral {
	return c.registry.Peripherals()
}

// ConnectedPeripheral returns the connected peripheral, or nil.
func (c *Central) ConnectedPeripheral() *Peripheral {
	return c.registry.Connected()
}

// FindPeripheral looks a peripheral up by address.
func (c *Central) FindPeripheral(addr Address) *Peripheral {
	return c.registry.Find(addr)
}

// FindService resolves a service of p by UUID.
func (c *Central) FindService(p *Peripheral, uuid string) *Service {
	if p == nil {
		return nil
	}
	return p.FindService(uuid)
}

// FindCharacteristic resolves a characteristic of p by service and
// characteristic UUID.
func (c *Central) FindCharacteristic(p *Peripheral, serviceUUID, uuid string) *Characteristic {
	if p == nil {
		return nil
	}
	return p.FindCharacteristic(serviceUUID, uuid)
}

// Scan starts discovery, optionally filtered by a service UUID. It does
// nothing before Init and while Quit is in progress.
func (c *Central) Scan(filterUUID string) error {
	if !c.active() || c.quitting {
		return nil
	}
	if c.caps.scanner == nil {
		c.logUnsupported("scan")
		return nil
	}
	if err := c.caps.scanner.Scan(filterUUID); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	c.logger.WithField("filter", filterUUID).Debug("Scan started")
	return nil
}

// StopScan stops discovery.
func (c *Central) StopScan() {
	if !c.active() || c.caps.scanStopper == nil {
		return
	}
	if err := c.caps.scanStopper.StopScan(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop scan")
	}
}

// StartAdvertise is the peripheral-role stub entry point.
func (c *Central) StartAdvertise() {
	if !c.active() || c.caps.advertiser == nil {
		return
	}
	if err := c.caps.advertiser.StartAdvertise(); err != nil {
		c.logger.WithError(err).Warn("Failed to start advertising")
	}
}

// AuthorizationStatus reports the platform permission state.
func (c *Central) AuthorizationStatus() Authorization {
	if !c.active() || c.caps.authorization == nil {
		return AuthorizationNotDetermined
	}
	return c.caps.authorization.AuthorizationStatus()
}

// IsConnected asks the backend whether p has a live native connection.
func (c *Central) IsConnected(p *Peripheral) bool {
	if !c.active() || p == nil || c.caps.connection == nil {
		return false
	}
	return c.caps.connection.IsConnected(p)
}

// Connect forwards a connection request. The result arrives as a
// ConnectPeripheral callback.
func (c *Central) Connect(p *Peripheral) {
	if !c.active() || p == nil {
		return
	}
	if c.caps.connector == nil {
		c.logUnsupported("connect")
		return
	}
	if p.State == StateDiscovered {
		p.State = StateConnecting
	}
	if err := c.caps.connector.Connect(p); err != nil {
		c.logNative("connect", p, err)
		c.registry.OnConnected(p, ErrorCode(err))
	}
}

// Disconnect forwards a disconnect request. The registry is only updated
// when the backend reports the disconnect.
func (c *Central) Disconnect(p *Peripheral) {
	if !c.active() || p == nil {
		return
	}
	if c.caps.disconnector == nil {
		c.logUnsupported("disconnect")
		return
	}
	if p.State != StateReleased {
		p.State = StateDisconnecting
	}
	if err := c.caps.disconnector.Disconnect(p); err != nil {
		c.logNative("disconnect", p, err)
	}
}

// DiscoverServices asks the backend to enumerate the services of p.
func (c *Central) DiscoverServices(p *Peripheral) {
	if !c.active() || p == nil {
		return
	}
	if c.caps.serviceDiscoverer == nil {
		c.logUnsupported("discover-services")
		return
	}
	p.State = StateServicesDiscovering
	if err := c.caps.serviceDiscoverer.DiscoverServices(p); err != nil {
		c.logNative("discover-services", p, err)
		c.servicesFailed(p, ErrorCode(err))
	}
}

// DiscoverCharacteristics asks the backend to enumerate the characteristics
// of s.
func (c *Central) DiscoverCharacteristics(p *Peripheral, s *Service) {
	if !c.active() || p == nil || s == nil {
		return
	}
	if c.caps.charDiscoverer == nil {
		c.logUnsupported("discover-characteristics")
		return
	}
	if err := c.caps.charDiscoverer.DiscoverCharacteristics(p, s); err != nil {
		c.logNative("discover-characteristics", p, err)
		c.registry.callbacks.discoverCharacteristics(p, s, ErrorCode(err))
	}
}

// ReadCharacteristic requests the value of ch. A characteristic without the
// Read property is ignored.
func (c *Central) ReadCharacteristic(ch *Characteristic) {
	if !c.checkCharacteristic(ch, "read", PropRead) {
		return
	}
	if c.caps.reader == nil {
		c.logUnsupported("read")
		return
	}
	if err := c.caps.reader.ReadCharacteristic(ch); err != nil {
		c.logNative("read", ch.Peripheral(), err)
	}
}

// WriteCharacteristic writes data with response. A characteristic without
// the Write property is ignored.
func (c *Central) WriteCharacteristic(ch *Characteristic, data []byte) {
	c.write(ch, data, true)
}

// WriteWithoutResponse issues a write command. A characteristic without the
// WriteWithoutResponse property is ignored.
func (c *Central) WriteWithoutResponse(ch *Characteristic, data []byte) {
	c.write(ch, data, false)
}

func (c *Central) write(ch *Characteristic, data []byte, withResponse bool) {
	flag, op := PropWrite, "write"
	if !withResponse {
		flag, op = PropWriteWithoutResponse, "write-without-response"
	}
	if !c.checkCharacteristic(ch, op, flag) {
		return
	}
	if c.caps.writer == nil {
		c.logUnsupported(op)
		return
	}
	if err := c.caps.writer.WriteCharacteristic(ch, data, withResponse); err != nil {
		c.logNative(op, ch.Peripheral(), err)
		if withResponse {
			c.registry.callbacks.writeCharacteristic(ch.Peripheral(), ch, ErrorCode(err))
		}
	}
}

// SubscribeCharacteristic enables notifications or indications on ch. A
// characteristic that neither notifies nor indicates is ignored, and so is
// enable == false, which no backend supports.
func (c *Central) SubscribeCharacteristic(ch *Characteristic, enable bool) {
	if !c.checkCharacteristic(ch, "subscribe", PropNotify|PropIndicate) {
		return
	}
	if !enable {
		c.logger.WithField("characteristic", ch.UUID).Debug("Unsubscribe is not supported, ignoring")
		return
	}
	if c.caps.subscriber == nil {
		c.logUnsupported("subscribe")
		return
	}
	if err := c.caps.subscriber.SubscribeCharacteristic(ch, enable); err != nil {
		c.logNative("subscribe", ch.Peripheral(), err)
		c.registry.callbacks.notifyCharacteristic(ch.Peripheral(), ch, ErrorCode(err))
	}
}

// DiscoverDescriptors asks the backend to enumerate the descriptors of ch.
func (c *Central) DiscoverDescriptors(ch *Characteristic) {
	if !c.active() || ch == nil {
		return
	}
	if c.caps.descDiscoverer == nil {
		c.logUnsupported("discover-descriptors")
		return
	}
	if err := c.caps.descDiscoverer.DiscoverDescriptors(ch); err != nil {
		c.logNative("discover-descriptors", ch.Peripheral(), err)
		c.registry.callbacks.discoverDescriptors(ch.Peripheral(), ch, ErrorCode(err))
	}
}

// ReleasePeripheral removes p from the registry. The application must have
// disconnected first; a still-connected p only gets a synthesized clean
// disconnect callback.
func (c *Central) ReleasePeripheral(p *Peripheral) {
	if !c.enabled {
		return
	}
	c.registry.Release(p)
}

func (c *Central) checkCharacteristic(ch *Characteristic, op string, flags Properties) bool {
	if !c.active() || ch == nil {
		return false
	}
	if err := requireCapability(ch, op, flags); err != nil {
		c.logger.WithError(err).Debug("Operation ignored")
		return false
	}
	return true
}

func (c *Central) servicesFailed(p *Peripheral, code int) {
	if p.State == StateServicesDiscovering {
		p.State = StateConnected
	}
	c.registry.callbacks.discoverServices(p, code)
}

func (c *Central) logUnsupported(op string) {
	c.logger.WithFields(logrus.Fields{
		"backend": c.Backend(),
		"op":      op,
	}).Debug("Operation not supported by backend")
}

func (c *Central) logNative(op string, p *Peripheral, err error) {
	fields := logrus.Fields{
		"backend": c.Backend(),
		"op":      op,
		"error":   err,
	}
	if p != nil {
		fields["address"] = p.Address
	}
	c.logger.WithFields(fields).Error("Native call failed")
}
