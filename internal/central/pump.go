package central

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central/relay"
)

// Post queues a backend event for the owning goroutine. Safe from any
// goroutine; never blocks. Events arriving outside Init..Quit are dropped.
func (c *Central) Post(ev Event) {
	if !c.accepting() {
		return
	}
	c.relay.Push(ev)
}

// Deliver handles a backend event immediately. Only the owning goroutine may
// call it.
func (c *Central) Deliver(ev Event) {
	if !c.accepting() {
		return
	}
	c.handle(ev)
}

// Pump drains the relay and translates every queued event into registry
// updates and application callbacks. It returns the number of events handled.
// Once Quit has started, queued events are discarded instead.
func (c *Central) Pump() int {
	if !c.enabled {
		return 0
	}
	if !c.accepting() {
		if n := c.relay.Discard(); n > 0 {
			c.logger.WithField("events", n).Debug("Discarded events after shutdown")
		}
		return 0
	}
	return c.relay.Drain(c.handle)
}

// accepting reports whether backend events may still reach the registry:
// after Init and before Quit starts.
func (c *Central) accepting() bool {
	return c.enabled && c.running.Load()
}

// Ready fires when events are waiting for Pump.
func (c *Central) Ready() <-chan struct{} {
	return c.relay.Ready()
}

// Metrics reports relay traffic.
func (c *Central) Metrics() relay.Snapshot {
	return c.relay.Metrics()
}

func (c *Central) handle(ev Event) {
	var err error
	switch ev.Kind {
	case EventDiscovered:
		err = c.onDiscovered(ev)
	case EventConnectionChanged:
		err = c.onConnectionChanged(ev)
	case EventServicesDiscovered:
		err = c.onServicesDiscovered(ev)
	case EventCharacteristicsDiscovered:
		err = c.onCharacteristicsDiscovered(ev)
	case EventCharacteristicRead:
		err = c.onCharacteristicRead(ev)
	case EventCharacteristicWritten:
		err = c.onCharacteristicWritten(ev)
	case EventDescriptorWritten:
		err = c.onDescriptorWritten(ev)
	case EventDescriptorsDiscovered:
		err = c.onDescriptorsDiscovered(ev)
	default:
		c.logger.WithField("kind", ev.Kind).Warn("Unknown event kind")
		return
	}

	if err != nil {
		level := logrus.DebugLevel
		if !errors.Is(err, ErrNotFound) {
			level = logrus.WarnLevel
		}
		c.logger.WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"address": ev.Address,
			"error":   err,
		}).Log(level, "Event dropped")
	}
}

// resolve finds the peripheral an event refers to.
func (c *Central) resolve(ev Event) (*Peripheral, error) {
	if ev.Handle == nil && !ev.Address.IsValid() {
		if p := c.registry.Connected(); p != nil {
			return p, nil
		}
		return nil, &NotFoundError{Resource: "peripheral"}
	}
	p := c.registry.lookup(Identity{Address: ev.Address, Handle: ev.Handle})
	if p == nil {
		return nil, &NotFoundError{Resource: "peripheral", Key: ev.Address.String()}
	}
	// Matched by address only: the record already belongs to another link.
	if ev.Handle != nil && p.Cookie != nil && !sameCookie(p.Cookie, ev.Handle) {
		return nil, &NotFoundError{Resource: "peripheral link", Key: ev.Address.String()}
	}
	return p, nil
}

func (c *Central) resolveCharacteristic(ev Event) (*Peripheral, *Characteristic, error) {
	p, err := c.resolve(ev)
	if err != nil {
		return nil, nil, err
	}
	ch := p.findCharacteristicByCookie(ev.Characteristic)
	if ch == nil {
		return p, nil, &NotFoundError{Resource: "characteristic"}
	}
	return p, ch, nil
}

func (c *Central) onDiscovered(ev Event) error {
	p, err := c.registry.DiscoverOrGet(Identity{Address: ev.Address, Handle: ev.Handle})
	if err != nil {
		return err
	}
	if ev.Name != "" {
		p.Name = ev.Name
	}
	if len(ev.ManufacturerData) > 0 {
		p.ManufacturerData = append(p.ManufacturerData[:0], ev.ManufacturerData...)
	}
	c.registry.OnAdvertisement(p, ev.RSSI)
	return nil
}

func (c *Central) onConnectionChanged(ev Event) error {
	p, err := c.resolve(ev)
	if err != nil {
		return err
	}

	if ev.Connected {
		c.registry.OnConnected(p, ev.Err)
		return nil
	}

	// A drop while still connecting is a failed connection attempt.
	if p.State == StateConnecting {
		code := ev.Err
		if code == 0 {
			code = EFAULT
		}
		c.registry.OnConnected(p, code)
		return nil
	}
	c.registry.OnDisconnected(p, ev.Err)
	return nil
}

func (c *Central) onServicesDiscovered(ev Event) error {
	p, err := c.resolve(ev)
	if err != nil {
		return err
	}
	if ev.Err != 0 {
		c.servicesFailed(p, ev.Err)
		return nil
	}

	services := c.registry.ReplaceServices(p, len(ev.Services))
	for i, rec := range ev.Services {
		s := services[i]
		c.registry.FillService(s, rec.UUID, rec.Cookie)
		if len(rec.Characteristics) > 0 {
			c.fillCharacteristics(s, rec.Characteristics)
		}
	}
	p.State = StateServicesReady

	c.logger.WithFields(logrus.Fields{
		"address":  p.Address,
		"services": len(services),
	}).Debug("Services discovered")
	c.registry.callbacks.discoverServices(p, 0)
	return nil
}

func (c *Central) fillCharacteristics(s *Service, recs []CharacteristicRecord) {
	chars := c.registry.ReplaceCharacteristics(s, len(recs))
	for i, rec := range recs {
		c.registry.FillCharacteristic(chars[i], rec.UUID, rec.Cookie)
		chars[i].Properties |= rec.Properties
	}
}

func (c *Central) onCharacteristicsDiscovered(ev Event) error {
	p, err := c.resolve(ev)
	if err != nil {
		return err
	}
	s := p.findServiceByCookie(ev.Service)
	if s == nil {
		return &NotFoundError{Resource: "service"}
	}
	if ev.Err == 0 {
		c.fillCharacteristics(s, ev.Characteristics)
	}
	c.registry.callbacks.discoverCharacteristics(p, s, ev.Err)
	return nil
}

func (c *Central) onCharacteristicRead(ev Event) error {
	p, ch, err := c.resolveCharacteristic(ev)
	if err != nil {
		return err
	}
	if ev.Err != 0 {
		c.logger.WithFields(logrus.Fields{
			"address":        p.Address,
			"characteristic": ch.UUID,
			"code":           ev.Err,
		}).Warn("Characteristic read failed")
		return nil
	}
	c.registry.callbacks.readCharacteristic(p, ch, ev.Data)
	return nil
}

func (c *Central) onCharacteristicWritten(ev Event) error {
	p, ch, err := c.resolveCharacteristic(ev)
	if err != nil {
		return err
	}
	c.registry.callbacks.writeCharacteristic(p, ch, ev.Err)
	return nil
}

// onDescriptorWritten reports a completed CCCD write as a subscription
// result. Other descriptor writes have no application callback.
func (c *Central) onDescriptorWritten(ev Event) error {
	p, ch, err := c.resolveCharacteristic(ev)
	if err != nil {
		return err
	}
	if !UUIDEqual(ev.Descriptor, CCCDUUID) {
		c.logger.WithFields(logrus.Fields{
			"characteristic": ch.UUID,
			"descriptor":     ev.Descriptor,
		}).Debug("Descriptor written")
		return nil
	}
	c.registry.callbacks.notifyCharacteristic(p, ch, ev.Err)
	return nil
}

func (c *Central) onDescriptorsDiscovered(ev Event) error {
	p, ch, err := c.resolveCharacteristic(ev)
	if err != nil {
		return err
	}
	c.registry.callbacks.discoverDescriptors(p, ch, ev.Err)
	return nil
}
