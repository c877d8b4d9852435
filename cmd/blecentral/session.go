package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	goble "github.com/srg/blecentral/internal/central/go-ble"
	paypalgatt "github.com/srg/blecentral/internal/central/paypal-gatt"
	"github.com/srg/blecentral/internal/central/sim"
	"github.com/srg/blecentral/pkg/config"
)

// pumpInterval bounds how long await sleeps when the relay stays quiet.
const pumpInterval = 20 * time.Millisecond

// sessionHook, when set, observes every session right after Init. Tests use
// it to reach the simulated backend.
var sessionHook func(*session)

// opKey identifies an outstanding request by callback and target.
type opKey struct {
	op     string
	target any
}

type outcome struct {
	code int
	data []byte
}

// session owns one Central for the lifetime of a command and turns its
// callbacks into blocking calls. It must stay on the command goroutine.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central *central.Central
	sim     *sim.Backend

	outcomes map[opKey]outcome
	reading  map[*central.Characteristic]bool
	lost     map[*central.Peripheral]bool

	// onDiscover and onNotify observe unsolicited callbacks.
	onDiscover func(*central.Peripheral)
	onNotify   func(*central.Characteristic, []byte)
}

// openSession loads the configuration, selects a backend and installs the
// session callbacks.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		logger:   logger,
		outcomes: make(map[opKey]outcome),
		reading:  make(map[*central.Characteristic]bool),
		lost:     make(map[*central.Peripheral]bool),
	}
	drivers, err := s.drivers()
	if err != nil {
		return nil, err
	}

	c, err := central.New(central.Options{
		Enabled:        cfg.Enabled,
		Drivers:        drivers,
		RelayCapacity:  cfg.RelayCapacity,
		MaxPeripherals: cfg.MaxPeripherals,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Init(); err != nil {
		return nil, err
	}
	s.central = c
	c.SetCallbacks(s.callbacks())

	if sessionHook != nil {
		sessionHook(s)
	}
	return s, nil
}

// drivers maps the configured bootstrap order onto backend drivers.
func (s *session) drivers() ([]central.Driver, error) {
	var drivers []central.Driver
	for _, name := range s.cfg.BackendOrder() {
		switch name {
		case goble.Name:
			drivers = append(drivers, goble.Driver(goble.Options{ConnectTimeout: s.cfg.ConnectTimeout}))
		case paypalgatt.Name:
			drivers = append(drivers, paypalgatt.Driver())
		case sim.Name:
			opts := sim.Options{Async: true}
			if s.cfg.SimProfile != "" {
				profile, err := sim.LoadProfile(s.cfg.SimProfile)
				if err != nil {
					return nil, err
				}
				opts.Profile = profile
			}
			drivers = append(drivers, central.Driver{
				Name:      sim.Name,
				Available: func() bool { return true },
				New: func(env central.Env) (central.Backend, error) {
					b, err := sim.New(env, opts)
					s.sim = b
					return b, err
				},
			})
		default:
			return nil, fmt.Errorf("unknown backend %q (want %s, %s or %s)", name, goble.Name, paypalgatt.Name, sim.Name)
		}
	}
	return drivers, nil
}

func (s *session) close() {
	s.central.Quit()
}

func (s *session) done(op string, target any, code int, data []byte) {
	s.outcomes[opKey{op, target}] = outcome{code: code, data: data}
}

func (s *session) callbacks() *central.Callbacks {
	return &central.Callbacks{
		DiscoverPeripheral: func(p *central.Peripheral) {
			if s.onDiscover != nil {
				s.onDiscover(p)
			}
		},
		ConnectPeripheral: func(p *central.Peripheral, code int) {
			s.done("connect", p, code, nil)
		},
		DisconnectPeripheral: func(p *central.Peripheral, code int) {
			s.logger.WithFields(logrus.Fields{
				"address": p.Address,
				"code":    code,
			}).Debug("Peripheral disconnected")
			s.lost[p] = true
			s.done("disconnect", p, code, nil)
		},
		DiscoverServices: func(p *central.Peripheral, code int) {
			s.done("services", p, code, nil)
		},
		DiscoverCharacteristics: func(p *central.Peripheral, svc *central.Service, code int) {
			s.done("characteristics", svc, code, nil)
		},
		ReadCharacteristic: func(p *central.Peripheral, c *central.Characteristic, data []byte) {
			if s.reading[c] {
				delete(s.reading, c)
				s.done("read", c, 0, data)
				return
			}
			if s.onNotify != nil {
				s.onNotify(c, data)
			}
		},
		WriteCharacteristic: func(p *central.Peripheral, c *central.Characteristic, code int) {
			s.done("write", c, code, nil)
		},
		NotifyCharacteristic: func(p *central.Peripheral, c *central.Characteristic, code int) {
			s.done("subscribe", c, code, nil)
		},
		DiscoverDescriptors: func(p *central.Peripheral, c *central.Characteristic, code int) {
			s.done("descriptors", c, code, nil)
		},
	}
}

// pump services the relay once, waiting at most pumpInterval for events.
func (s *session) pump(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.central.Ready():
	case <-time.After(pumpInterval):
	}
	s.central.Pump()
	return nil
}

// await pumps until the callback for key arrives. owner, when set, aborts the
// wait if that peripheral disconnects first.
func (s *session) await(ctx context.Context, key opKey, owner *central.Peripheral) (outcome, error) {
	for {
		if o, ok := s.outcomes[key]; ok {
			delete(s.outcomes, key)
			if o.code != 0 {
				return o, &central.NativeError{Op: key.op, Code: o.code}
			}
			return o, nil
		}
		if owner != nil && s.lost[owner] {
			return outcome{}, ErrConnectionLost
		}
		if err := s.pump(ctx); err != nil {
			return outcome{}, err
		}
	}
}

// find scans until addr is registered.
func (s *session) find(ctx context.Context, addr central.Address) (*central.Peripheral, error) {
	if p := s.central.FindPeripheral(addr); p != nil {
		return p, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	if err := s.central.Scan(""); err != nil {
		return nil, err
	}
	defer s.central.StopScan()

	for {
		if p := s.central.FindPeripheral(addr); p != nil {
			return p, nil
		}
		if err := s.pump(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &central.NotFoundError{Resource: "peripheral", Key: addr.String()}
			}
			return nil, err
		}
	}
}

// connect finds, connects and discovers the full GATT table of addr.
func (s *session) connect(ctx context.Context, addr central.Address) (*central.Peripheral, error) {
	p, err := s.find(ctx, addr)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	delete(s.lost, p)
	s.central.Connect(p)
	if _, err := s.await(cctx, opKey{"connect", p}, nil); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	s.central.DiscoverServices(p)
	if _, err := s.await(cctx, opKey{"services", p}, p); err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	for _, svc := range p.Services {
		if svc.UUID == "" || len(svc.Characteristics) > 0 {
			continue
		}
		s.central.DiscoverCharacteristics(p, svc)
		if _, err := s.await(cctx, opKey{"characteristics", svc}, p); err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of %s: %w", central.ShortUUID(svc.UUID), err)
		}
	}
	return p, nil
}

// disconnect closes the link and waits briefly for the backend to confirm.
func (s *session) disconnect(ctx context.Context, p *central.Peripheral) {
	if s.lost[p] || !s.central.IsConnected(p) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.central.Disconnect(p)
	_, _ = s.await(ctx, opKey{"disconnect", p}, nil)
}

func (s *session) characteristic(p *central.Peripheral, svc, uuid string) (*central.Characteristic, error) {
	if c := s.central.FindCharacteristic(p, svc, uuid); c != nil {
		return c, nil
	}
	return nil, &central.NotFoundError{Resource: "characteristic", Key: svc + "/" + uuid}
}

func (s *session) read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	if !c.Properties.CanRead() {
		return nil, &central.CapabilityError{Op: "read", UUID: c.UUID, Have: c.Properties}
	}
	s.reading[c] = true
	s.central.ReadCharacteristic(c)
	o, err := s.await(ctx, opKey{"read", c}, c.Peripheral())
	if err != nil {
		delete(s.reading, c)
		return nil, err
	}
	return o.data, nil
}

// write prefers a confirmed write when the characteristic supports both.
func (s *session) write(ctx context.Context, c *central.Characteristic, data []byte, noResponse bool) error {
	switch {
	case noResponse || !c.Properties.CanWrite():
		if !c.Properties.CanWriteWithoutResponse() {
			return &central.CapabilityError{Op: "write", UUID: c.UUID, Have: c.Properties}
		}
		s.central.WriteWithoutResponse(c, data)
		return nil
	default:
		s.central.WriteCharacteristic(c, data)
		_, err := s.await(ctx, opKey{"write", c}, c.Peripheral())
		return err
	}
}

func (s *session) subscribe(ctx context.Context, c *central.Characteristic) error {
	if !c.Properties.CanSubscribe() {
		return &central.CapabilityError{Op: "subscribe", UUID: c.UUID, Have: c.Properties}
	}
	s.central.SubscribeCharacteristic(c, true)
	_, err := s.await(ctx, opKey{"subscribe", c}, c.Peripheral())
	return err
}

// commandContext ends on Ctrl+C, SIGTERM or after timeout (0 for none).
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func parseAddress(s string) (central.Address, error) {
	addr, err := central.ParseAddress(s)
	if err != nil {
		return central.Address{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	return addr, nil
}
