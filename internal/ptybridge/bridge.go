package ptybridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
)

// DefaultChunkSize is the ATT payload of the default 23-byte MTU.
const DefaultChunkSize = 20

// ErrConnectionLost is returned by Run when the bridged peripheral
// disconnects.
var ErrConnectionLost = errors.New("connection lost")

// Config selects the characteristics to bridge.
type Config struct {
	// TX receives bytes written to the tty.
	TX *central.Characteristic
	// RX notifications are written to the tty. May equal TX.
	RX *central.Characteristic
	// ChunkSize bounds a single characteristic write.
	ChunkSize int
	Logger    *logrus.Logger
}

// Bridge pumps a Central and shuttles bytes between a PTY and a peripheral.
// It runs on the goroutine that owns the Central.
type Bridge struct {
	central *central.Central
	pty     *PTY
	cfg     Config
	logger  *logrus.Logger

	lost bool
}

// New validates cfg and returns a bridge. Attach must be called before Run.
func New(c *central.Central, p *PTY, cfg Config) (*Bridge, error) {
	if cfg.TX == nil && cfg.RX == nil {
		return nil, fmt.Errorf("bridge needs a TX or RX characteristic")
	}
	if cfg.TX != nil && !cfg.TX.Properties.Has(central.PropWrite|central.PropWriteWithoutResponse) {
		return nil, fmt.Errorf("characteristic %s is not writable (%s)", cfg.TX.UUID, cfg.TX.Properties)
	}
	if cfg.RX != nil && !cfg.RX.Properties.CanSubscribe() {
		return nil, fmt.Errorf("characteristic %s does not notify (%s)", cfg.RX.UUID, cfg.RX.Properties)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{central: c, pty: p, cfg: cfg, logger: logger}, nil
}

// Attach chains the bridge into cb: RX reads go to the tty and a disconnect
// of the bridged peripheral ends Run. cb is installed on the central.
func (b *Bridge) Attach(cb *central.Callbacks) {
	if cb == nil {
		cb = &central.Callbacks{}
	}
	prevRead := cb.ReadCharacteristic
	cb.ReadCharacteristic = func(p *central.Peripheral, c *central.Characteristic, data []byte) {
		if c == b.cfg.RX {
			if _, err := b.pty.Write(data); err != nil {
				b.logger.WithError(err).Warn("Failed to forward notification to PTY")
			}
		}
		if prevRead != nil {
			prevRead(p, c, data)
		}
	}
	prevDisconnect := cb.DisconnectPeripheral
	cb.DisconnectPeripheral = func(p *central.Peripheral, err int) {
		if b.owns(p) {
			b.lost = true
		}
		if prevDisconnect != nil {
			prevDisconnect(p, err)
		}
	}
	b.central.SetCallbacks(cb)
}

func (b *Bridge) owns(p *central.Peripheral) bool {
	for _, c := range []*central.Characteristic{b.cfg.TX, b.cfg.RX} {
		if c != nil && c.Peripheral() == p {
			return true
		}
	}
	return false
}

// Subscribe enables RX notifications.
func (b *Bridge) Subscribe() {
	if b.cfg.RX != nil {
		b.central.SubscribeCharacteristic(b.cfg.RX, true)
	}
}

// Run services the central and the PTY until ctx ends or the peripheral
// disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	buf := make([]byte, b.cfg.ChunkSize)
	for !b.lost {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.central.Ready():
			b.central.Pump()
		case <-b.pty.Ready():
			if err := b.forward(buf); err != nil {
				return err
			}
		}
	}
	return ErrConnectionLost
}

// forward drains the tty into TX, one chunk per write.
func (b *Bridge) forward(buf []byte) error {
	for {
		n, err := b.pty.Read(buf)
		if err != nil {
			return fmt.Errorf("failed to read PTY: %w", err)
		}
		if n == 0 {
			return nil
		}
		if b.cfg.TX == nil {
			b.logger.WithField("bytes", n).Debug("No TX characteristic, PTY input discarded")
			continue
		}
		chunk := append([]byte(nil), buf[:n]...)
		if b.cfg.TX.Properties.CanWriteWithoutResponse() {
			b.central.WriteWithoutResponse(b.cfg.TX, chunk)
		} else {
			b.central.WriteCharacteristic(b.cfg.TX, chunk)
		}
	}
}
