//go:build linux

package paypalgatt

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/paypal/gatt"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

var (
	errSessionClosed = errors.New("session closed")
	errSessionBusy   = errors.New("session operation queue full")
)

const sessionQueueSize = 32

// session serializes the blocking GATT calls of one connected peripheral.
type session struct {
	b       *Backend
	id      string
	address central.Address
	p       gatt.Peripheral

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func(gatt.Peripheral)

	requested atomic.Bool
}

func newSession(b *Backend, p gatt.Peripheral) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		b:      b,
		id:     p.ID(),
		p:      p,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan func(gatt.Peripheral), sessionQueueSize),
	}
	if addr, err := central.ParseAddress(s.id); err == nil {
		s.address = addr
	}
	groutine.Go(ctx, "gatt-session-"+s.id, s.run)
	return s
}

func (s *session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op(s.p)
		}
	}
}

func (s *session) enqueue(op func(gatt.Peripheral)) error {
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	select {
	case s.ops <- op:
		return nil
	default:
		return errSessionBusy
	}
}

func (s *session) post(ev central.Event) {
	if s.ctx.Err() != nil {
		return
	}
	ev.Handle = s.id
	ev.Address = s.address
	s.b.events.Post(ev)
}

func (s *session) fail(op string, err error) {
	s.b.logger.WithFields(logrus.Fields{
		"op":      op,
		"address": s.id,
		"error":   err,
	}).Warn("gatt operation failed")
}

func (s *session) close() {
	s.cancel()
}
