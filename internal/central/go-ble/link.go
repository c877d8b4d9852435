package goble

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

var (
	errNoLink     = errors.New("no link")
	errLinkClosed = errors.New("link closed")
	errLinkBusy   = errors.New("link operation queue full")
)

const linkQueueSize = 32

// link owns one connection to a peripheral and serializes its operations.
type link struct {
	b       *Backend
	id      string
	address central.Address

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func(Client)

	// Set on the link goroutine before any op runs.
	notifies bool

	connected atomic.Bool
	requested atomic.Bool
	reported  atomic.Bool
}

func newLink(b *Backend, id string, addr central.Address) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		b:       b,
		id:      id,
		address: addr,
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(Client), linkQueueSize),
	}
}

func (l *link) start() {
	groutine.Go(l.ctx, "goble-link-"+l.id, l.run)
}

func (l *link) run(ctx context.Context) {
	defer l.cancel()

	dialCtx, cancel := context.WithTimeout(ctx, l.b.opts.ConnectTimeout)
	client, err := l.b.radio.Dial(dialCtx, l.id)
	cancel()
	if err != nil {
		l.fail("connect", err)
		l.post(central.Event{Kind: central.EventConnectionChanged, Connected: false, Err: central.EFAULT})
		return
	}

	l.connected.Store(true)
	l.post(central.Event{Kind: central.EventConnectionChanged, Connected: true})

	if n, ok := client.(disconnectNotifier); ok {
		l.notifies = true
		groutine.Go(ctx, "goble-link-monitor-"+l.id, func(ctx context.Context) {
			select {
			case <-n.Disconnected():
				code := central.EFAULT
				if l.requested.Load() {
					code = 0
				}
				l.lost(code)
			case <-ctx.Done():
			}
		})
	}

	defer func() {
		// Released while still connected: free the native connection.
		if l.connected.Load() {
			if err := client.CancelConnection(); err != nil {
				l.b.logger.WithError(err).Debug("Failed to cancel released connection")
			}
			l.connected.Store(false)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-l.ops:
			op(client)
		}
	}
}

// enqueue schedules op on the link goroutine without blocking.
func (l *link) enqueue(op func(Client)) error {
	if l.ctx.Err() != nil {
		return errLinkClosed
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return errLinkBusy
	}
}

// lost reports the end of the connection once.
func (l *link) lost(code int) {
	if !l.reported.CompareAndSwap(false, true) {
		return
	}
	l.connected.Store(false)
	l.post(central.Event{Kind: central.EventConnectionChanged, Connected: false, Err: code})
}

func (l *link) post(ev central.Event) {
	if l.ctx.Err() != nil {
		return
	}
	ev.Handle = l.id
	ev.Address = l.address
	l.b.events.Post(ev)
}

func (l *link) fail(op string, err error) {
	l.b.logger.WithFields(logrus.Fields{
		"op":      op,
		"address": l.id,
		"error":   NormalizeError(err),
	}).Warn("go-ble operation failed")
}

func (l *link) close() {
	l.cancel()
}
