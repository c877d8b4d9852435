// Package ptybridge exposes a pair of characteristics as a pseudo-terminal:
// bytes written to the tty are sent to the peripheral and notifications are
// written back to the tty.
package ptybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blecentral/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 4096
	DefaultPollTimeout = 50 * time.Millisecond
)

// Options configures a PTY. Zero values use the defaults above.
type Options struct {
	BufferSize  int
	PollTimeout time.Duration
	// Symlink, when set, is created to point at the tty and removed on Close.
	Symlink string
	Logger  *logrus.Logger
}

// Stats are byte counters for both directions.
type Stats struct {
	FromTTY        uint64
	ToTTY          uint64
	DroppedFromTTY uint64
	DroppedToTTY   uint64
}

// PTY is a raw pseudo-terminal whose master side is serviced by background
// goroutines. Write and Read never block.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	name    string
	symlink string
	poll    int

	toTTY   *ringbuffer.RingBuffer
	fromTTY *ringbuffer.RingBuffer
	ready   chan struct{}
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	fromBytes, toBytes     atomic.Uint64
	fromDropped, toDropped atomic.Uint64
}

// Open creates a raw pty pair and starts its I/O loops.
func Open(opts Options) (*PTY, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:  logger,
		master:  master,
		slave:   slave,
		name:    slave.Name(),
		poll:    int(opts.PollTimeout / time.Millisecond),
		toTTY:   ringbuffer.New(opts.BufferSize),
		fromTTY: ringbuffer.New(opts.BufferSize),
		ready:   make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if opts.Symlink != "" {
		_ = os.Remove(opts.Symlink)
		if err := os.Symlink(p.name, opts.Symlink); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to link %s to %s: %w", opts.Symlink, p.name, err)
		}
		p.symlink = opts.Symlink
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read", func(context.Context) {
		defer p.wg.Done()
		p.readLoop()
	})
	groutine.Go(ctx, "pty-write", func(context.Context) {
		defer p.wg.Done()
		p.writeLoop()
	})

	logger.WithField("tty", p.name).Info("PTY opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY master non-blocking: %w", err)
	}
	return master, slave, nil
}

// TTYName is the slave device path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.name
}

// Symlink is the link created by Open, or "".
func (p *PTY) Symlink() string {
	return p.symlink
}

// Ready is signalled when bytes written to the tty are available to Read.
func (p *PTY) Ready() <-chan struct{} {
	return p.ready
}

// Write queues data for the tty. Bytes that do not fit are dropped and the
// short count is returned.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := p.toTTY.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n > 0 {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	if n < len(data) {
		p.toDropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"dropped": len(data) - n,
			"tty":     p.name,
		}).Warn("PTY output buffer full")
	}
	return n, nil
}

// Read returns bytes the tty side has written. It returns (0, nil) when
// nothing is pending.
func (p *PTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := p.fromTTY.Read(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

func (p *PTY) Stats() Stats {
	return Stats{
		FromTTY:        p.fromBytes.Load(),
		ToTTY:          p.toBytes.Load(),
		DroppedFromTTY: p.fromDropped.Load(),
		DroppedToTTY:   p.toDropped.Load(),
	}
}

func (p *PTY) readLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, DefaultBufferSize)

	for p.ctx.Err() == nil {
		n, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, unix.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if n == 0 {
			continue
		}

		n, err = p.master.Read(buf)
		if n > 0 {
			written, _ := p.fromTTY.Write(buf[:n])
			p.fromBytes.Add(uint64(written))
			if written < n {
				p.fromDropped.Add(uint64(n - written))
			}
			if written > 0 {
				select {
				case p.ready <- struct{}{}:
				default:
				}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			case errors.Is(err, os.ErrClosed), errors.Is(err, unix.EBADF), errors.Is(err, io.EOF):
				return
			default:
				p.logger.WithError(err).Warn("PTY read failed")
				return
			}
		}
	}
}

func (p *PTY) writeLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, DefaultBufferSize)

	for p.ctx.Err() == nil {
		n, _ := p.toTTY.Read(buf)
		if n == 0 {
			select {
			case <-p.kick:
			case <-p.ctx.Done():
				return
			}
			continue
		}

		for off := 0; off < n && p.ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			off += w
			p.toBytes.Add(uint64(w))
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				_, _ = unix.Poll(fds, p.poll)
			case errors.Is(err, os.ErrClosed), errors.Is(err, unix.EBADF):
				return
			default:
				p.logger.WithError(err).Warn("PTY write failed")
				return
			}
		}
	}
}

// Close stops the loops, closes both ends and removes the symlink.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	p.wg.Wait()

	if p.symlink != "" {
		if err := os.Remove(p.symlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove symlink: %w", err))
		}
	}
	return errors.Join(errs...)
}
