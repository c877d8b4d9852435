// Package relay moves records from goroutines the application does not
// control onto the goroutine that owns the BLE model.
//
// A Relay is a fixed-capacity ring guarded by a single mutex. Producers never
// block: when the ring is full the oldest undrained record is evicted. The
// consumer drains everything at once, typically once per main-loop tick or
// when Ready fires.
//
//	r, _ := relay.New[Event](24)
//
//	// native callback goroutine
//	r.Push(ev)
//
//	// owning goroutine
//	<-r.Ready()
//	r.Drain(func(ev Event) { handle(ev) })
package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

const (
	// DefaultCapacity is the queue depth used when none is configured.
	DefaultCapacity uint32 = 24

	// MaxCapacity guards against accidental misconfiguration.
	MaxCapacity uint32 = 64 * 1024
)

// Metrics are lock-free counters describing relay traffic.
type Metrics struct {
	pushed  atomic.Int64
	dropped atomic.Int64
	drained atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Pushed  int64
	Dropped int64
	Drained int64
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		Pushed:  m.pushed.Load(),
		Dropped: m.dropped.Load(),
		Drained: m.drained.Load(),
	}
}

func (m *Metrics) reset() {
	m.pushed.Store(0)
	m.dropped.Store(0)
	m.drained.Store(0)
}

// Relay is a bounded drop-oldest queue of plain records.
//
// Push is safe from any goroutine. Drain must be called by one consumer at a
// time.
type Relay[T any] struct {
	mu       sync.Mutex
	buf      mpmc.RichOverlappedRingBuffer[T]
	capacity uint32
	count    uint32
	ready    chan struct{}
	metrics  Metrics
	onDrop   func(T)
}

// New creates a relay holding at most capacity records.
func New[T any](capacity uint32) (*Relay[T], error) {
	if capacity == 0 {
		return nil, fmt.Errorf("relay capacity must be > 0")
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("relay capacity %d exceeds maximum %d", capacity, MaxCapacity)
	}

	// The ring may round its size; eviction is driven by count so the
	// configured capacity is the exact bound.
	return &Relay[T]{
		buf:      mpmc.NewOverlappedRingBuffer[T](capacity + 1),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}, nil
}

// OnDrop installs a hook called (under the relay lock) with every evicted
// record. It must not call back into the relay.
func (r *Relay[T]) OnDrop(fn func(T)) {
	r.mu.Lock()
	r.onDrop = fn
	r.mu.Unlock()
}

// Push appends v, evicting the oldest record when full. It reports whether a
// record was evicted.
func (r *Relay[T]) Push(v T) (evicted bool) {
	r.mu.Lock()

	if r.count == r.capacity {
		if old, err := r.buf.Dequeue(); err == nil {
			r.count--
			evicted = true
			r.metrics.dropped.Add(1)
			if r.onDrop != nil {
				r.onDrop(old)
			}
		}
	}

	overwrites, err := r.buf.EnqueueM(v)
	if err == nil {
		r.count++
		r.metrics.pushed.Add(1)
		if overwrites > 0 {
			// Cannot happen while count bounds the ring; keep the books straight if it does.
			r.metrics.dropped.Add(int64(overwrites))
			r.count -= min(r.count, overwrites)
			evicted = true
		}
	} else {
		r.metrics.dropped.Add(1)
	}
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Drain removes every queued record in FIFO order and passes them to fn
// after releasing the lock. It returns the number of records handled.
func (r *Relay[T]) Drain(fn func(T)) int {
	r.mu.Lock()
	batch := make([]T, 0, r.count)
	for !r.buf.IsEmpty() {
		v, err := r.buf.Dequeue()
		if err != nil {
			break
		}
		batch = append(batch, v)
	}
	r.count = 0
	r.mu.Unlock()

	for _, v := range batch {
		fn(v)
	}
	r.metrics.drained.Add(int64(len(batch)))
	return len(batch)
}

// Discard drops everything queued without handing it to a consumer.
func (r *Relay[T]) Discard() int {
	return r.Drain(func(T) {})
}

// Ready is signalled after a Push. It holds at most one pending signal, so a
// consumer should drain everything each time it fires.
func (r *Relay[T]) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of queued records.
func (r *Relay[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.count)
}

// Cap returns the configured capacity.
func (r *Relay[T]) Cap() int {
	return int(r.capacity)
}

// Metrics returns a snapshot of the traffic counters.
func (r *Relay[T]) Metrics() Snapshot {
	return r.metrics.snapshot()
}

// ResetMetrics zeroes the traffic counters.
func (r *Relay[T]) ResetMetrics() {
	r.metrics.reset()
}
