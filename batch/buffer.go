package batch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when a bounded wait on a buffer expires.
	ErrTimeout = errors.New("buffer timeout")
	// ErrStopped is returned once the buffer is stopped. It is sticky:
	// every wait after Stop fails immediately instead of re-blocking.
	ErrStopped = errors.New("buffer stopped")
	// ErrNoSpace is returned by AllocateHead in drop modes when the ring
	// is full and no committed batch can be evicted.
	ErrNoSpace = errors.New("buffer full")
	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("invalid buffer config")
)

// Overflow defines buffer behaviour when the ring is full. It is fixed at
// creation.
type Overflow int

const (
	// Block makes AllocateHead wait for a free slot. This is the
	// backpressure mode.
	Block Overflow = iota
	// DropHead evicts the oldest committed batch to make room for the
	// new one. AllocateHead never blocks.
	DropHead
	// DropTail discards the new batch: AllocateHead fails with
	// ErrNoSpace. It never blocks.
	DropTail
)

// Convert overflow policy to a string.
func (o Overflow) String() string {
	switch o {
	case Block:
		return "block"
	case DropHead:
		return "drop-head"
	case DropTail:
		return "drop-tail"
	}
	return "unknown"
}

// Config describes a buffer. Slots is rounded up to the next power of two.
type Config struct {
	DType         DType
	BatchCapacity int // samples per slot
	Slots         int // ring size in slots
	Overflow      Overflow
}

// Stats are monotonic buffer counters. They are read without
// synchronization guarantees and are approximate, for observability only.
type Stats struct {
	Total   uint64 // batches ever committed
	Dropped uint64 // batches lost to overflow
}

// Buffer is a bounded single-producer/single-consumer ring of batches.
//
// head and tail are unbounded monotonic counters; only the masked index
// wraps. A slot is free, reserved by the producer, committed, or held by
// the consumer. Token channels writable and readable carry the free and
// committed counts, so all waiting is plain channel selects and Stop can
// wake both directions by closing stopped.
type Buffer struct {
	dtype    DType
	width    int
	slots    int
	mask     uint64
	batchCap int
	overflow Overflow

	data    []byte
	batches []Batch

	head uint64 // committed batches
	tail uint64 // released batches
	seq  uint64 // next batch id, producer-only

	writable chan struct{}
	readable chan struct{}

	mu       sync.Mutex
	stopped  chan struct{}
	tailHeld bool // consumer holds the tail slot between GetTail and DeleteTail

	total   uint64
	dropped uint64
}

// New creates a buffer with the given configuration.
func New(cfg Config) (*Buffer, error) {
	if cfg.DType.Width() == 0 {
		return nil, fmt.Errorf("%w: dtype %v", ErrInvalidConfig, cfg.DType)
	}
	if cfg.BatchCapacity <= 0 {
		return nil, fmt.Errorf("%w: batch capacity %d", ErrInvalidConfig, cfg.BatchCapacity)
	}
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("%w: %d slots", ErrInvalidConfig, cfg.Slots)
	}
	slots := ceilPow2(cfg.Slots)
	width := cfg.DType.Width()
	b := &Buffer{
		dtype:    cfg.DType,
		width:    width,
		slots:    slots,
		mask:     uint64(slots - 1),
		batchCap: cfg.BatchCapacity,
		overflow: cfg.Overflow,
		data:     make([]byte, slots*cfg.BatchCapacity*width),
		batches:  make([]Batch, slots),
		writable: make(chan struct{}, slots),
		readable: make(chan struct{}, slots),
		stopped:  make(chan struct{}),
	}
	span := cfg.BatchCapacity * width
	for i := range b.batches {
		b.batches[i] = Batch{
			Capacity: cfg.BatchCapacity,
			dtype:    cfg.DType,
			data:     b.data[i*span : (i+1)*span],
		}
		b.writable <- struct{}{}
	}
	return b, nil
}

// AllocateHead reserves the next ring slot for writing and returns its
// batch with cursors reset. In Block mode it waits up to timeout for a
// free slot (0 means wait forever); in drop modes it never blocks. The
// reservation must be completed with Submit before the next AllocateHead.
func (b *Buffer) AllocateHead(timeout time.Duration) (*Batch, error) {
	switch b.overflow {
	case Block:
		if err := b.await(b.writable, timeout); err != nil {
			return nil, err
		}
	default:
		select {
		case <-b.writable:
		default:
			// Ring is full. DropHead tries to evict the oldest
			// committed batch; the freed slot doubles as our write
			// grant, so no token changes hands.
			if b.overflow == DropHead && b.evictTail() {
				break
			}
			atomic.AddUint64(&b.dropped, 1)
			return nil, ErrNoSpace
		}
	}
	head := atomic.LoadUint64(&b.head)
	bt := &b.batches[head&b.mask]
	bt.ID = b.seq
	b.seq++
	bt.Head, bt.Tail = 0, 0
	bt.Time, bt.Period = 0, 0
	bt.EC = ECOK
	return bt, nil
}

// Submit commits the slot reserved by the last AllocateHead and wakes a
// consumer blocked on the empty ring. It always succeeds: capacity was
// reserved by AllocateHead.
func (b *Buffer) Submit(bt *Batch) {
	_ = bt
	atomic.AddUint64(&b.head, 1)
	atomic.AddUint64(&b.total, 1)
	b.readable <- struct{}{}
}

// GetTail waits up to timeout (0 means forever) for a committed batch and
// returns it. Every successful GetTail must be matched by exactly one
// DeleteTail.
func (b *Buffer) GetTail(timeout time.Duration) (*Batch, error) {
	if err := b.await(b.readable, timeout); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.tailHeld = true
	tail := atomic.LoadUint64(&b.tail)
	b.mu.Unlock()
	return &b.batches[tail&b.mask], nil
}

// DeleteTail releases the batch returned by the last GetTail and wakes a
// producer blocked on the full ring.
func (b *Buffer) DeleteTail() {
	b.mu.Lock()
	b.tailHeld = false
	atomic.AddUint64(&b.tail, 1)
	b.mu.Unlock()
	b.writable <- struct{}{}
}

// Stop wakes all waiters in both directions. It is idempotent and sticky:
// after Stop every wait fails with ErrStopped until Start is called. This
// is the only safe way to unblock a goroutine parked in AllocateHead or
// GetTail.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.stopped:
	default:
		close(b.stopped)
	}
}

// Start re-arms a stopped buffer. It must only be called while no
// goroutine is using the buffer. Starting a running buffer is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.stopped:
		b.stopped = make(chan struct{})
	default:
	}
}

// Occupancy returns the number of committed, unreleased batches.
func (b *Buffer) Occupancy() int {
	return int(atomic.LoadUint64(&b.head) - atomic.LoadUint64(&b.tail))
}

// BatchSize returns the slot capacity in samples.
func (b *Buffer) BatchSize() int {
	return b.batchCap
}

// Slots returns the ring capacity in slots.
func (b *Buffer) Slots() int {
	return b.slots
}

// DType returns the sample type of the buffer.
func (b *Buffer) DType() DType {
	return b.dtype
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Total:   atomic.LoadUint64(&b.total),
		Dropped: atomic.LoadUint64(&b.dropped),
	}
}

// await takes one token, honouring stop and timeout. Stop wins over an
// available token so shutdown propagates even through non-empty buffers.
func (b *Buffer) await(tokens chan struct{}, timeout time.Duration) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	select {
	case <-stopped:
		return ErrStopped
	default:
	}
	if timeout == 0 {
		select {
		case <-tokens:
			return nil
		case <-stopped:
			return ErrStopped
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tokens:
		return nil
	case <-stopped:
		return ErrStopped
	case <-timer.C:
		return ErrTimeout
	}
}

// evictTail drops the oldest committed batch to free a slot for the
// producer. Fails when the consumer holds the tail slot or nothing is
// committed.
func (b *Buffer) evictTail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tailHeld {
		return false
	}
	select {
	case <-b.readable:
	default:
		return false
	}
	atomic.AddUint64(&b.tail, 1)
	atomic.AddUint64(&b.dropped, 1)
	return true
}

func ceilPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
