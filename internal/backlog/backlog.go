// Package backlog implements the bounded FIFO that holds measurement
// records the agent could not deliver yet.
//
// A Buffer is a fixed-capacity ring. Occupancy is tracked with an explicit
// size counter, so head == tail is never used to tell "empty" from "full".
// The buffer is owned by a single goroutine (the dispatcher loop) and is
// not safe for concurrent use.
package backlog

import (
	"errors"
	"fmt"

	"aeris-agent/internal/record"
)

var (
	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("backlog: capacity must be positive")
	// ErrRequeueNotAllowed is returned by RequeueFront when the record is not
	// the one handed out by the most recent Pop, or the slot it came from
	// has been reused.
	ErrRequeueNotAllowed = errors.New("backlog: requeue only allowed for the last popped record")
)

// PushResult reports what Push did.
type PushResult int

const (
	// Inserted means the record was appended without displacing anything.
	Inserted PushResult = iota
	// InsertedWithEviction means the buffer was full and the oldest record
	// was discarded to make room.
	InsertedWithEviction
	// Rejected means the buffer was full, overwrite is off, and nothing
	// changed.
	Rejected
)

func (p PushResult) String() string {
	switch p {
	case Inserted:
		return "inserted"
	case InsertedWithEviction:
		return "inserted_with_eviction"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Buffer is a bounded ring of records.
type Buffer struct {
	slots     []record.Record
	head      int // next write slot
	tail      int // next read slot
	size      int
	overwrite bool

	evictions  uint64
	rejections uint64

	lastPopped record.Record
	canRequeue bool
}

type options struct {
	overwrite bool
	region    Region
}

// Option configures New.
type Option func(*options)

// WithOverwrite sets the overwrite-on-full policy. The default is true:
// a push into a full buffer evicts the oldest record.
func WithOverwrite(overwrite bool) Option {
	return func(o *options) { o.overwrite = overwrite }
}

// WithRegion selects the memory region the slots are allocated from. The
// default is HeapRegion.
func WithRegion(r Region) Option {
	return func(o *options) { o.region = r }
}

// New allocates a Buffer holding up to capacity records. Allocation
// failures from the region are returned as is; the caller decides whether
// to run without buffering.
func New(capacity int, opts ...Option) (*Buffer, error) {
	o := options{overwrite: true, region: HeapRegion}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if o.region == nil {
		o.region = HeapRegion
	}

	slots, err := o.region.Alloc(capacity)
	if err != nil {
		return nil, err
	}
	if len(slots) < capacity {
		return nil, fmt.Errorf("%w: region returned %d of %d slots", ErrRegionExhausted, len(slots), capacity)
	}
	return &Buffer{
		slots:     slots[:capacity:capacity],
		overwrite: o.overwrite,
	}, nil
}

// Push appends r at the back of the buffer.
func (b *Buffer) Push(r record.Record) PushResult {
	result := Inserted
	if b.size == len(b.slots) {
		if !b.overwrite {
			b.rejections++
			return Rejected
		}
		b.slots[b.tail] = record.Record{}
		b.tail = b.advance(b.tail)
		b.size--
		b.evictions++
		result = InsertedWithEviction
	}

	b.slots[b.head] = r
	b.head = b.advance(b.head)
	b.size++
	b.canRequeue = false
	return result
}

// Pop removes and returns the oldest record. ok is false when the buffer
// is empty.
func (b *Buffer) Pop() (r record.Record, ok bool) {
	if b.size == 0 {
		return record.Record{}, false
	}
	r = b.slots[b.tail]
	b.slots[b.tail] = record.Record{}
	b.tail = b.advance(b.tail)
	b.size--

	b.lastPopped = r
	b.canRequeue = true
	return r, true
}

// RequeueFront puts back the record returned by the most recent Pop so it
// is the next one popped. It is only valid when no Push happened in
// between.
func (b *Buffer) RequeueFront(r record.Record) error {
	if !b.canRequeue || !r.Same(b.lastPopped) || b.size == len(b.slots) {
		return ErrRequeueNotAllowed
	}
	b.tail = (b.tail - 1 + len(b.slots)) % len(b.slots)
	b.slots[b.tail] = r
	b.size++
	b.canRequeue = false
	return nil
}

// Len returns the number of records held.
func (b *Buffer) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.slots) }

// Overwrite reports the overwrite-on-full policy.
func (b *Buffer) Overwrite() bool { return b.overwrite }

// Evictions is the number of records discarded by overwriting pushes since
// the buffer was created.
func (b *Buffer) Evictions() uint64 { return b.evictions }

// Rejections is the number of pushes refused because the buffer was full.
func (b *Buffer) Rejections() uint64 { return b.rejections }

func (b *Buffer) advance(i int) int {
	i++
	if i == len(b.slots) {
		return 0
	}
	return i
}
