package backlog

import (
	"errors"
	"fmt"
	"unsafe"

	"aeris-agent/internal/record"
)

// ErrRegionExhausted is returned when a region cannot hold the requested
// number of records.
var ErrRegionExhausted = errors.New("backlog: memory region exhausted")

// RecordSize is the in-memory footprint of one slot in bytes.
const RecordSize = int64(unsafe.Sizeof(record.Record{}))

// Region is the memory pool backlog slots are carved from. Devices with a
// separate, larger memory bank (PSRAM and the like) plug it in here so the
// backlog does not compete with general working memory.
type Region interface {
	Alloc(n int) ([]record.Record, error)
}

// HeapRegion allocates from the Go heap without a limit.
var HeapRegion Region = heapRegion{}

type heapRegion struct{}

func (heapRegion) Alloc(n int) ([]record.Record, error) {
	return make([]record.Record, n), nil
}

// LimitRegion allocates from the Go heap but refuses any allocation larger
// than MaxBytes.
type LimitRegion struct {
	MaxBytes int64
}

// Alloc implements Region.
func (l LimitRegion) Alloc(n int) ([]record.Record, error) {
	need := int64(n) * RecordSize
	if need > l.MaxBytes {
		return nil, fmt.Errorf("%w: need %d bytes for %d records, limit %d", ErrRegionExhausted, need, n, l.MaxBytes)
	}
	return make([]record.Record, n), nil
}

// MaxRecords returns the largest capacity that fits in the region.
func (l LimitRegion) MaxRecords() int {
	if l.MaxBytes <= 0 {
		return 0
	}
	return int(l.MaxBytes / RecordSize)
}
