// Package batch provides fixed-capacity batches of typed samples and the
// bounded single-producer/single-consumer ring buffer used to exchange them
// between filters.
package batch

import (
	"time"
	"unsafe"
)

// DType identifies the sample type carried by a buffer. It is fixed at
// buffer creation and immutable thereafter.
type DType int

const (
	// DTypeUnknown is the zero value. Buffers cannot be created with it.
	DTypeUnknown DType = iota
	// Float32 is a 32-bit float sample.
	Float32
	// Float64 is a 64-bit float sample.
	Float64
	// Int16 is a 16-bit signed integer sample.
	Int16
	// Int32 is a 32-bit signed integer sample.
	Int32
	// Int64 is a 64-bit signed integer sample.
	Int64
)

// Width returns the sample width in bytes, 0 for unknown types.
func (t DType) Width() int {
	switch t {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Int16:
		return 2
	}
	return 0
}

// Convert dtype to a string.
func (t DType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return "unknown"
}

// EC is a batch completion code. Positive values are termination signals,
// not failures.
type EC int

const (
	// ECOK marks a regular data batch.
	ECOK EC = iota
	// ECComplete marks the last batch of a stream. Consumers propagate it
	// downstream and finish.
	ECComplete
)

// Batch is a view into one slot of a Buffer. Batches are recycled ring
// slots, never individually owned: a producer fills the batch returned by
// AllocateHead and commits it with Submit, a consumer reads the batch
// returned by GetTail and releases it with DeleteTail.
type Batch struct {
	// ID is a monotonic sequence number assigned on allocation, used for
	// gap detection downstream.
	ID uint64
	// Time is the timestamp of the first sample, in nanoseconds.
	Time int64
	// Period is the sample period in nanoseconds. 0 means irregular
	// (event) sampling.
	Period int64
	// Head and Tail delimit valid samples within the slot:
	// samples[Head:Tail].
	Head, Tail int
	// Capacity is the slot size in samples.
	Capacity int
	// EC is the completion code of this batch.
	EC EC

	dtype DType
	data  []byte // slot span of the owning buffer's backing storage
}

// Len returns the number of valid samples in the batch.
func (b *Batch) Len() int {
	return b.Tail - b.Head
}

// DType returns the sample type of the owning buffer.
func (b *Batch) DType() DType {
	return b.dtype
}

// Bytes returns the raw slot span. Its length is Capacity*DType.Width().
func (b *Batch) Bytes() []byte {
	return b.data
}

// Float32s returns the slot as a float32 slice. The buffer dtype must be
// Float32.
func (b *Batch) Float32s() []float32 {
	return view[float32](b, Float32)
}

// Float64s returns the slot as a float64 slice. The buffer dtype must be
// Float64.
func (b *Batch) Float64s() []float64 {
	return view[float64](b, Float64)
}

// Int16s returns the slot as an int16 slice. The buffer dtype must be Int16.
func (b *Batch) Int16s() []int16 {
	return view[int16](b, Int16)
}

// Int32s returns the slot as an int32 slice. The buffer dtype must be Int32.
func (b *Batch) Int32s() []int32 {
	return view[int32](b, Int32)
}

// Int64s returns the slot as an int64 slice. The buffer dtype must be Int64.
func (b *Batch) Int64s() []int64 {
	return view[int64](b, Int64)
}

func view[T any](b *Batch, want DType) []T {
	if b.dtype != want {
		panic("batch: dtype mismatch: " + b.dtype.String() + " viewed as " + want.String())
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.data[0])), b.Capacity)
}

// CopyTo copies the valid samples, timing and completion code of b into
// dst. Slot capacities and dtypes must match.
func (b *Batch) CopyTo(dst *Batch) {
	copy(dst.data, b.data)
	dst.Head = b.Head
	dst.Tail = b.Tail
	dst.Time = b.Time
	dst.Period = b.Period
	dst.EC = b.EC
}

// Duration returns the time span covered by the valid samples.
func (b *Batch) Duration() time.Duration {
	return time.Duration(int64(b.Len()) * b.Period)
}
