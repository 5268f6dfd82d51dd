// Package prop implements the lightweight stream-property system used to
// validate filter graphs before they run. Every output port of a filter
// carries a Table of known or unknown properties; every filter declares a
// Contract of constraints on its inputs and a propagation rule for its
// outputs.
package prop

import (
	"errors"
	"fmt"

	"batchpipe.dev/flow/batch"
)

// ErrMismatch is returned when an upstream table fails a declared
// constraint.
var ErrMismatch = errors.New("property mismatch")

// Property identifies one named stream property.
type Property int

const (
	// DataType is the sample type, stored as a batch.DType code.
	DataType Property = iota
	// SamplePeriod is the sample period in nanoseconds. 0 means
	// irregular sampling.
	SamplePeriod
	// MinBatchCapacity is the smallest batch capacity a port produces or
	// accepts.
	MinBatchCapacity
	// MaxBatchCapacity is the largest batch capacity a port produces or
	// accepts.
	MaxBatchCapacity

	numProperties
)

// Convert property to its diagnostic name.
func (p Property) String() string {
	switch p {
	case DataType:
		return "data_type"
	case SamplePeriod:
		return "sample_period_ns"
	case MinBatchCapacity:
		return "min_batch_capacity"
	case MaxBatchCapacity:
		return "max_batch_capacity"
	}
	return "unknown"
}

// Value is a property value that is either unknown or known.
type Value struct {
	Known bool
	V     int64
}

// Known returns a known value.
func Known(v int64) Value {
	return Value{Known: true, V: v}
}

// Table holds the property values of one output port.
type Table struct {
	values [numProperties]Value
}

// NewTable returns a table with all properties unknown.
func NewTable() Table {
	return Table{}
}

// SetAllUnknown resets every property to unknown.
func (t *Table) SetAllUnknown() {
	t.values = [numProperties]Value{}
}

// Set stores a known value.
func (t *Table) Set(p Property, v int64) {
	t.values[p] = Known(v)
}

// Get returns the value of a property.
func (t *Table) Get(p Property) Value {
	return t.values[p]
}

// DType returns the data type property, batch.DTypeUnknown if unknown.
func (t *Table) DType() batch.DType {
	if v := t.values[DataType]; v.Known {
		return batch.DType(v.V)
	}
	return batch.DTypeUnknown
}

// SamplePeriod returns the sample period property and whether it is known.
func (t *Table) SamplePeriod() (int64, bool) {
	v := t.values[SamplePeriod]
	return v.V, v.Known
}

// Convert table to a string.
func (t Table) String() string {
	s := ""
	for p := Property(0); p < numProperties; p++ {
		v := t.values[p]
		if !v.Known {
			continue
		}
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%v=%d", p, v.V)
	}
	if s == "" {
		return "unknown"
	}
	return s
}
