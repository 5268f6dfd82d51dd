// Package mock provides filters for testing the dataflow engine: a ramp
// source, a copying pass-through and a collecting sink. They double as the
// reference for how concrete filters consume the flow contract.
package mock

import (
	"io"
	"sync"
	"time"

	"batchpipe.dev/flow"
	"batchpipe.dev/flow/batch"
	"batchpipe.dev/flow/prop"
)

const (
	defaultBatchCapacity = 64
	defaultSlots         = 4
	defaultTimeout       = 10 * time.Millisecond
)

// Source generates float32 ramp batches: sample values increase by one
// across the whole stream, so any reordering or loss is visible at the
// sink.
type Source struct {
	// Limit is the total number of samples to emit.
	Limit int
	// PeriodNs is the declared sample period.
	PeriodNs int64
	// BatchCapacity overrides the default batch capacity.
	BatchCapacity int
	// Slots overrides the default ring size.
	Slots int
	// Overflow sets the downstream-facing declaration only; the actual
	// policy lives in the consuming filter's buffer.
	Overflow batch.Overflow

	mu      sync.Mutex
	emitted int
	timeNs  int64
}

// Filter builds the source filter.
func (s *Source) Filter(name string) (*flow.Filter, error) {
	table := prop.NewTable()
	table.Set(prop.DataType, int64(batch.Float32))
	table.Set(prop.SamplePeriod, s.PeriodNs)
	table.Set(prop.MinBatchCapacity, int64(s.batchCapacity()))
	table.Set(prop.MaxBatchCapacity, int64(s.batchCapacity()))
	return flow.New(flow.Config{
		Name:     name,
		Kind:     "mock.source",
		MaxSinks: 1,
		Buffer: batch.Config{
			DType:         batch.Float32,
			BatchCapacity: s.batchCapacity(),
			Slots:         s.slots(),
			Overflow:      s.Overflow,
		},
		Timeout: defaultTimeout,
		Worker:  flow.Generate(s.generate),
		Properties: prop.Contract{
			Propagate: prop.Fixed(table),
		},
	})
}

func (s *Source) generate(out *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitted >= s.Limit {
		return io.EOF
	}
	n := out.Capacity
	if left := s.Limit - s.emitted; left < n {
		n = left
	}
	samples := out.Float32s()
	for i := 0; i < n; i++ {
		samples[i] = float32(s.emitted + i)
	}
	out.Head, out.Tail = 0, n
	out.Time = s.timeNs
	out.Period = s.PeriodNs
	s.emitted += n
	s.timeNs += int64(n) * s.PeriodNs
	if s.emitted >= s.Limit {
		return io.EOF
	}
	return nil
}

// Emitted returns the number of samples produced so far.
func (s *Source) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func (s *Source) batchCapacity() int {
	if s.BatchCapacity > 0 {
		return s.BatchCapacity
	}
	return defaultBatchCapacity
}

func (s *Source) slots() int {
	if s.Slots > 0 {
		return s.Slots
	}
	return defaultSlots
}

// Pass is a copying pass-through filter.
type Pass struct {
	// BatchCapacity overrides the default batch capacity.
	BatchCapacity int
	// Slots overrides the default ring size.
	Slots int
	// Overflow sets the input buffer overflow policy.
	Overflow batch.Overflow
	// RequireCapacity adds an EQ constraint on the upstream batch
	// capacity, used to provoke property mismatches in tests.
	RequireCapacity int64
	// FailAfter makes processing fail once that many batches passed
	// through, to exercise the fault protocol. 0 disables.
	FailAfter int
	// Err is the error returned when FailAfter triggers.
	Err error

	mu     sync.Mutex
	passed int
}

// Filter builds the pass-through filter.
func (p *Pass) Filter(name string) (*flow.Filter, error) {
	constraints := []prop.Constraint{
		{Prop: prop.DataType, Op: prop.Exists},
	}
	if p.RequireCapacity > 0 {
		constraints = append(constraints,
			prop.Constraint{Prop: prop.MinBatchCapacity, Op: prop.EQ, V: p.RequireCapacity})
	}
	return flow.New(flow.Config{
		Name:     name,
		Kind:     "mock.pass",
		Inputs:   1,
		MaxSinks: 1,
		Buffer: batch.Config{
			DType:         batch.Float32,
			BatchCapacity: p.batchCapacity(),
			Slots:         p.slots(),
			Overflow:      p.Overflow,
		},
		Timeout: defaultTimeout,
		Worker:  flow.Transform(p.process),
		Properties: prop.Contract{
			Constraints: constraints,
			Propagate:   prop.PassThrough(),
		},
	})
}

func (p *Pass) process(in, out *batch.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passed++
	if p.FailAfter > 0 && p.passed > p.FailAfter {
		return p.Err
	}
	return nil
}

// Passed returns the number of batches passed through.
func (p *Pass) Passed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passed
}

func (p *Pass) batchCapacity() int {
	if p.BatchCapacity > 0 {
		return p.BatchCapacity
	}
	return defaultBatchCapacity
}

func (p *Pass) slots() int {
	if p.Slots > 0 {
		return p.Slots
	}
	return defaultSlots
}

// Sink collects every received sample and remembers batch ids.
type Sink struct {
	// BatchCapacity overrides the default batch capacity.
	BatchCapacity int
	// Slots overrides the default ring size.
	Slots int
	// Overflow sets the input buffer overflow policy.
	Overflow batch.Overflow

	mu       sync.Mutex
	samples  []float32
	batches  int
	complete bool
}

// Filter builds the sink filter.
func (s *Sink) Filter(name string) (*flow.Filter, error) {
	return flow.New(flow.Config{
		Name:   name,
		Kind:   "mock.sink",
		Inputs: 1,
		Buffer: batch.Config{
			DType:         batch.Float32,
			BatchCapacity: s.batchCapacity(),
			Slots:         s.slots(),
			Overflow:      s.Overflow,
		},
		Timeout: defaultTimeout,
		Worker:  flow.Consume(s.consume),
		Properties: prop.Contract{
			Constraints: []prop.Constraint{
				{Prop: prop.DataType, Op: prop.EQ, V: int64(batch.Float32)},
			},
		},
	})
}

func (s *Sink) consume(in *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, in.Float32s()[in.Head:in.Tail]...)
	s.batches++
	if in.EC == batch.ECComplete {
		s.complete = true
	}
	return nil
}

// Samples returns a copy of the collected samples.
func (s *Sink) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.samples))
	copy(out, s.samples)
	return out
}

// Received returns the number of collected samples.
func (s *Sink) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Complete reports whether the completion batch arrived.
func (s *Sink) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Sink) batchCapacity() int {
	if s.BatchCapacity > 0 {
		return s.BatchCapacity
	}
	return defaultBatchCapacity
}

func (s *Sink) slots() int {
	if s.Slots > 0 {
		return s.Slots
	}
	return defaultSlots
}
