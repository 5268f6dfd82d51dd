package flow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchpipe.dev/flow"
	"batchpipe.dev/flow/batch"
	"batchpipe.dev/flow/mock"
	"batchpipe.dev/flow/prop"
)

func passFilter(t *testing.T, name string) *flow.Filter {
	t.Helper()
	f, err := (&mock.Pass{}).Filter(name)
	require.NoError(t, err)
	return f
}

func TestValidateCycle(t *testing.T) {
	a := passFilter(t, "a")
	b := passFilter(t, "b")
	c := passFilter(t, "c")

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "cyclic",
		Members: []*flow.Filter{a, b, c},
		Connections: []flow.Connection{
			{From: a, FromPort: 0, To: b, ToPort: 0},
			{From: b, FromPort: 0, To: c, ToPort: 0},
			{From: c, FromPort: 0, To: a, ToPort: 0},
		},
	})
	require.NoError(t, err, "cycles are caught by validation, not wiring")

	err = flow.Validate(p)
	assert.ErrorIs(t, err, flow.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateNoUpstream(t *testing.T) {
	src, err := (&mock.Source{Limit: 1, PeriodNs: 1000}).Filter("src")
	require.NoError(t, err)
	disconnected := passFilter(t, "disconnected")

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "dangling",
		Members: []*flow.Filter{src, disconnected},
	})
	require.NoError(t, err)

	err = flow.Validate(p)
	assert.ErrorIs(t, err, flow.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "no upstream connection")
}

func TestValidateNoSource(t *testing.T) {
	pass := passFilter(t, "pass")
	external := prop.NewTable()
	external.Set(prop.DataType, int64(batch.Float32))
	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:     "sourceless",
		Members:  []*flow.Filter{pass},
		Input:    &flow.Endpoint{Filter: pass, Port: 0},
		External: &external,
	})
	require.NoError(t, err)
	// externally-fed pipeline: no source required
	assert.NoError(t, flow.Validate(p))

	orphan := passFilter(t, "orphan")
	root, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "root",
		Members: []*flow.Filter{orphan},
	})
	require.NoError(t, err)
	err = flow.Validate(root)
	assert.ErrorIs(t, err, flow.ErrInvalidConfig)
}

// A source declaring {Float32, 1ms period} feeding a pass-through must
// propagate the same table to the pass-through's output.
func TestValidatePropagation(t *testing.T) {
	source := &mock.Source{Limit: 64, PeriodNs: 1_000_000}
	src, err := source.Filter("src")
	require.NoError(t, err)
	pass := passFilter(t, "pass")
	probe := &propProbe{}
	snk, err := flow.New(flow.Config{
		Name:     "probe",
		Inputs:   1,
		MaxSinks: 1, // the probe needs an output port for Propagate to run
		Buffer:   batch.Config{DType: batch.Float32, BatchCapacity: 64, Slots: 4},
		Worker:   flow.Consume(nil),
		Properties: prop.Contract{
			Constraints: []prop.Constraint{
				{Prop: prop.DataType, Op: prop.EQ, V: int64(batch.Float32)},
				{Prop: prop.SamplePeriod, Op: prop.EQ, V: 1_000_000},
			},
			Propagate: probe.record,
		},
	})
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "typed",
		Members: []*flow.Filter{src, pass, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: pass, ToPort: 0},
			{From: pass, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, flow.Validate(p))

	require.Len(t, probe.inputs, 1)
	got := probe.inputs[0]
	assert.Equal(t, batch.Float32, got.DType())
	period, known := got.SamplePeriod()
	assert.True(t, known)
	assert.Equal(t, int64(1_000_000), period)
}

// propProbe records the input tables the validator feeds a sink.
type propProbe struct {
	inputs []prop.Table
}

func (p *propProbe) record(inputs []prop.Table, _ int) prop.Table {
	p.inputs = append(p.inputs, inputs...)
	return prop.NewTable()
}

func TestValidateBatchCapacityMismatch(t *testing.T) {
	source := &mock.Source{Limit: 64, PeriodNs: 1000} // declares capacity 64
	src, err := source.Filter("src")
	require.NoError(t, err)
	strict := &mock.Pass{RequireCapacity: 128}
	fp, err := strict.Filter("strict")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "mismatched",
		Members: []*flow.Filter{src, fp},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: fp, ToPort: 0},
		},
	})
	require.NoError(t, err)

	err = flow.Validate(p)
	assert.ErrorIs(t, err, prop.ErrMismatch)
	assert.Contains(t, err.Error(), "batch_capacity")
	assert.Contains(t, err.Error(), "strict", "error names the offending filter")
}

func TestValidateAlignedInputs(t *testing.T) {
	fast := &mock.Source{Limit: 64, PeriodNs: 1000}
	slow := &mock.Source{Limit: 64, PeriodNs: 2000}
	fsrc, err := fast.Filter("fast")
	require.NoError(t, err)
	ssrc, err := slow.Filter("slow")
	require.NoError(t, err)

	merge, err := flow.New(flow.Config{
		Name:   "merge",
		Inputs: 2,
		Buffer: batch.Config{DType: batch.Float32, BatchCapacity: 64, Slots: 4},
		Worker: flow.Consume(nil),
		Properties: prop.Contract{
			Constraints: []prop.Constraint{
				{Prop: prop.SamplePeriod, Op: prop.Aligned},
			},
		},
	})
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "aligned",
		Members: []*flow.Filter{fsrc, ssrc, merge},
		Connections: []flow.Connection{
			{From: fsrc, FromPort: 0, To: merge, ToPort: 0},
			{From: ssrc, FromPort: 0, To: merge, ToPort: 1},
		},
	})
	require.NoError(t, err)

	err = flow.Validate(p)
	assert.ErrorIs(t, err, prop.ErrMismatch)
	assert.Contains(t, err.Error(), "sample_period_ns")
}

func TestValidateIsRepeatable(t *testing.T) {
	source := &mock.Source{Limit: 64, PeriodNs: 1000}
	src, err := source.Filter("src")
	require.NoError(t, err)
	snk, err := (&mock.Sink{}).Filter("sink")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "repeatable",
		Members: []*flow.Filter{src, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.NoError(t, flow.Validate(p))
	}
}
