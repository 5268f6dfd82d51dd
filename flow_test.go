package flow_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"batchpipe.dev/flow"
	"batchpipe.dev/flow/batch"
	"batchpipe.dev/flow/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitComplete polls until the sink saw the completion batch.
func waitComplete(t *testing.T, sink *mock.Sink) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !sink.Complete() {
		if time.Now().After(deadline) {
			t.Fatal("sink never completed")
		}
		time.Sleep(time.Millisecond)
	}
}

// A source emitting batches of 64 samples through two pass-through
// filters must deliver every sample unmodified and in order.
func TestChainDeliversAllSamples(t *testing.T) {
	const limit = 64*10 + 17 // last batch is partial

	source := &mock.Source{Limit: limit, PeriodNs: 1_000_000}
	passA := &mock.Pass{}
	passB := &mock.Pass{}
	sink := &mock.Sink{}

	src, err := source.Filter("src")
	require.NoError(t, err)
	fa, err := passA.Filter("pass-a")
	require.NoError(t, err)
	fb, err := passB.Filter("pass-b")
	require.NoError(t, err)
	snk, err := sink.Filter("sink")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "chain",
		Members: []*flow.Filter{src, fa, fb, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: fa, ToPort: 0},
			{From: fa, FromPort: 0, To: fb, ToPort: 0},
			{From: fb, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	waitComplete(t, sink)
	require.NoError(t, p.Stop())

	samples := sink.Samples()
	require.Equal(t, limit, len(samples), spew.Sdump(snk.Stats()))
	assert.Equal(t, source.Emitted(), sink.Received())
	for i, s := range samples {
		require.Equal(t, float32(i), s, "sample %d out of order", i)
	}
	assert.True(t, sink.Complete())
	for _, f := range p.Members() {
		assert.Equal(t, flow.HealthOk, f.Health(), f.Describe())
	}
	assert.Nil(t, p.Err())
}

func TestChainStats(t *testing.T) {
	source := &mock.Source{Limit: 256, PeriodNs: 1000}
	sink := &mock.Sink{}

	src, err := source.Filter("src")
	require.NoError(t, err)
	snk, err := sink.Filter("sink")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "short",
		Members: []*flow.Filter{src, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	waitComplete(t, sink)
	require.NoError(t, p.Stop())

	assert.Equal(t, uint64(256), src.Stats().Samples)
	assert.Equal(t, uint64(256), snk.Stats().Samples)
	assert.Equal(t, uint64(4), src.Stats().Batches)
}

// A member worker fault must not stop its siblings: the owner observes
// the error and shuts the pipeline down itself.
func TestMemberFaultDoesNotStopSiblings(t *testing.T) {
	faultErr := errors.New("induced fault")
	source := &mock.Source{Limit: 1 << 20, PeriodNs: 1000}
	pass := &mock.Pass{FailAfter: 2, Err: faultErr}
	sink := &mock.Sink{}

	src, err := source.Filter("src")
	require.NoError(t, err)
	fp, err := pass.Filter("pass")
	require.NoError(t, err)
	snk, err := sink.Filter("sink")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "faulty",
		Members: []*flow.Filter{src, fp, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: fp, ToPort: 0},
			{From: fp, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	fp.Wait()
	require.NotNil(t, fp.Err())
	assert.ErrorIs(t, fp.Err(), faultErr)
	assert.Equal(t, flow.HealthFailed, fp.Health())

	// siblings keep running until the owner stops the pipeline
	assert.Equal(t, flow.Running, src.State())
	assert.Equal(t, flow.Running, snk.State())
	assert.ErrorIs(t, p.Err(), faultErr)

	require.NoError(t, p.Stop())
	assert.Equal(t, flow.Stopped, src.State())
	assert.Equal(t, flow.Stopped, snk.State())
}

// With unbounded waits (Timeout 0), a source parked on the buffer of a
// member that died on a fault must still be released by the pipeline's
// stop sequence: shutdown stays a bounded sequence of Stop calls.
func TestStopAfterMemberFaultUnboundedWaits(t *testing.T) {
	faultErr := errors.New("induced fault")
	bufCfg := batch.Config{DType: batch.Float32, BatchCapacity: 8, Slots: 2}

	src, err := flow.New(flow.Config{
		Name:     "src",
		MaxSinks: 1,
		Buffer:   bufCfg,
		Worker: flow.Generate(func(out *batch.Batch) error {
			out.Tail = out.Capacity
			return nil
		}),
	})
	require.NoError(t, err)

	var passed int32
	pass, err := flow.New(flow.Config{
		Name:     "pass",
		Inputs:   1,
		MaxSinks: 1,
		Buffer:   bufCfg,
		Worker: flow.Transform(func(in, out *batch.Batch) error {
			if atomic.AddInt32(&passed, 1) > 2 {
				return faultErr
			}
			return nil
		}),
	})
	require.NoError(t, err)

	snk, err := flow.New(flow.Config{
		Name:   "sink",
		Inputs: 1,
		Buffer: bufCfg,
		Worker: flow.Consume(nil),
	})
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "unbounded",
		Members: []*flow.Filter{src, pass, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: pass, ToPort: 0},
			{From: pass, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	pass.Wait()
	require.NotNil(t, pass.Err())
	assert.ErrorIs(t, pass.Err(), faultErr)

	// let the source fill the dead member's buffer and park
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- p.Stop()
	}()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline stop blocked after member fault")
	}
	assert.Equal(t, flow.Stopped, src.State())
	assert.Equal(t, flow.Stopped, snk.State())
}

func TestStopWithoutCompletion(t *testing.T) {
	source := &mock.Source{Limit: 1 << 20, PeriodNs: 1000}
	sink := &mock.Sink{}

	src, err := source.Filter("src")
	require.NoError(t, err)
	snk, err := sink.Filter("sink")
	require.NoError(t, err)

	p, err := flow.NewPipeline(flow.PipelineConfig{
		Name:    "interrupted",
		Members: []*flow.Filter{src, snk},
		Connections: []flow.Connection{
			{From: src, FromPort: 0, To: snk, ToPort: 0},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "pipeline stop is idempotent")

	assert.LessOrEqual(t, sink.Received(), source.Emitted())
}
