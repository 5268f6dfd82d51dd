package metric_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"batchpipe.dev/flow/metric"
)

func TestMeter(t *testing.T) {
	periodNs := int64(1000)
	var tests = []struct {
		kind            string
		routines        int
		batches         int
		batchSize       int64
		expectedSamples string
		expectedFilters string
	}{
		{
			kind:            "meter.sine",
			routines:        2,
			batches:         10,
			batchSize:       100,
			expectedSamples: "2000",
			expectedFilters: "2",
		},
		{
			kind:            "meter.sine",
			routines:        2,
			batches:         10,
			batchSize:       100,
			expectedSamples: "4000",
			expectedFilters: "4",
		},
	}
	// function to test measure closure.
	testFn := func(reset metric.ResetFunc, wg *sync.WaitGroup, batches int, batchSize int64) {
		measure := reset()
		for i := 0; i < batches; i++ {
			measure(batchSize)
		}
		wg.Done()
	}

	for _, c := range tests {
		wg := &sync.WaitGroup{}
		wg.Add(c.routines)
		for i := 0; i < c.routines; i++ {
			go testFn(metric.Meter(c.kind, periodNs), wg, c.batches, c.batchSize)
		}
		// check if no data race.
		wg.Wait()
		values := metric.Get(c.kind)
		assert.Equal(t, c.expectedSamples, values[metric.SampleCounter])
		assert.Equal(t, c.expectedFilters, values[metric.FilterCounter])
	}
}

func TestGetAll(t *testing.T) {
	reset := metric.Meter("meter.all", 0)
	measure := reset()
	measure(64)

	all := metric.GetAll()
	values, ok := all["meter.all"]
	assert.True(t, ok)
	assert.Equal(t, "64", values[metric.SampleCounter])
	assert.NotEmpty(t, values[metric.LatencyCounter])
	assert.NotEmpty(t, values[metric.DurationCounter])
}
