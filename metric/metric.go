// Package metric exposes per-filter-kind counters through expvar.
package metric

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const filtersLabel = "flow.filters"

const (
	// BatchCounter measures number of batches.
	BatchCounter = "Batches"
	// SampleCounter measures number of samples.
	SampleCounter = "Samples"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter counts the stream duration of processed samples.
	DurationCounter = "Duration"
	// FilterCounter counts number of running filters.
	FilterCounter = "Filters"
)

var (
	filters = metrics{
		m: make(map[string]metric),
	}

	counters = []string{
		BatchCounter,
		SampleCounter,
		LatencyCounter,
		DurationCounter,
		FilterCounter,
	}
)

// Get returns metric values for the provided filter kind.
func Get(kind string) map[string]string {
	m := make(map[string]string)
	for _, counter := range counters {
		v := expvar.Get(key(kind, counter))
		if v != nil {
			m[counter] = v.String()
		}
	}
	return m
}

// GetAll returns counters for all measured filter kinds.
func GetAll() map[string]map[string]string {
	m := make(map[string]map[string]string)
	filters.Lock()
	defer filters.Unlock()
	for kind := range filters.m {
		m[kind] = Get(kind)
	}
	return m
}

// ResetFunc returns a new Measure closure. The closure postpones metrics
// capture until the filter worker is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when a batch is processed.
type MeasureFunc func(samples int64)

// Meter creates a new meter closure to capture filter counters. periodNs
// is the sample period used to derive stream duration, 0 for irregular
// streams.
func Meter(kind string, periodNs int64) ResetFunc {
	metric := filters.get(kind)
	metric.filters.Add(1)
	return func() MeasureFunc {
		calledAt := time.Now()
		return func(samples int64) {
			metric.latency.set(time.Since(calledAt))
			metric.batches.Add(1)
			metric.samples.Add(samples)
			metric.duration.add(time.Duration(samples * periodNs))
			calledAt = time.Now()
		}
	}
}

type metrics struct {
	sync.Mutex
	m map[string]metric
}

func (m *metrics) get(kind string) metric {
	m.Lock()
	defer m.Unlock()
	if metric, ok := m.m[kind]; ok {
		return metric
	}
	metric := newMetric(kind)
	m.m[kind] = metric
	return metric
}

type metric struct {
	key      string
	filters  *expvar.Int
	batches  *expvar.Int
	samples  *expvar.Int
	latency  *duration
	duration *duration
}

func newMetric(kind string) metric {
	m := metric{
		key:      kind,
		filters:  expvar.NewInt(key(kind, FilterCounter)),
		batches:  expvar.NewInt(key(kind, BatchCounter)),
		samples:  expvar.NewInt(key(kind, SampleCounter)),
		latency:  &duration{},
		duration: &duration{},
	}
	expvar.Publish(key(kind, LatencyCounter), m.latency)
	expvar.Publish(key(kind, DurationCounter), m.duration)
	return m
}

func key(kind, counter string) string {
	return fmt.Sprintf("%s.%s.%s", filtersLabel, kind, counter)
}

// duration allows to format time.Duration metric values.
type duration struct {
	d int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%q", time.Duration(atomic.LoadInt64(&v.d)).String())
}

func (v *duration) add(delta time.Duration) {
	atomic.AddInt64(&v.d, int64(delta))
}

func (v *duration) set(value time.Duration) {
	atomic.StoreInt64(&v.d, int64(value))
}
