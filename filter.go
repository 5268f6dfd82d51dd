package flow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"batchpipe.dev/flow/batch"
	"batchpipe.dev/flow/log"
	"batchpipe.dev/flow/metric"
	"batchpipe.dev/flow/prop"
)

const (
	// MaxInputs is the largest supported number of input ports.
	MaxInputs = 64
	// MaxSinks is the largest supported number of output ports.
	MaxSinks = 64
)

// State identifies one of the possible states a filter can be in.
type State int

const (
	// Uninitialized is the zero value before New.
	Uninitialized State = iota
	// Ready means the filter can be started.
	Ready
	// Running means the filter worker is executing.
	Running
	// Stopped means the worker has exited. The filter can be restarted.
	Stopped
	// Deinitialized is terminal: buffers are released.
	Deinitialized
)

// Convert state to a string.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Deinitialized:
		return "deinitialized"
	}
	return "uninitialized"
}

// Health is the coarse condition of a filter.
type Health int

const (
	// HealthUnknown means the filter has not run yet.
	HealthUnknown Health = iota
	// HealthOk means the filter runs or finished without error.
	HealthOk
	// HealthDegraded means the filter runs but its inputs drop batches.
	HealthDegraded
	// HealthFailed means the worker recorded an error.
	HealthFailed
)

// Convert health to a string.
func (h Health) String() string {
	switch h {
	case HealthOk:
		return "ok"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	}
	return "unknown"
}

// Worker is the entry point of a filter: Run is the body of the filter's
// goroutine. Implementations follow the uniform loop contract: pull from
// inputs with a bounded wait, loop on timeout, propagate completion
// downstream and return nil on stop or stream end, return the error
// otherwise. Generate, Transform and Consume build such loops.
type Worker interface {
	Run(f *Filter) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(f *Filter) error

// Run executes the function.
func (fn WorkerFunc) Run(f *Filter) error {
	return fn(f)
}

// Workers may implement any of the following interfaces to replace the
// default lifecycle behaviour. Pipeline implements all of them.
type (
	// Starter replaces the default Start.
	Starter interface {
		Start(f *Filter) error
	}
	// Stopper replaces the default Stop.
	Stopper interface {
		Stop(f *Filter) error
	}
	// Deiniter replaces the default Deinit.
	Deiniter interface {
		Deinit(f *Filter) error
	}
	// SinkConnector replaces the default SinkConnect.
	SinkConnector interface {
		SinkConnect(f *Filter, port int, sink *batch.Buffer) error
	}
	// Describer replaces the default Describe.
	Describer interface {
		Describe(f *Filter) string
	}
)

// Config describes a filter.
type Config struct {
	// Name identifies the filter instance. Required.
	Name string
	// Kind identifies the filter type, used for metrics. Defaults to
	// Name.
	Kind string
	// Inputs is the number of input ports. An input buffer is allocated
	// per port from Buffer.
	Inputs int
	// MaxSinks is the number of output ports.
	MaxSinks int
	// Buffer configures the input buffers and declares the shape of
	// emitted batches. Required when Inputs > 0 or MaxSinks > 0.
	Buffer batch.Config
	// Timeout bounds every buffer wait of the worker. 0 means wait
	// forever.
	Timeout time.Duration
	// Worker is the goroutine entry point. Required.
	Worker Worker
	// Properties declares input constraints and output propagation for
	// graph validation.
	Properties prop.Contract
	// Logger receives lifecycle events. Defaults to a silent logger.
	Logger log.Logger
}

// Stats are accumulated filter counters.
type Stats struct {
	Batches uint64
	Samples uint64
}

// Filter is a dataflow graph node: it owns its input buffers and a worker
// goroutine, and holds references to downstream input buffers as outputs.
// A filter's identity is its address; graphs reference filters by pointer.
type Filter struct {
	uid string
	cfg Config
	log log.Logger

	mu      sync.Mutex
	state   State
	lastErr *LastError
	done    chan struct{}
	measure metric.MeasureFunc

	inputs    []*batch.Buffer
	ownsInput []bool
	outputs   []*batch.Buffer

	periodNs uint64 // sample period propagated by graph validation

	batches uint64
	samples uint64
}

// New creates a filter in Ready state.
func New(cfg Config) (*Filter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if cfg.Worker == nil {
		return nil, fmt.Errorf("%w: worker required", ErrInvalidConfig)
	}
	if cfg.Inputs < 0 || cfg.Inputs > MaxInputs {
		return nil, fmt.Errorf("%w: %d inputs", ErrInvalidConfig, cfg.Inputs)
	}
	if cfg.MaxSinks < 0 || cfg.MaxSinks > MaxSinks {
		return nil, fmt.Errorf("%w: %d sinks", ErrInvalidConfig, cfg.MaxSinks)
	}
	if cfg.Kind == "" {
		cfg.Kind = cfg.Name
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Silent()
	}
	f := &Filter{
		uid:       xid.New().String(),
		cfg:       cfg,
		log:       cfg.Logger,
		state:     Ready,
		inputs:    make([]*batch.Buffer, cfg.Inputs),
		ownsInput: make([]bool, cfg.Inputs),
		outputs:   make([]*batch.Buffer, cfg.MaxSinks),
	}
	for i := range f.inputs {
		b, err := batch.New(cfg.Buffer)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		f.inputs[i] = b
		f.ownsInput[i] = true
	}
	f.log.Debugf("%v initialized", f)
	return f, nil
}

// Start verifies preconditions and spawns the worker goroutine. The
// worker's Starter implementation, if any, replaces this behaviour.
func (f *Filter) Start() error {
	if s, ok := f.cfg.Worker.(Starter); ok {
		return s.Start(f)
	}
	return f.startWorker()
}

func (f *Filter) startWorker() error {
	f.mu.Lock()
	switch f.state {
	case Running:
		f.mu.Unlock()
		return ErrAlreadyRunning
	case Deinitialized:
		f.mu.Unlock()
		return ErrDeinitialized
	}
	if f.cfg.MaxSinks > 0 && f.connectedSinks() == 0 {
		f.mu.Unlock()
		return ErrNoSink
	}
	for _, in := range f.inputs {
		in.Start()
	}
	reset := metric.Meter(f.cfg.Kind, int64(atomic.LoadUint64(&f.periodNs)))
	f.measure = reset()
	done := make(chan struct{})
	f.done = done
	f.state = Running
	f.mu.Unlock()
	f.log.Debugf("%v is running", f)

	go func() {
		defer close(done)
		err := f.cfg.Worker.Run(f)
		f.mu.Lock()
		if err != nil {
			f.lastErr = newLastError(err, 1)
		}
		// generation check: a restarted filter must not be flipped back
		// by the previous run's exit.
		if f.done == done && f.state == Running {
			f.state = Stopped
		}
		f.mu.Unlock()
		if err != nil {
			f.log.Errorf("%v worker failed: %v", f, err)
		} else {
			f.log.Debugf("%v worker done", f)
		}
	}()
	return nil
}

// Stop clears the running flag, stops all input buffers to unblock the
// worker and joins it. It is safe to call from any goroutine and safe to
// call twice: stopping a non-running filter is a no-op. The worker's
// Stopper implementation, if any, replaces this behaviour.
func (f *Filter) Stop() error {
	if s, ok := f.cfg.Worker.(Stopper); ok {
		return s.Stop(f)
	}
	return f.stopWorker()
}

func (f *Filter) stopWorker() error {
	f.mu.Lock()
	if f.state == Running {
		f.state = Stopped
	}
	done := f.done
	f.mu.Unlock()
	// Stop the buffers even when the worker already exited on a fault or
	// completion: an upstream producer with an unbounded wait may still be
	// parked on them.
	for _, in := range f.inputs {
		if in != nil {
			in.Stop()
		}
	}
	if done != nil {
		<-done
	}
	f.log.Debugf("%v is stopped", f)
	return nil
}

// Deinit releases owned input buffers. Buffers shared through pipeline
// composition are skipped: exactly one owner frees each buffer. Calling
// Deinit on a running filter is an error; stop first. The worker's
// Deiniter implementation, if any, replaces this behaviour.
func (f *Filter) Deinit() error {
	if d, ok := f.cfg.Worker.(Deiniter); ok {
		return d.Deinit(f)
	}
	return f.deinit()
}

func (f *Filter) deinit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Running {
		return fmt.Errorf("%w: stop before deinit", ErrAlreadyRunning)
	}
	if f.state == Deinitialized {
		return nil
	}
	for i, in := range f.inputs {
		if in != nil && f.ownsInput[i] {
			in.Stop()
		}
		f.inputs[i] = nil
	}
	for i := range f.outputs {
		f.outputs[i] = nil
	}
	f.state = Deinitialized
	f.log.Debugf("%v deinitialized", f)
	return nil
}

// SinkConnect wires an output port to a downstream input buffer. The
// worker's SinkConnector implementation, if any, replaces this behaviour;
// a Pipeline forwards the call to its internal output filter.
func (f *Filter) SinkConnect(port int, sink *batch.Buffer) error {
	if c, ok := f.cfg.Worker.(SinkConnector); ok {
		return c.SinkConnect(f, port, sink)
	}
	return f.sinkConnect(port, sink)
}

func (f *Filter) sinkConnect(port int, sink *batch.Buffer) error {
	if sink == nil {
		return ErrNilBuffer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Deinitialized {
		return ErrDeinitialized
	}
	if port < 0 || port >= len(f.outputs) {
		return fmt.Errorf("%w: port %d of %d", ErrInvalidSinkIndex, port, len(f.outputs))
	}
	if f.outputs[port] != nil {
		return fmt.Errorf("%w: port %d", ErrConnectionOccupied, port)
	}
	if t := f.cfg.Buffer.DType; t != batch.DTypeUnknown && t != sink.DType() {
		return fmt.Errorf("%w: %v -> %v", ErrDtypeMismatch, t, sink.DType())
	}
	if c := f.cfg.Buffer.BatchCapacity; c != 0 && c != sink.BatchSize() {
		return fmt.Errorf("%w: %d -> %d samples", ErrWidthMismatch, c, sink.BatchSize())
	}
	f.outputs[port] = sink
	return nil
}

// ValidateConnection checks that an output port is wired to a compatible
// buffer.
func (f *Filter) ValidateConnection(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port < 0 || port >= len(f.outputs) {
		return fmt.Errorf("%w: port %d of %d", ErrInvalidSinkIndex, port, len(f.outputs))
	}
	sink := f.outputs[port]
	if sink == nil {
		return fmt.Errorf("%w: port %d", ErrNilBuffer, port)
	}
	if t := f.cfg.Buffer.DType; t != batch.DTypeUnknown && t != sink.DType() {
		return fmt.Errorf("%w: %v -> %v", ErrDtypeMismatch, t, sink.DType())
	}
	return nil
}

// Reconfigure is reserved.
func (f *Filter) Reconfigure(Config) error {
	return ErrNotImplemented
}

// Input returns the buffer of an input port, nil when out of range.
func (f *Filter) Input(port int) *batch.Buffer {
	if port < 0 || port >= len(f.inputs) {
		return nil
	}
	return f.inputs[port]
}

// Output returns the downstream buffer wired to an output port, nil when
// unconnected or out of range.
func (f *Filter) Output(port int) *batch.Buffer {
	if port < 0 || port >= len(f.outputs) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[port]
}

// Inputs returns the number of input ports.
func (f *Filter) Inputs() int {
	return len(f.inputs)
}

// Outputs returns the number of output ports.
func (f *Filter) Outputs() int {
	return len(f.outputs)
}

func (f *Filter) connectedSinks() int {
	n := 0
	for _, out := range f.outputs {
		if out != nil {
			n++
		}
	}
	return n
}

// Name returns the configured filter name.
func (f *Filter) Name() string {
	return f.cfg.Name
}

// Kind returns the configured filter kind.
func (f *Filter) Kind() string {
	return f.cfg.Kind
}

// UID returns the unique filter id.
func (f *Filter) UID() string {
	return f.uid
}

// Timeout returns the configured worker wait bound.
func (f *Filter) Timeout() time.Duration {
	return f.cfg.Timeout
}

// Contract returns the declared property contract.
func (f *Filter) Contract() prop.Contract {
	return f.cfg.Properties
}

// State returns the current lifecycle state.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Running reports whether the filter is in Running state. Workers poll it
// in their loops.
func (f *Filter) Running() bool {
	return f.State() == Running
}

// Wait blocks until the worker goroutine exits. It returns immediately
// for filters that never started.
func (f *Filter) Wait() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Err returns the last recorded worker error, nil if none.
func (f *Filter) Err() *LastError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// HandleError records an error into the filter's last-error cell and
// leaves Running state. Workers use it for faults observed outside the
// uniform loop.
func (f *Filter) HandleError(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	f.lastErr = newLastError(err, 1)
	if f.state == Running {
		f.state = Stopped
	}
	f.mu.Unlock()
	f.log.Errorf("%v: %v", f, err)
}

// Recover clears the last error and returns a stopped filter to Ready.
func (f *Filter) Recover() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Running {
		return ErrAlreadyRunning
	}
	if f.state == Deinitialized {
		return ErrDeinitialized
	}
	f.lastErr = nil
	f.state = Ready
	return nil
}

// Stats returns accumulated batch and sample counters.
func (f *Filter) Stats() Stats {
	return Stats{
		Batches: atomic.LoadUint64(&f.batches),
		Samples: atomic.LoadUint64(&f.samples),
	}
}

// Health derives the filter condition from state, last error and input
// drop counters.
func (f *Filter) Health() Health {
	f.mu.Lock()
	state, lastErr := f.state, f.lastErr
	f.mu.Unlock()
	switch {
	case lastErr != nil:
		return HealthFailed
	case state == Running:
		for _, in := range f.inputs {
			if in.Stats().Dropped > 0 {
				return HealthDegraded
			}
		}
		return HealthOk
	case state == Stopped:
		return HealthOk
	}
	return HealthUnknown
}

// Backlog returns the number of samples waiting in the input buffers.
func (f *Filter) Backlog() int {
	n := 0
	for _, in := range f.inputs {
		if in != nil {
			n += in.Occupancy() * in.BatchSize()
		}
	}
	return n
}

// Measure accounts one processed batch in filter stats and metrics.
// Worker-loop helpers call it; custom workers should too.
func (f *Filter) Measure(samples int) {
	atomic.AddUint64(&f.batches, 1)
	atomic.AddUint64(&f.samples, uint64(samples))
	f.mu.Lock()
	m := f.measure
	f.mu.Unlock()
	if m != nil {
		m(int64(samples))
	}
}

func (f *Filter) setPeriod(periodNs int64) {
	if periodNs > 0 {
		atomic.StoreUint64(&f.periodNs, uint64(periodNs))
	}
}

// Describe returns a textual status of the filter. The worker's Describer
// implementation, if any, replaces this behaviour.
func (f *Filter) Describe() string {
	if d, ok := f.cfg.Worker.(Describer); ok {
		return d.Describe(f)
	}
	return f.describe()
}

func (f *Filter) describe() string {
	f.mu.Lock()
	state, lastErr := f.state, f.lastErr
	f.mu.Unlock()
	stats := f.Stats()
	s := fmt.Sprintf("%v kind=%v state=%v health=%v batches=%d samples=%d backlog=%d",
		f, f.cfg.Kind, state, f.Health(), stats.Batches, stats.Samples, f.Backlog())
	for i, in := range f.inputs {
		if in == nil {
			continue
		}
		bs := in.Stats()
		s += fmt.Sprintf("\n  input %d: %v occupancy=%d total=%d dropped=%d",
			i, in.DType(), in.Occupancy(), bs.Total, bs.Dropped)
	}
	if lastErr != nil {
		s += fmt.Sprintf("\n  error: %v", lastErr)
	}
	return s
}

// Convert filter to a string. Name is included if it has value.
func (f *Filter) String() string {
	if f.cfg.Name == "" {
		return f.uid
	}
	return fmt.Sprintf("%v %v", f.cfg.Name, f.uid)
}
