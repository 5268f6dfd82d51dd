package flow

import (
	"fmt"
	"strings"
	"time"

	"batchpipe.dev/flow/batch"
	"batchpipe.dev/flow/log"
	"batchpipe.dev/flow/prop"
)

// Endpoint designates a (filter, port) pair inside a pipeline, exposed as
// the pipeline's external input or output.
type Endpoint struct {
	Filter *Filter
	Port   int
}

// PipelineConfig describes a pipeline.
type PipelineConfig struct {
	// Name identifies the pipeline. Required.
	Name string
	// Members are the filters of the internal graph, supplied
	// pre-constructed. The pipeline does not own their memory.
	Members []*Filter
	// Connections is the internal wiring, installed eagerly at
	// construction.
	Connections []Connection
	// Input designates the member input port exposed externally. The
	// pipeline shares that filter's buffer instead of allocating its
	// own; ownership stays with the member.
	Input *Endpoint
	// Output designates the member output port exposed externally.
	Output *Endpoint
	// External holds the expected properties of the external input when
	// the pipeline is nested. nil makes the external input unknown.
	External *prop.Table
	// Properties is the contract the pipeline presents to an enclosing
	// graph.
	Properties prop.Contract
	// Timeout bounds lifecycle waits of the wrapper filter.
	Timeout time.Duration
	// Logger receives lifecycle events. Defaults to a silent logger.
	Logger log.Logger
}

// Pipeline is a filter whose body is a sub-graph of filters and
// connections. From the outside it behaves as one opaque filter: its
// wrapper filter can be connected, started, stopped and described like
// any other node, and pipelines nest naturally. It spawns no goroutine of
// its own.
type Pipeline struct {
	filter   *Filter
	members  []*Filter
	conns    []Connection
	input    *Endpoint
	output   *Endpoint
	external *prop.Table
	log      log.Logger
}

// pipelineOps hooks the pipeline into the wrapper filter's capability
// dispatch.
type pipelineOps struct {
	p *Pipeline
}

// Run never executes: the pipeline overrides Start and spawns no worker.
func (pipelineOps) Run(*Filter) error {
	return nil
}

func (o pipelineOps) Start(f *Filter) error {
	return o.p.start(f)
}

func (o pipelineOps) Stop(f *Filter) error {
	return o.p.stop(f)
}

func (o pipelineOps) Deinit(f *Filter) error {
	return o.p.deinit(f)
}

func (o pipelineOps) SinkConnect(f *Filter, port int, sink *batch.Buffer) error {
	return o.p.sinkConnect(f, port, sink)
}

func (o pipelineOps) Describe(f *Filter) string {
	return o.p.describe(f)
}

// NewPipeline validates the member and connection lists, shares the
// external input buffer, installs the internal connections and returns
// the pipeline in Ready state.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("%w: pipeline requires members", ErrInvalidConfig)
	}
	memberSet := make(map[*Filter]bool, len(cfg.Members))
	for i, m := range cfg.Members {
		if m == nil {
			return nil, fmt.Errorf("%w: member %d is nil", ErrInvalidConfig, i)
		}
		if memberSet[m] {
			return nil, fmt.Errorf("%w: member %v listed twice", ErrInvalidConfig, m)
		}
		memberSet[m] = true
	}
	for _, c := range cfg.Connections {
		if c.From == nil || c.To == nil {
			return nil, fmt.Errorf("%w: %v", ErrNilFilter, c)
		}
		if !memberSet[c.From] || !memberSet[c.To] {
			return nil, fmt.Errorf("%w: connection %v leaves the pipeline", ErrInvalidConfig, c)
		}
	}
	if cfg.Input != nil && !memberSet[cfg.Input.Filter] {
		return nil, fmt.Errorf("%w: external input filter is not a member", ErrInvalidConfig)
	}
	if cfg.Output != nil && !memberSet[cfg.Output.Filter] {
		return nil, fmt.Errorf("%w: external output filter is not a member", ErrInvalidConfig)
	}

	p := &Pipeline{
		members:  cfg.Members,
		conns:    cfg.Connections,
		input:    cfg.Input,
		output:   cfg.Output,
		external: cfg.External,
	}
	f, err := New(Config{
		Name:       cfg.Name,
		Kind:       "pipeline",
		MaxSinks:   outputPorts(cfg.Output),
		Timeout:    cfg.Timeout,
		Worker:     pipelineOps{p: p},
		Properties: cfg.Properties,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	p.filter = f
	p.log = f.log

	// Share, not duplicate, the external input: the wrapper's input
	// slot points at the member's own buffer. The member keeps
	// ownership, so deinit frees it exactly once.
	if cfg.Input != nil {
		in := cfg.Input.Filter.Input(cfg.Input.Port)
		if in == nil {
			return nil, fmt.Errorf("%w: external input %v port %d", ErrNilBuffer, cfg.Input.Filter, cfg.Input.Port)
		}
		f.inputs = append(f.inputs, in)
		f.ownsInput = append(f.ownsInput, false)
	}

	for _, c := range cfg.Connections {
		if err := Connect(c.From, c.FromPort, c.To, c.ToPort); err != nil {
			return nil, fmt.Errorf("connect %v: %w", c, err)
		}
	}
	return p, nil
}

// Filter returns the wrapper filter used to compose the pipeline into
// enclosing graphs.
func (p *Pipeline) Filter() *Filter {
	return p.filter
}

// Members returns the internal filters.
func (p *Pipeline) Members() []*Filter {
	return p.members
}

// Connections returns the internal connection table.
func (p *Pipeline) Connections() []Connection {
	return p.conns
}

// Start validates the internal graph properties, then starts every
// member and marks the pipeline running.
func (p *Pipeline) Start() error {
	return p.filter.Start()
}

// Stop signals members in reverse registration order for deterministic
// shutdown, then marks the pipeline stopped.
func (p *Pipeline) Stop() error {
	return p.filter.Stop()
}

// Deinit releases the wrapper. Member filters are supplied
// pre-constructed and stay owned by the caller; the shared external
// input buffer is freed by its owning member only.
func (p *Pipeline) Deinit() error {
	return p.filter.Deinit()
}

// Describe returns the textual status of the pipeline and its members.
func (p *Pipeline) Describe() string {
	return p.filter.Describe()
}

func (p *Pipeline) start(f *Filter) error {
	f.mu.Lock()
	switch f.state {
	case Running:
		f.mu.Unlock()
		return ErrAlreadyRunning
	case Deinitialized:
		f.mu.Unlock()
		return ErrDeinitialized
	}
	f.mu.Unlock()

	if err := Validate(p); err != nil {
		return err
	}
	started := make([]*Filter, 0, len(p.members))
	for _, m := range p.members {
		if err := m.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop()
			}
			return fmt.Errorf("start %v: %w", m, err)
		}
		started = append(started, m)
	}
	f.mu.Lock()
	f.state = Running
	f.mu.Unlock()
	p.log.Debugf("%v is running", f)
	return nil
}

// stop signals members in reverse registration order. A member worker
// that already failed is left for the owner to observe: a member fault is
// never auto-propagated to its siblings.
func (p *Pipeline) stop(f *Filter) error {
	f.mu.Lock()
	if f.state != Running {
		f.mu.Unlock()
		return nil
	}
	f.state = Stopped
	f.mu.Unlock()
	for i := len(p.members) - 1; i >= 0; i-- {
		p.members[i].Stop()
	}
	p.log.Debugf("%v is stopped", f)
	return nil
}

func (p *Pipeline) deinit(f *Filter) error {
	if err := f.deinit(); err != nil {
		return err
	}
	p.conns = nil
	return nil
}

// sinkConnect forwards external connections to the designated internal
// output filter, so the real downstream consumer is wired with no extra
// indirection at run time.
func (p *Pipeline) sinkConnect(f *Filter, port int, sink *batch.Buffer) error {
	if p.output == nil {
		return fmt.Errorf("%w: pipeline has no external output", ErrInvalidSinkIndex)
	}
	if port != 0 {
		return fmt.Errorf("%w: port %d of 1", ErrInvalidSinkIndex, port)
	}
	return p.output.Filter.SinkConnect(p.output.Port, sink)
}

func (p *Pipeline) describe(f *Filter) string {
	var b strings.Builder
	b.WriteString(f.describe())
	for _, m := range p.members {
		b.WriteString("\n")
		for _, line := range strings.Split(m.Describe(), "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Err returns the first member fault found, nil when all members are
// healthy. The pipeline itself records no errors: faults stay local to
// the failing member.
func (p *Pipeline) Err() *LastError {
	for _, m := range p.members {
		if err := m.Err(); err != nil {
			return err
		}
	}
	return nil
}

func outputPorts(out *Endpoint) int {
	if out == nil {
		return 0
	}
	return 1
}
