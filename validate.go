package flow

import (
	"fmt"

	"batchpipe.dev/flow/prop"
)

// Validate walks the pipeline's internal graph in topological order and
// propagates per-output-port property tables from sources to sinks,
// rejecting incompatible connections before any goroutine starts. The
// pass is pure and deterministic: it only writes property tables and the
// sample periods used by metrics.
//
// Pipeline.Start runs it automatically; it is exported for callers that
// want to check a graph without starting it.
func Validate(p *Pipeline) error {
	order, err := topoSort(p.members, p.conns)
	if err != nil {
		return err
	}

	// upstream connection lookup per (filter, input port)
	upstream := make(map[*Filter]map[int]Connection)
	for _, c := range p.conns {
		ports, ok := upstream[c.To]
		if !ok {
			ports = make(map[int]Connection)
			upstream[c.To] = ports
		}
		ports[c.ToPort] = c
	}

	tables := make(map[*Filter][]prop.Table, len(order))
	sources := 0
	for _, f := range order {
		if f.Inputs() == 0 {
			sources++
		}
		inputs := make([]prop.Table, f.Inputs())
		for port := range inputs {
			switch conn, ok := upstream[f][port]; {
			case ok:
				inputs[port] = outputTable(tables, conn)
			case p.input != nil && p.input.Filter == f && p.input.Port == port:
				// The pipeline's declared external input:
				// substitute caller-supplied expected properties,
				// unknown for a root pipeline.
				if p.external != nil {
					inputs[port] = *p.external
				} else {
					inputs[port] = prop.NewTable()
				}
			default:
				return fmt.Errorf("%w: %v input %d has no upstream connection", ErrInvalidConfig, f, port)
			}
			if err := f.Contract().ValidateConnection(inputs[port], port); err != nil {
				return fmt.Errorf("%v input %d: %w", f, port, err)
			}
		}
		if err := validateAligned(f, inputs); err != nil {
			return err
		}
		outputs := make([]prop.Table, f.Outputs())
		for port := range outputs {
			outputs[port] = f.Contract().Outputs(inputs, port)
		}
		tables[f] = outputs
		setPeriod(f, inputs, outputs)
	}
	if p.input == nil && sources == 0 {
		return fmt.Errorf("%w: pipeline has no source filter", ErrInvalidConfig)
	}
	return nil
}

func outputTable(tables map[*Filter][]prop.Table, c Connection) prop.Table {
	outs := tables[c.From]
	if c.FromPort < 0 || c.FromPort >= len(outs) {
		return prop.NewTable()
	}
	return outs[c.FromPort]
}

// validateAligned cross-checks every aligned constraint of a multi-input
// filter against its first constrained input.
func validateAligned(f *Filter, inputs []prop.Table) error {
	for _, c := range f.Contract().Constraints {
		if c.Op != prop.Aligned {
			continue
		}
		ref := -1
		for port := range inputs {
			if !c.Applies(port) {
				continue
			}
			if ref < 0 {
				ref = port
				continue
			}
			if err := prop.ValidateAligned(c.Prop, inputs[ref], inputs[port], ref, port); err != nil {
				return fmt.Errorf("%v: %w", f, err)
			}
		}
	}
	return nil
}

// setPeriod feeds the propagated sample period into the filter so its
// meter reports stream duration.
func setPeriod(f *Filter, inputs, outputs []prop.Table) {
	for _, t := range outputs {
		if v, ok := t.SamplePeriod(); ok {
			f.setPeriod(v)
			return
		}
	}
	for _, t := range inputs {
		if v, ok := t.SamplePeriod(); ok {
			f.setPeriod(v)
			return
		}
	}
}

// topoSort orders members by depth-first traversal of the connection
// table. A back-edge means the graph has a cycle.
func topoSort(members []*Filter, conns []Connection) ([]*Filter, error) {
	adjacency := make(map[*Filter][]*Filter, len(members))
	for _, c := range conns {
		adjacency[c.From] = append(adjacency[c.From], c.To)
	}

	const (
		white = iota // unvisited
		gray         // on the current path
		black        // finished
	)
	colors := make(map[*Filter]int, len(members))
	order := make([]*Filter, 0, len(members))

	var visit func(f *Filter) error
	visit = func(f *Filter) error {
		switch colors[f] {
		case gray:
			return fmt.Errorf("%w: cycle through %v", ErrInvalidConfig, f)
		case black:
			return nil
		}
		colors[f] = gray
		for _, next := range adjacency[f] {
			if err := visit(next); err != nil {
				return err
			}
		}
		colors[f] = black
		order = append(order, f)
		return nil
	}
	for _, m := range members {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	// visit appends in reverse dependency order
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
