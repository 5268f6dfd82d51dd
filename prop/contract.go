package prop

import "fmt"

// Op is a constraint operator.
type Op int

const (
	// Exists requires the property to be known upstream.
	Exists Op = iota
	// EQ requires the property to be known and equal to the constraint
	// value.
	EQ
	// Aligned requires the property to match across all constrained
	// inputs of a multi-input filter. Checked against the first
	// constrained input.
	Aligned
)

// Convert op to a string.
func (o Op) String() string {
	switch o {
	case Exists:
		return "exists"
	case EQ:
		return "eq"
	case Aligned:
		return "aligned"
	}
	return "unknown"
}

// Constraint restricts one property of one or more input ports.
type Constraint struct {
	Prop Property
	Op   Op
	V    int64
	// Inputs is a bit mask of the constrained input ports. 0 means all.
	Inputs uint64
}

// Applies reports whether the constraint covers the given input port.
func (c Constraint) Applies(port int) bool {
	return c.Inputs == 0 || c.Inputs&(1<<uint(port)) != 0
}

// PropagateFunc produces the property table of an output port from the
// tables of all input ports. Sources receive an empty input slice.
type PropagateFunc func(inputs []Table, outPort int) Table

// Contract declares the property behaviour of a filter: constraints its
// inputs must satisfy and the propagation rule for its outputs.
type Contract struct {
	Constraints []Constraint
	Propagate   PropagateFunc
}

// PassThrough propagates the table of input 0 unchanged. This is the
// default for single-input filters.
func PassThrough() PropagateFunc {
	return func(inputs []Table, _ int) Table {
		if len(inputs) == 0 {
			return NewTable()
		}
		return inputs[0]
	}
}

// Fixed propagates the given table on every output port regardless of
// inputs. Sources declare their output properties this way.
func Fixed(t Table) PropagateFunc {
	return func([]Table, int) Table {
		return t
	}
}

// Outputs produces the table for an output port, falling back to
// pass-through when the contract declares no propagation rule.
func (c Contract) Outputs(inputs []Table, outPort int) Table {
	if c.Propagate == nil {
		return PassThrough()(inputs, outPort)
	}
	return c.Propagate(inputs, outPort)
}

// ValidateConnection checks the upstream table of one input port against
// the contract. Aligned constraints are cross-input and checked separately
// by the graph validator.
func (c Contract) ValidateConnection(upstream Table, port int) error {
	for _, con := range c.Constraints {
		if con.Op == Aligned || !con.Applies(port) {
			continue
		}
		v := upstream.Get(con.Prop)
		switch con.Op {
		case Exists:
			if !v.Known {
				return fmt.Errorf("%w: input %d requires %v", ErrMismatch, port, con.Prop)
			}
		case EQ:
			if !v.Known {
				return fmt.Errorf("%w: input %d requires %v=%d, got unknown", ErrMismatch, port, con.Prop, con.V)
			}
			if v.V != con.V {
				return fmt.Errorf("%w: input %d requires %v=%d, got %d", ErrMismatch, port, con.Prop, con.V, v.V)
			}
		}
	}
	return nil
}

// ValidateAligned cross-checks one aligned property between the reference
// input table and another input table.
func ValidateAligned(p Property, ref, other Table, refPort, port int) error {
	rv, ov := ref.Get(p), other.Get(p)
	if !rv.Known || !ov.Known {
		return nil
	}
	if rv.V != ov.V {
		return fmt.Errorf("%w: %v differs between inputs %d (%d) and %d (%d)",
			ErrMismatch, p, refPort, rv.V, port, ov.V)
	}
	return nil
}
