package flow

import "fmt"

// Connection is a structural edge of a pipeline graph: it wires one
// filter's output port to another filter's input port. Connections are
// not runtime objects; they exist as wiring inside a pipeline's
// connection table, used for validation and topological sort.
type Connection struct {
	From     *Filter
	FromPort int
	To       *Filter
	ToPort   int
}

// Convert connection to a string.
func (c Connection) String() string {
	return fmt.Sprintf("%v:%d -> %v:%d", c.From, c.FromPort, c.To, c.ToPort)
}

// Connect wires src's output port to dst's input buffer. The call routes
// through src's SinkConnect, so connecting to a pipeline transparently
// wires its internal output filter.
func Connect(src *Filter, srcPort int, dst *Filter, dstPort int) error {
	if src == nil || dst == nil {
		return ErrNilFilter
	}
	if dstPort < 0 || dstPort >= dst.Inputs() {
		return fmt.Errorf("%w: input %d of %d", ErrInvalidSinkIndex, dstPort, dst.Inputs())
	}
	in := dst.Input(dstPort)
	if in == nil {
		return fmt.Errorf("%w: %v input %d", ErrNilBuffer, dst, dstPort)
	}
	return src.SinkConnect(srcPort, in)
}
