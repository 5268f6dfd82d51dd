/*
Package flow is a batch-oriented streaming dataflow engine for real-time
sample processing.

Concept

Independent processing stages called filters are connected into a directed
acyclic graph. Every leaf filter runs its own goroutine; filters exchange
fixed-capacity batches of typed samples through bounded single-producer/
single-consumer ring buffers (package batch). A buffer has one of three
overflow policies: Block applies backpressure, DropHead evicts the oldest
batch, DropTail discards the newest.

Filters

A filter owns its input buffers and holds references to the input buffers
of its downstream filters as outputs. It is created with a Config naming
the worker entry point:

	src, err := flow.New(flow.Config{
		Name:     "gen",
		MaxSinks: 1,
		Buffer:   batch.Config{DType: batch.Float32, BatchCapacity: 64, Slots: 4},
		Worker:   flow.Generate(gen),
	})

Generate, Transform and Consume build workers that follow the uniform loop
contract: pull with a bounded wait, loop on timeout, propagate a completion
batch downstream on stop or stream end, record any other error into the
filter's last-error cell and exit. Completion delivery is best effort: a
full drop-policy buffer may lose the completion batch, and the downstream
filter then finishes on Stop instead. Errors never cross goroutine boundaries;
the owner observes them through Err and Health after Stop.

Pipelines

A pipeline is a filter whose body is a sub-graph of member filters and
connections. Its external ports forward to designated internal filters by
buffer sharing, so composition adds no copies and no goroutines, and
pipelines nest naturally. Starting a pipeline first validates the graph:
properties (data type, sample period, batch capacity bounds) are
propagated from sources to sinks in topological order and incompatible
connections are rejected before anything runs (package prop).

A member worker fault does not stop its siblings. The pipeline leaves the
error in the failing member for the owner to observe and act on; this is a
deliberate policy, not an omission.
*/
package flow
