package flow

import (
	"errors"
	"fmt"
	"io"

	"batchpipe.dev/flow/batch"
)

// Generate returns a source worker. fn fills the allocated batch (samples,
// cursors, timing) on every call and returns io.EOF when the stream ends;
// io.EOF marks the last filled batch as complete. The batch is replicated
// to every connected output port.
func Generate(fn func(out *batch.Batch) error) Worker {
	return WorkerFunc(func(f *Filter) error {
		outs := connectedOutputs(f)
		if len(outs) == 0 {
			return ErrNoSink
		}
		for f.Running() {
			bt, err := outs[0].AllocateHead(f.Timeout())
			switch {
			case errors.Is(err, batch.ErrTimeout), errors.Is(err, batch.ErrNoSpace):
				continue
			case errors.Is(err, batch.ErrStopped):
				return nil
			case err != nil:
				return err
			}
			genErr := fn(bt)
			if genErr != nil && genErr != io.EOF {
				bt.Tail = bt.Head
				outs[0].Submit(bt)
				return genErr
			}
			if genErr == io.EOF {
				bt.EC = batch.ECComplete
			}
			// replicate before Submit: the slot may be recycled
			// right after commit.
			replicate(f, bt, outs[1:])
			f.Measure(bt.Len())
			outs[0].Submit(bt)
			if genErr == io.EOF {
				return nil
			}
		}
		propagateComplete(f, outs)
		return nil
	})
}

// Transform returns a single-input worker. Every input batch is copied
// into a fresh batch of each connected output and fn maps the input onto
// the copy; a nil fn passes batches through unchanged. Completion and
// stop propagate downstream.
func Transform(fn func(in, out *batch.Batch) error) Worker {
	return WorkerFunc(func(f *Filter) error {
		in := f.Input(0)
		if in == nil {
			return fmt.Errorf("%w: transform requires input 0", ErrInvalidConfig)
		}
		for f.Running() {
			bt, err := in.GetTail(f.Timeout())
			switch {
			case errors.Is(err, batch.ErrTimeout):
				continue
			case errors.Is(err, batch.ErrStopped):
				propagateComplete(f, connectedOutputs(f))
				return nil
			case err != nil:
				return err
			}
			outs := connectedOutputs(f)
			var failed error
			for _, ob := range outs {
				out, aerr := allocateHead(f, ob)
				if errors.Is(aerr, batch.ErrNoSpace) {
					continue // dropped by output policy
				}
				if aerr != nil {
					failed = aerr
					break
				}
				bt.CopyTo(out)
				if fn != nil {
					if ferr := fn(bt, out); ferr != nil {
						out.Tail = out.Head
						ob.Submit(out)
						failed = ferr
						break
					}
				}
				ob.Submit(out)
			}
			done := bt.EC == batch.ECComplete
			f.Measure(bt.Len())
			in.DeleteTail()
			switch {
			case errors.Is(failed, batch.ErrStopped):
				return nil
			case failed != nil:
				return failed
			case done:
				return nil
			}
		}
		propagateComplete(f, connectedOutputs(f))
		return nil
	})
}

// Consume returns a sink worker. fn observes every input batch, including
// the completion batch; a nil fn discards batches.
func Consume(fn func(in *batch.Batch) error) Worker {
	return WorkerFunc(func(f *Filter) error {
		in := f.Input(0)
		if in == nil {
			return fmt.Errorf("%w: consume requires input 0", ErrInvalidConfig)
		}
		for f.Running() {
			bt, err := in.GetTail(f.Timeout())
			switch {
			case errors.Is(err, batch.ErrTimeout):
				continue
			case errors.Is(err, batch.ErrStopped):
				return nil
			case err != nil:
				return err
			}
			var ferr error
			if fn != nil {
				ferr = fn(bt)
			}
			done := bt.EC == batch.ECComplete
			f.Measure(bt.Len())
			in.DeleteTail()
			if ferr != nil {
				return ferr
			}
			if done {
				return nil
			}
		}
		return nil
	})
}

// connectedOutputs collects the wired downstream buffers in port order.
func connectedOutputs(f *Filter) []*batch.Buffer {
	outs := make([]*batch.Buffer, 0, f.Outputs())
	for p := 0; p < f.Outputs(); p++ {
		if b := f.Output(p); b != nil {
			outs = append(outs, b)
		}
	}
	return outs
}

// allocateHead reserves a slot on an output buffer, looping on timeout
// while the filter keeps running.
func allocateHead(f *Filter, ob *batch.Buffer) (*batch.Batch, error) {
	for {
		out, err := ob.AllocateHead(f.Timeout())
		if errors.Is(err, batch.ErrTimeout) {
			if !f.Running() {
				return nil, batch.ErrStopped
			}
			continue
		}
		return out, err
	}
}

// replicate copies a filled batch into each extra output.
func replicate(f *Filter, bt *batch.Batch, outs []*batch.Buffer) {
	for _, ob := range outs {
		out, err := allocateHead(f, ob)
		if err != nil {
			continue
		}
		bt.CopyTo(out)
		ob.Submit(out)
	}
}

// propagateComplete submits an empty completion batch to every output so
// downstream filters finish instead of waiting forever. Delivery is best
// effort: a full DropTail output loses the batch (DropHead evicts the
// oldest to make room), and the downstream filter then finishes on Stop
// instead.
func propagateComplete(f *Filter, outs []*batch.Buffer) {
	for _, ob := range outs {
		out, err := ob.AllocateHead(f.Timeout())
		if err != nil {
			continue
		}
		out.EC = batch.ECComplete
		ob.Submit(out)
	}
}
