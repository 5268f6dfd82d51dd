package flow

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Configuration and connection errors are returned synchronously by New,
// Connect and NewPipeline. Runtime errors inside a worker goroutine are
// captured into the filter's last-error record and never cross goroutine
// boundaries.
var (
	// ErrInvalidConfig is returned when a filter or pipeline
	// configuration is missing required fields or out of range.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrNilFilter is returned when a connection names a nil filter.
	ErrNilFilter = errors.New("nil filter")
	// ErrNilBuffer is returned when a connection would wire a nil buffer.
	ErrNilBuffer = errors.New("nil buffer")
	// ErrConnectionOccupied is returned when an output port is already
	// connected.
	ErrConnectionOccupied = errors.New("connection occupied")
	// ErrInvalidSinkIndex is returned for out-of-range ports.
	ErrInvalidSinkIndex = errors.New("invalid sink index")
	// ErrDtypeMismatch is returned when two connected ports carry
	// different sample types.
	ErrDtypeMismatch = errors.New("dtype mismatch")
	// ErrWidthMismatch is returned when two connected ports carry
	// different batch capacities.
	ErrWidthMismatch = errors.New("batch width mismatch")
	// ErrAlreadyRunning is returned by Start on a running filter.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNoSink is returned by Start when a filter that requires a sink
	// has none connected.
	ErrNoSink = errors.New("no sink connected")
	// ErrNotImplemented is returned by reserved operations.
	ErrNotImplemented = errors.New("not implemented")
	// ErrDeinitialized is returned when a deinitialized filter is used.
	ErrDeinitialized = errors.New("filter deinitialized")
)

// LastError records a worker failure: the error itself plus the source
// location that recorded it. It is observed by the filter's owner after
// the worker exits; it is never thrown across goroutines.
type LastError struct {
	Err  error
	File string
	Line int
	Time time.Time
}

func (e *LastError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

// Unwrap returns the recorded error.
func (e *LastError) Unwrap() error {
	return e.Err
}

// newLastError captures the caller location skip frames up.
func newLastError(err error, skip int) *LastError {
	_, file, line, _ := runtime.Caller(skip + 1)
	return &LastError{
		Err:  err,
		File: file,
		Line: line,
		Time: time.Now(),
	}
}
