// Package processor runs the analysis for one job. Implementations report
// failures as TransientError or PermanentError; anything else is treated as
// transient.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/analysis-worker/internal/job"
)

// Result is the analysis output for one job.
type Result struct {
	Output   json.RawMessage
	Model    string
	Duration time.Duration
}

// Processor analyses a job. Process may run arbitrarily long; the worker
// never cancels ctx because of heartbeat staleness. Implementations call
// heartbeat.ReportProgress(ctx) as work advances; one that stays silent past
// the worker's max silence is treated as stuck.
type Processor interface {
	Process(ctx context.Context, j job.Job) (Result, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, j job.Job) (Result, error)

func (f Func) Process(ctx context.Context, j job.Job) (Result, error) { return f(ctx, j) }

// TransientError wraps a failure that may succeed on retry.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will not succeed on retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify maps a processing error to an ErrorKind.
func Classify(err error) job.ErrorKind {
	var perm *PermanentError
	if errors.As(err, &perm) || errors.Is(err, job.ErrMalformedMessage) {
		return job.KindPermanent
	}
	return job.KindTransient
}

// PanicError carries a recovered panic from inside Process.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("processor panic: %v", e.Value) }
