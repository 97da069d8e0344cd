package backend

import (
	"context"
	"fmt"

	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// Backend names accepted in job requests. The set of constructed adapters
// is further narrowed by COMPUTE_BACKENDS.
const (
	BackendKubernetes    = "kubernetes"
	BackendHTCondorCERN  = "htcondorcern"
	BackendSlurmCERN     = "slurmcern"
	BackendCompute4PUNCH = "compute4punch"
)

// Phase is the abstract job phase reported by a backend
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
	PhaseFailed   Phase = "failed"
	PhaseUnknown  Phase = "unknown"
)

// Adapter is the polymorphic contract over one external compute system.
//
// Submit must be idempotent across retries: invoked twice with the same
// job, the second call returns the existing backend job id rather than
// creating a duplicate. Stop is best-effort and translates "already
// terminated" into success. FetchLogs pulls the final logs or the best
// available partial.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, job *models.Job) (backendJobID string, err error)
	Stop(ctx context.Context, job *models.Job) error
	FetchLogs(ctx context.Context, job *models.Job) (string, error)
	PollStatus(ctx context.Context, backendJobID string) (Phase, error)
}

// SubmissionError classifies a submit failure. Permanent errors (bad image
// reference, workspace escape, rejected spec) fail fast; everything else
// is retried with backoff up to the job's max restart count.
type SubmissionError struct {
	Err       error
	Permanent bool
	// Diagnostic is a one-line operator-facing message recorded into the
	// job logs with the "[job-controller]" prefix when the job terminalizes
	Diagnostic string
}

func (e *SubmissionError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%v (%s)", e.Err, e.Diagnostic)
	}
	return e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PermanentSubmissionError builds a fail-fast submission error
func PermanentSubmissionError(diagnostic string, err error) *SubmissionError {
	return &SubmissionError{Err: err, Permanent: true, Diagnostic: diagnostic}
}

// TransientSubmissionError builds a retryable submission error
func TransientSubmissionError(diagnostic string, err error) *SubmissionError {
	return &SubmissionError{Err: err, Permanent: false, Diagnostic: diagnostic}
}

// StopError reports a backend that refused a stop request. "Already gone"
// is never a StopError; adapters translate that into success.
type StopError struct {
	Backend string
	Err     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("%s stop failed: %v", e.Backend, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}
