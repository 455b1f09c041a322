package models

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error taxonomy of §7: each classification or
// conversion failure is tagged with exactly one kind, which determines how
// the Scheduler records and (non-)retries it.
type ErrorKind string

const (
	// ErrNotApplicable: file is not Profile 7 (including "already P8");
	// recorded as scanned, not marked failed.
	ErrNotApplicable ErrorKind = "not_applicable"

	// ErrInputError: file missing, unreadable, or not MKV; recorded as
	// failed with the cause.
	ErrInputError ErrorKind = "input_error"

	// ErrProbeError: a sub-tool returned nonzero during classification;
	// recorded as scanned with a null profile so the scheduler does not
	// rescan it every cycle.
	ErrProbeError ErrorKind = "probe_error"

	// ErrClassifierInconclusive: Stage C could not produce a definite
	// answer; recorded as Profile 7 / EL_Unknown and treated as
	// FEL_Complex for auto-processing.
	ErrClassifierInconclusive ErrorKind = "classifier_inconclusive"

	// ErrCriticalIO: disk full, permission denied, read-only filesystem
	// during conversion; non-retryable, recorded as failed, operator
	// intervention required.
	ErrCriticalIO ErrorKind = "critical_io"

	// ErrStreamError: bitstream/timestamp issues in turbo; automatically
	// retried via the safe path.
	ErrStreamError ErrorKind = "stream_error"

	// ErrVerificationFailed: frame-count mismatch against the authoritative
	// source; non-retryable on this attempt; original preserved, partial
	// deleted.
	ErrVerificationFailed ErrorKind = "verification_failed"

	// ErrTimeout: a child process exceeded its per-call ceiling; treated
	// as StreamError for turbo, as CriticalIO otherwise.
	ErrTimeout ErrorKind = "timeout"

	// ErrInsufficientDiskSpace: the disk-space precondition of §5 was not
	// satisfied before starting conversion.
	ErrInsufficientDiskSpace ErrorKind = "insufficient_disk_space"

	// ErrBackupExists: a backup already exists at the target name; the
	// swap step refuses to silently overwrite it (§6).
	ErrBackupExists ErrorKind = "backup_exists"
)

// PipelineError wraps an underlying cause with an ErrorKind and the path it
// concerns, so callers can branch on Kind without string-matching messages.
type PipelineError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError constructs a PipelineError.
func NewPipelineError(kind ErrorKind, path string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Path: path, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *PipelineError, returning ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
