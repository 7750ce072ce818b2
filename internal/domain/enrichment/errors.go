package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a per-key failure as retryable or not.
type ErrorKind int

const (
	// KindTransient failures (timeouts, rate limiting, temporary outages) are
	// retried up to the configured number of attempts.
	KindTransient ErrorKind = iota
	// KindPermanent failures (not found, malformed input, authorization) are
	// recorded after a single attempt.
	KindPermanent
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name so logs and skip files stay readable.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind previously written with MarshalText.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "transient":
		*k = KindTransient
	case "permanent":
		*k = KindPermanent
	default:
		return fmt.Errorf("unknown error kind %q", b)
	}
	return nil
}

// Reason narrows down why a lookup failed.
type Reason string

const (
	ReasonNotFound       Reason = "not_found"
	ReasonMalformedInput Reason = "malformed_input"
	ReasonUnauthorized   Reason = "unauthorized"
	ReasonTimeout        Reason = "timeout"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonUnavailable    Reason = "unavailable"
	ReasonUnknown        Reason = "unknown"
)

// LookupError is returned by lookup collaborators to signal how a failure
// should be treated.
type LookupError struct {
	Kind   ErrorKind
	Reason Reason
	Err    error
}

// NewTransientError wraps err as a retryable lookup failure.
func NewTransientError(reason Reason, err error) *LookupError {
	return &LookupError{Kind: KindTransient, Reason: reason, Err: err}
}

// NewPermanentError wraps err as a non-retryable lookup failure.
func NewPermanentError(reason Reason, err error) *LookupError {
	return &LookupError{Kind: KindPermanent, Reason: reason, Err: err}
}

func (e *LookupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s lookup failure (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s lookup failure (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Is matches on kind, and on reason when the target sets one.
func (e *LookupError) Is(target error) bool {
	t, ok := target.(*LookupError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is checks against lookup failures of a given kind.
var (
	ErrTransientLookup = &LookupError{Kind: KindTransient}
	ErrPermanentLookup = &LookupError{Kind: KindPermanent}
)

// Classify maps an arbitrary lookup error onto an ErrorKind and Reason.
// Explicit LookupErrors win. Timeouts are transient. Anything unclassified is
// treated as transient so it gets the bounded retry rather than being dropped
// on first sight.
func Classify(err error) (ErrorKind, Reason) {
	var le *LookupError
	if errors.As(err, &le) {
		reason := le.Reason
		if reason == "" {
			reason = ReasonUnknown
		}
		return le.Kind, reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, ReasonTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient, ReasonTimeout
	}

	return KindTransient, ReasonUnknown
}

// KeyFailure is the terminal failure of one work key. It is recorded in the
// checkpoint and the skip log; it never aborts the run.
type KeyFailure struct {
	Key      WorkKey
	Index    int
	Kind     ErrorKind
	Reason   Reason
	Attempts int
	Err      error
	FailedAt time.Time
}

func (f *KeyFailure) Error() string {
	return fmt.Sprintf("key %s failed %s after %d attempt(s): %v", f.Key, f.Kind, f.Attempts, f.Err)
}

func (f *KeyFailure) Unwrap() error { return f.Err }

// ExtractionError means the work set could not be produced. It is fatal to the
// run and happens before any batch starts.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("work set extraction from %s failed: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is reports whether target is an *ExtractionError.
func (e *ExtractionError) Is(target error) bool {
	_, ok := target.(*ExtractionError)
	return ok
}

// CheckpointCorruptError means a checkpoint exists but cannot be trusted. The
// operator has to inspect it; it is never silently discarded.
type CheckpointCorruptError struct {
	Location string
	Err      error
}

func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("checkpoint at %s is corrupt: %v", e.Location, e.Err)
}

func (e *CheckpointCorruptError) Unwrap() error { return e.Err }

// Is reports whether target is a *CheckpointCorruptError.
func (e *CheckpointCorruptError) Is(target error) bool {
	_, ok := target.(*CheckpointCorruptError)
	return ok
}

// SinkWriteError means output could not be durably written. The checkpoint
// must not advance past it.
type SinkWriteError struct {
	Sink string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s write failed: %v", e.Sink, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// Is reports whether target is a *SinkWriteError.
func (e *SinkWriteError) Is(target error) bool {
	_, ok := target.(*SinkWriteError)
	return ok
}

var (
	// ErrInterrupted is returned when the run stops because its context was
	// canceled. The last commit stands and the run is resumable.
	ErrInterrupted = errors.New("run interrupted")

	// ErrWorkSetChanged is returned when the work set no longer matches the
	// one the checkpoint was taken against.
	ErrWorkSetChanged = errors.New("work set changed since checkpoint was created; reset required")

	// ErrInvalidStateTransition is returned for illegal run state changes.
	ErrInvalidStateTransition = errors.New("invalid run state transition")
)
