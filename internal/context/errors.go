package context

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTurn       = errors.New("invalid turn")
	ErrRangeOverlap      = errors.New("summary range overlap")
	ErrInsufficientTurns = errors.New("insufficient pending turns")
	ErrSummarizer        = errors.New("summarizer failure")
	ErrModel             = errors.New("model failure")
	ErrMalformedState    = errors.New("malformed persisted state")
)

// InvalidTurnError reports a turn that breaks the ordering invariant or
// carries an unknown role. It is a caller bug and never retried.
type InvalidTurnError struct {
	Seq     int
	LastSeq int
	Role    Role
	Reason  string
}

func (e *InvalidTurnError) Error() string {
	return fmt.Sprintf("invalid turn seq=%d last_seq=%d role=%q: %s", e.Seq, e.LastSeq, e.Role, e.Reason)
}

func (e *InvalidTurnError) Unwrap() error { return ErrInvalidTurn }

// RangeOverlapError reports a summary whose range overlaps or precedes the
// last stored summary. Usually a sign of corrupted persisted state.
type RangeOverlapError struct {
	Range    Range
	Previous Range
}

func (e *RangeOverlapError) Error() string {
	return fmt.Sprintf("summary range %s overlaps or precedes previous range %s", e.Range, e.Previous)
}

func (e *RangeOverlapError) Unwrap() error { return ErrRangeOverlap }

// InsufficientTurnsError means a chunk was requested that pending cannot
// satisfy. Escaping the compactor indicates a programming error.
type InsufficientTurnsError struct {
	Want int
	Have int
}

func (e *InsufficientTurnsError) Error() string {
	return fmt.Sprintf("insufficient pending turns want=%d have=%d", e.Want, e.Have)
}

func (e *InsufficientTurnsError) Unwrap() error { return ErrInsufficientTurns }

// SummarizerError wraps a failed or unusable summarization of one chunk.
// The chunk has already been returned to pending when this is seen.
type SummarizerError struct {
	Range Range
	Err   error
}

func (e *SummarizerError) Error() string {
	return fmt.Sprintf("summarize chunk %s: %v", e.Range, e.Err)
}

func (e *SummarizerError) Unwrap() []error { return []error{ErrSummarizer, e.Err} }

// ModelError wraps a failed or timed out generation call.
type ModelError struct {
	Attempts  int
	Retryable bool
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ModelError) Unwrap() []error { return []error{ErrModel, e.Err} }

// MalformedStateError describes persisted state that violates the
// conversation format. Index is the position of the offending object in
// the persisted array, or -1 when the problem is not tied to one entry.
type MalformedStateError struct {
	Index  int
	Reason string
}

func (e *MalformedStateError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed persisted state: %s", e.Reason)
	}
	return fmt.Sprintf("malformed persisted state at entry %d: %s", e.Index, e.Reason)
}

func (e *MalformedStateError) Unwrap() error { return ErrMalformedState }

// Retryable reports whether retrying the whole turn may succeed.
func Retryable(err error) bool {
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		return modelErr.Retryable
	}
	return errors.Is(err, ErrSummarizer)
}
