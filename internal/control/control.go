package control

import (
	"fmt"
	"time"
)

// Policy defines per-turn limits and retry behavior.
type Policy struct {
	// ModelTimeout bounds a single generation call.
	ModelTimeout time.Duration
	// MaxWallTime bounds a whole turn, retries included. Zero disables it.
	MaxWallTime time.Duration
	MaxRetries  int
	// MaxContextTokens is the estimated token budget for an assembled
	// context. Zero disables the check.
	MaxContextTokens int
}

// DefaultPolicy returns the default turn policy.
func DefaultPolicy() Policy {
	return Policy{
		ModelTimeout: 120 * time.Second,
		MaxWallTime:  300 * time.Second,
		MaxRetries:   2,
	}
}

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitWallTime      LimitType = "max_wall_time_seconds"
	LimitContextTokens LimitType = "max_context_tokens"
)

// LimitError indicates a run limit was reached.
type LimitError struct {
	Type      LimitType
	Value     int64
	Threshold int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s value=%d threshold=%d", e.Type, e.Value, e.Threshold)
}

// CheckWallTime validates elapsed time against policy.
func CheckWallTime(p Policy, startedAt time.Time, now time.Time) error {
	limit := p.MaxWallTime
	if limit <= 0 {
		return nil
	}
	elapsed := now.Sub(startedAt)
	if elapsed > limit {
		return &LimitError{
			Type:      LimitWallTime,
			Value:     int64(elapsed.Seconds()),
			Threshold: int64(limit.Seconds()),
		}
	}
	return nil
}

// CheckContextTokens validates an estimated context size against policy.
func CheckContextTokens(p Policy, estimated int) error {
	if p.MaxContextTokens <= 0 || estimated <= p.MaxContextTokens {
		return nil
	}
	return &LimitError{Type: LimitContextTokens, Value: int64(estimated), Threshold: int64(p.MaxContextTokens)}
}

// RetryBackoffSeconds computes exponential backoff with a fixed cap.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	seconds := 1 << (attempt - 1)
	if seconds > 30 {
		return 30
	}
	return seconds
}

// ShouldRetry returns whether a failed attempt should be retried.
func ShouldRetry(p Policy, attempts int) bool {
	return attempts <= p.MaxRetries
}
