// Package session runs conversation turns for one thread at a time and
// owns the map of live threads.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	"github.com/stupiduntilnot/chatmem/internal/control"
	"github.com/stupiduntilnot/chatmem/internal/db"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
)

var (
	// ErrEmptyMessage is returned by Turn for blank user input.
	ErrEmptyMessage = errors.New("empty user message")
	// ErrNoUserTurn is returned by Respond when the thread does not end
	// with a user turn awaiting a reply.
	ErrNoUserTurn = errors.New("no user turn awaiting a reply")
	// ErrEmptyReply marks a reply that was blank after sanitization.
	ErrEmptyReply = errors.New("model returned an empty reply")
)

// BreakerOpenError is returned while the provider circuit breaker rejects work.
type BreakerOpenError struct {
	Class   string
	RetryAt time.Time
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("model unavailable after repeated %s failures; retry after %s", e.Class, e.RetryAt.Format(time.TimeOnly))
}

// Options configures a Session.
type Options struct {
	ID        string
	ChunkSize int
	Compactor ctxpkg.Compactor
	Builder   *ctxpkg.Builder
	Provider  modelpkg.Provider
	Sanitizer ctxpkg.Sanitizer
	Policy    control.Policy
	// Breaker is shared by every session using the same provider. May be nil.
	Breaker *control.CircuitBreaker
	// Events may be nil. ParentEventID roots this session's events.
	Events        *db.EventLog
	ParentEventID int64
}

// Session is one conversation thread. Turns on a session are serialized;
// distinct sessions share no mutable state.
type Session struct {
	id        string
	compactor ctxpkg.Compactor
	builder   *ctxpkg.Builder
	provider  modelpkg.Provider
	sanitizer ctxpkg.Sanitizer
	policy    control.Policy
	breaker   *control.CircuitBreaker
	events    *db.EventLog
	parentID  int64

	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu    sync.Mutex
	store *ctxpkg.Store
}

// New creates a session and loads its persisted state through the
// builder's source. Entries skipped while loading are returned as warnings.
func New(ctx context.Context, opts Options) (*Session, []*ctxpkg.MalformedStateError, error) {
	if opts.Compactor == nil || opts.Builder == nil || opts.Provider == nil {
		return nil, nil, fmt.Errorf("session %s: compactor, builder and provider are required", opts.ID)
	}
	store, warnings, err := opts.Builder.Load(ctx, opts.ChunkSize)
	if err != nil {
		return nil, warnings, fmt.Errorf("load thread %s: %w", opts.ID, err)
	}
	return &Session{
		id:        opts.ID,
		compactor: opts.Compactor,
		builder:   opts.Builder,
		provider:  opts.Provider,
		sanitizer: opts.Sanitizer,
		policy:    opts.Policy,
		breaker:   opts.Breaker,
		events:    opts.Events,
		parentID:  opts.ParentEventID,
		Sleep:     sleepContext,
		now:       time.Now,
		store:     store,
	}, warnings, nil
}

// ID returns the thread identifier.
func (s *Session) ID() string { return s.id }

// Turn appends a user message, compacts, asks the model and records its
// reply. On any error the thread is left exactly as it was, including
// summaries produced earlier in the failed turn; a retry summarizes those
// chunks again.
func (s *Session) Turn(ctx context.Context, text string) (ctxpkg.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return ctxpkg.Turn{}, ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.store.Clone()
	user := ctxpkg.Turn{Role: ctxpkg.RoleUser, Content: text, Seq: work.NextSeq()}
	if err := work.AppendTurn(user); err != nil {
		return ctxpkg.Turn{}, err
	}
	return s.run(ctx, work)
}

// Respond answers the user turn already at the end of the thread, as
// loaded from a transcript whose last message is the new question.
func (s *Session) Respond(ctx context.Context) (ctxpkg.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Snapshot()
	if len(snap.Pending) == 0 || snap.Pending[len(snap.Pending)-1].Role != ctxpkg.RoleUser {
		return ctxpkg.Turn{}, ErrNoUserTurn
	}
	return s.run(ctx, s.store.Clone())
}

func (s *Session) run(ctx context.Context, work *ctxpkg.Store) (ctxpkg.Turn, error) {
	start := s.now()
	turnID := s.events.Log(&s.parentID, db.EventTurnStarted, map[string]any{
		"thread_id": s.id,
		"pending":   work.Len(),
		"summaries": work.SummaryCount(),
	})
	fail := func(err error) (ctxpkg.Turn, error) {
		s.events.Log(&turnID, db.EventTurnFailed, map[string]any{
			"error":     err.Error(),
			"class":     string(modelpkg.Classify(err)),
			"retryable": ctxpkg.Retryable(err),
		})
		return ctxpkg.Turn{}, err
	}

	if s.breaker != nil && !s.breaker.Allow(start) {
		return fail(&ctxpkg.ModelError{
			Retryable: true,
			Err:       &BreakerOpenError{Class: s.breaker.OpenedClass(), RetryAt: s.breaker.RetryAt()},
		})
	}

	compactCtx, cancel := s.turnContext(ctx)
	before := work.SummaryCount()
	produced, err := s.compactor.MaybeCompact(compactCtx, work)
	cancel()
	if produced > 0 {
		s.events.Log(&turnID, db.EventCompactionCompleted, map[string]any{
			"produced":  produced,
			"summaries": before + produced,
			"pending":   work.Len(),
		})
	}
	if err != nil {
		s.events.Log(&turnID, db.EventSummarizerFailed, map[string]any{"error": err.Error()})
		s.recordFailure(err)
		return fail(err)
	}

	messages := s.builder.Build(work)
	tokens := EstimateTokens(messages)
	s.events.Log(&turnID, db.EventContextAssembled, map[string]any{
		"messages":         len(messages),
		"estimated_tokens": tokens,
	})
	if err := control.CheckContextTokens(s.policy, tokens); err != nil {
		slog.Warn("assembled context over budget", "thread", s.id, "error", err)
	}

	content, attempts, err := s.generate(ctx, turnID, messages, start)
	if err != nil {
		s.recordFailure(err)
		return fail(err)
	}

	reply, err := s.builder.AppendReply(work, ctxpkg.Turn{Content: content})
	if err != nil {
		return fail(err)
	}
	s.store = work
	s.events.Log(&turnID, db.EventReplyAppended, map[string]any{
		"seq":      reply.Seq,
		"attempts": attempts,
		"chars":    len([]rune(reply.Content)),
	})
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	if err := s.builder.Save(ctx, work); err != nil {
		err = fmt.Errorf("save thread %s: %w", s.id, err)
		s.events.Log(&turnID, db.EventTurnFailed, map[string]any{"error": err.Error(), "stage": "save"})
		return reply, err
	}
	s.events.Log(&turnID, db.EventTranscriptSaved, map[string]any{
		"thread_id": s.id,
		"summaries": work.SummaryCount(),
		"turns":     work.Len(),
	})
	s.events.Log(&turnID, db.EventTurnCompleted, map[string]any{
		"duration_ms": s.now().Sub(start).Milliseconds(),
		"pending":     work.Len(),
		"summaries":   work.SummaryCount(),
	})
	return reply, nil
}

// generate calls the model with per-call timeouts and bounded retries.
func (s *Session) generate(ctx context.Context, turnID int64, messages []ctxpkg.Turn, start time.Time) (string, int, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.policy.ModelTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.policy.ModelTimeout)
		}
		resp, err := s.provider.ChatCompletion(callCtx, messages)
		cancel()
		if err == nil {
			content := ctxpkg.Chain(s.sanitizer, ctxpkg.TrimSpace).Sanitize(resp.Content)
			if content != "" {
				return content, attempt, nil
			}
			err = ErrEmptyReply
		}

		retryable := errors.Is(err, ErrEmptyReply) || modelpkg.IsRetryable(err)
		if ctx.Err() != nil {
			retryable = false
		}
		s.events.Log(&turnID, db.EventModelFailed, map[string]any{
			"attempt":   attempt,
			"error":     err.Error(),
			"class":     string(modelpkg.Classify(err)),
			"retryable": retryable,
		})
		if !retryable || !control.ShouldRetry(s.policy, attempt) {
			return "", attempt, &ctxpkg.ModelError{Attempts: attempt, Retryable: retryable, Err: err}
		}
		if limitErr := control.CheckWallTime(s.policy, start, s.now()); limitErr != nil {
			return "", attempt, &ctxpkg.ModelError{Attempts: attempt, Retryable: true, Err: errors.Join(err, limitErr)}
		}

		backoff := time.Duration(control.RetryBackoffSeconds(attempt)) * time.Second
		s.events.Log(&turnID, db.EventRetryScheduled, map[string]any{
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
		})
		slog.Warn("model call failed, retrying", "thread", s.id, "attempt", attempt, "backoff", backoff, "error", err)
		if sleepErr := s.Sleep(ctx, backoff); sleepErr != nil {
			return "", attempt, &ctxpkg.ModelError{Attempts: attempt, Retryable: false, Err: errors.Join(err, sleepErr)}
		}
	}
}

func (s *Session) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.policy.MaxWallTime > 0 {
		return context.WithTimeout(ctx, s.policy.MaxWallTime)
	}
	return ctx, func() {}
}

func (s *Session) recordFailure(err error) {
	if s.breaker == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.breaker.RecordFailure(string(modelpkg.Classify(err)), s.now())
}

// Reset clears the thread's summaries and turns and persists the empty state.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reset()
	s.events.Log(&s.parentID, db.EventThreadReset, map[string]any{"thread_id": s.id})
	return s.builder.Save(ctx, s.store)
}

// Build returns the context that the next turn would send, without the
// next user message.
func (s *Session) Build() []ctxpkg.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.Build(s.store)
}

// Stats describes the memory of a thread.
type Stats struct {
	Summaries int
	Pending   int
	ChunkSize int
	// SummarizedTurns is the number of turns folded into summaries.
	SummarizedTurns int
	// TotalTurns counts summarized and pending turns.
	TotalTurns int
	// Span is the sequence range covered by summaries; empty when none.
	Span            ctxpkg.Range
	EstimatedTokens int
}

// Stats reports the thread's current memory usage.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Snapshot()
	st := Stats{
		Summaries:       len(snap.Summaries),
		Pending:         len(snap.Pending),
		ChunkSize:       s.store.ChunkSize(),
		EstimatedTokens: EstimateTokens(s.builder.Build(s.store)),
		Span:            ctxpkg.Range{Start: 0, End: -1},
	}
	for _, sum := range snap.Summaries {
		st.SummarizedTurns += sum.Range.Len()
	}
	if n := len(snap.Summaries); n > 0 {
		st.Span = ctxpkg.Range{Start: snap.Summaries[0].Range.Start, End: snap.Summaries[n-1].Range.End}
	}
	st.TotalTurns = st.SummarizedTurns + st.Pending
	return st
}

// EstimateTokens approximates the token count of messages at four
// characters per token.
func EstimateTokens(messages []ctxpkg.Turn) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len([]rune(msg.Content))
	}
	if totalChars <= 0 {
		return 0
	}
	return (totalChars + 3) / 4
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
