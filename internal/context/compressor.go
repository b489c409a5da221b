package context

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Policy names a compaction strategy. The two policies produce different
// summary boundaries and must not be mixed within one deployment.
type Policy string

const (
	// PolicyChunk summarizes every full chunk of pending turns.
	PolicyChunk Policy = "chunk"
	// PolicyOverlap keeps the most recent turns verbatim and summarizes
	// only what is older than the overlap window.
	PolicyOverlap Policy = "overlap"
)

// DefaultOverlap is the overlap window used by PolicyOverlap when none is set.
const DefaultOverlap = 10

var errUnusableSummary = errors.New("summarizer returned empty text")

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(name))) {
	case PolicyChunk, "":
		return PolicyChunk, nil
	case PolicyOverlap:
		return PolicyOverlap, nil
	default:
		return "", fmt.Errorf("unknown compaction policy %q (want %q or %q)", name, PolicyChunk, PolicyOverlap)
	}
}

// NewCompactor builds the compactor for policy. overlap is only used by
// PolicyOverlap and must be smaller than chunkSize.
func NewCompactor(policy Policy, summarizer Summarizer, sanitizer Sanitizer, chunkSize, overlap int) (Compactor, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("compactor requires a summarizer")
	}
	switch policy {
	case PolicyChunk, "":
		return &ChunkCompactor{Summarizer: summarizer, Sanitizer: sanitizer}, nil
	case PolicyOverlap:
		if overlap <= 0 || overlap >= chunkSize {
			return nil, fmt.Errorf("overlap must be in (0, %d), got %d", chunkSize, overlap)
		}
		return &OverlapCompactor{Summarizer: summarizer, Sanitizer: sanitizer, Overlap: overlap}, nil
	default:
		return nil, fmt.Errorf("unknown compaction policy %q", policy)
	}
}

// ChunkCompactor folds pending turns into summaries one full chunk at a
// time. A trailing partial chunk stays verbatim until it fills.
type ChunkCompactor struct {
	Summarizer Summarizer
	Sanitizer  Sanitizer
}

// MaybeCompact runs whenever pending holds at least one full chunk, and
// keeps going until less than a chunk remains.
func (c *ChunkCompactor) MaybeCompact(ctx context.Context, store *Store) (int, error) {
	size := store.ChunkSize()
	produced := 0
	for store.Len() >= size {
		chunk, err := store.TakePendingChunk(size)
		if err != nil {
			return produced, err
		}
		if err := summarizeChunk(ctx, store, chunk, c.Summarizer, c.Sanitizer); err != nil {
			return produced, err
		}
		produced++
	}
	if produced > 0 {
		slog.Debug("compaction completed", "policy", PolicyChunk, "summaries", produced, "pending", store.Len())
	}
	return produced, nil
}

// OverlapCompactor keeps the newest Overlap turns verbatim when the chunk
// threshold is reached and summarizes everything older, in chunks of at
// most the store's chunk size.
type OverlapCompactor struct {
	Summarizer Summarizer
	Sanitizer  Sanitizer
	Overlap    int
}

func (c *OverlapCompactor) MaybeCompact(ctx context.Context, store *Store) (int, error) {
	size := store.ChunkSize()
	if store.Len() < size {
		return 0, nil
	}
	overlap := c.Overlap
	if overlap >= size {
		overlap = size - 1
	}
	if overlap < 0 {
		overlap = 0
	}

	produced := 0
	eligible := store.Len() - overlap
	for eligible > 0 {
		n := min(size, eligible)
		chunk, err := store.TakePendingChunk(n)
		if err != nil {
			return produced, err
		}
		if err := summarizeChunk(ctx, store, chunk, c.Summarizer, c.Sanitizer); err != nil {
			return produced, err
		}
		eligible -= n
		produced++
	}
	slog.Debug("compaction completed", "policy", PolicyOverlap, "summaries", produced, "pending", store.Len())
	return produced, nil
}

// summarizeChunk commits one summary for chunk, or puts the chunk back at
// the front of pending and reports why.
func summarizeChunk(ctx context.Context, store *Store, chunk []Turn, summarizer Summarizer, sanitizer Sanitizer) error {
	r := rangeOf(chunk)

	fail := func(cause error) error {
		if err := store.ReturnChunk(chunk); err != nil {
			return fmt.Errorf("rollback chunk %s: %w", r, err)
		}
		slog.Warn("summarization failed; chunk returned to pending", "range", r.String(), "error", cause)
		return &SummarizerError{Range: r, Err: cause}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	text, err := summarizer.Summarize(ctx, chunk)
	if err != nil {
		return fail(err)
	}
	text = sanitize(sanitizer, text)
	if strings.TrimSpace(text) == "" {
		return fail(errUnusableSummary)
	}
	if err := store.AppendSummary(Summary{Content: text, Range: r}); err != nil {
		if rbErr := store.ReturnChunk(chunk); rbErr != nil {
			return fmt.Errorf("rollback chunk %s: %w", r, rbErr)
		}
		return err
	}
	return nil
}
