package context

import "context"

// Summarizer reduces one non-empty chunk of turns to summary text.
type Summarizer interface {
	Summarize(ctx context.Context, chunk []Turn) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, chunk []Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, chunk []Turn) (string, error) {
	return f(ctx, chunk)
}

// Compactor folds eligible pending turns into summaries. It returns the
// number of summaries appended to the store.
type Compactor interface {
	MaybeCompact(ctx context.Context, store *Store) (int, error)
}

// Transcript is the logical persisted form of a thread: summary texts in
// order followed by the raw turns that are not covered by any summary.
type Transcript struct {
	Summaries []string
	Turns     []Turn
	// Warnings lists entries skipped while decoding.
	Warnings []*MalformedStateError
}

// Source loads a persisted transcript.
type Source interface {
	Load(ctx context.Context) (Transcript, error)
}

// Sink persists a transcript.
type Sink interface {
	Save(ctx context.Context, t Transcript) error
}
