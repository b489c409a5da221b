package context

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Builder assembles the message sequence sent to the model and merges the
// model's reply back into a store. Persistence goes through the injected
// Source and Sink; either may be nil for purely in-memory threads.
type Builder struct {
	Persona string
	Source  Source
	Sink    Sink
}

// NewBuilder creates a Builder with the given persona/system instructions.
func NewBuilder(persona string, source Source, sink Sink) *Builder {
	return &Builder{Persona: persona, Source: source, Sink: sink}
}

// Build returns persona + summaries + pending turns, in that order.
func (b *Builder) Build(store *Store) []Turn {
	snap := store.Snapshot()
	messages := make([]Turn, 0, 1+len(snap.Summaries)+len(snap.Pending))
	messages = append(messages, Turn{Role: RoleSystem, Content: b.Persona, Seq: NoSeq})
	for _, s := range snap.Summaries {
		messages = append(messages, Turn{Role: RoleAssistant, Content: s.Content, Seq: NoSeq})
	}
	messages = append(messages, snap.Pending...)
	return messages
}

// AppendReply records the model's reply as the next assistant turn.
func (b *Builder) AppendReply(store *Store, reply Turn) (Turn, error) {
	reply.Role = RoleAssistant
	reply.Seq = store.NextSeq()
	if err := store.AppendTurn(reply); err != nil {
		return Turn{}, err
	}
	return reply, nil
}

// Load reads the persisted transcript through Source and rebuilds a store.
// Entries skipped during decoding are returned as warnings.
func (b *Builder) Load(ctx context.Context, chunkSize int) (*Store, []*MalformedStateError, error) {
	if b.Source == nil {
		return NewStore(chunkSize), nil, nil
	}
	t, err := b.Source.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := StoreFromTranscript(t, chunkSize)
	if err != nil {
		return nil, t.Warnings, err
	}
	for _, w := range t.Warnings {
		slog.Warn("skipped persisted entry", "index", w.Index, "reason", w.Reason)
	}
	return store, t.Warnings, nil
}

// Save writes the store through Sink.
func (b *Builder) Save(ctx context.Context, store *Store) error {
	if b.Sink == nil {
		return nil
	}
	return b.Sink.Save(ctx, TranscriptOf(store))
}

// StoreFromTranscript seeds a store from persisted state. Summary texts
// carry no ranges on disk, so each is assumed to cover chunkSize turns,
// laid out contiguously from index 0. Empty placeholder summaries are
// dropped. Turns are renumbered after the last inferred range.
func StoreFromTranscript(t Transcript, chunkSize int) (*Store, error) {
	store := NewStore(chunkSize)
	size := store.ChunkSize()
	next := 0
	for _, text := range t.Summaries {
		if strings.TrimSpace(text) == "" {
			continue
		}
		r := Range{Start: next, End: next + size - 1}
		if err := store.AppendSummary(Summary{Content: text, Range: r}); err != nil {
			return nil, err
		}
		next = r.End + 1
	}
	for _, turn := range t.Turns {
		if turn.Role == RoleSystem {
			return nil, &MalformedStateError{Index: -1, Reason: "system turns cannot be persisted"}
		}
		turn.Seq = store.NextSeq()
		if err := store.AppendTurn(turn); err != nil {
			return nil, fmt.Errorf("restore turn: %w", err)
		}
	}
	return store, nil
}

// TranscriptOf converts a store into its persisted form.
func TranscriptOf(store *Store) Transcript {
	snap := store.Snapshot()
	t := Transcript{
		Summaries: make([]string, 0, len(snap.Summaries)),
		Turns:     snap.Pending,
	}
	for _, s := range snap.Summaries {
		t.Summaries = append(t.Summaries, s.Content)
	}
	return t
}
