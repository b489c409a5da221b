package context

// DefaultChunkSize is the compaction threshold used when none is configured.
const DefaultChunkSize = 20

// Store holds one conversation thread: raw turns not yet folded into a
// summary (pending) and the summaries produced so far.
//
// A Store is not safe for concurrent mutation. Callers serialize access
// per thread.
type Store struct {
	chunkSize int
	pending   []Turn
	summaries []Summary
	lastSeq   int
}

// Snapshot is an immutable copy of a store's state.
type Snapshot struct {
	Summaries []Summary
	Pending   []Turn
}

// NewStore creates an empty store. A non-positive chunkSize falls back to
// DefaultChunkSize.
func NewStore(chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{chunkSize: chunkSize, lastSeq: NoSeq}
}

// ChunkSize returns the compaction threshold.
func (s *Store) ChunkSize() int { return s.chunkSize }

// Len returns the number of pending turns.
func (s *Store) Len() int { return len(s.pending) }

// SummaryCount returns the number of stored summaries.
func (s *Store) SummaryCount() int { return len(s.summaries) }

// NextSeq returns the sequence index the next appended turn must carry.
func (s *Store) NextSeq() int { return s.lastSeq + 1 }

// AppendTurn adds turn to the end of pending.
func (s *Store) AppendTurn(turn Turn) error {
	if !turn.Role.Valid() {
		return &InvalidTurnError{Seq: turn.Seq, LastSeq: s.lastSeq, Role: turn.Role, Reason: "unknown role"}
	}
	if turn.Seq <= s.lastSeq {
		return &InvalidTurnError{Seq: turn.Seq, LastSeq: s.lastSeq, Role: turn.Role, Reason: "sequence index not increasing"}
	}
	s.pending = append(s.pending, turn)
	s.lastSeq = turn.Seq
	return nil
}

// AppendSummary adds summary after the last stored summary. The range must
// be well formed and start strictly after the previous summary's range.
func (s *Store) AppendSummary(summary Summary) error {
	if summary.Range.End < summary.Range.Start {
		return &RangeOverlapError{Range: summary.Range, Previous: summary.Range}
	}
	if n := len(s.summaries); n > 0 {
		prev := s.summaries[n-1].Range
		if summary.Range.Start <= prev.End {
			return &RangeOverlapError{Range: summary.Range, Previous: prev}
		}
	}
	summary.Index = len(s.summaries)
	s.summaries = append(s.summaries, summary)
	if summary.Range.End > s.lastSeq {
		s.lastSeq = summary.Range.End
	}
	return nil
}

// TakePendingChunk removes and returns the first n pending turns.
func (s *Store) TakePendingChunk(n int) ([]Turn, error) {
	if n <= 0 || n > len(s.pending) {
		return nil, &InsufficientTurnsError{Want: n, Have: len(s.pending)}
	}
	chunk := make([]Turn, n)
	copy(chunk, s.pending[:n])
	s.pending = append([]Turn(nil), s.pending[n:]...)
	return chunk, nil
}

// ReturnChunk puts a chunk previously taken with TakePendingChunk back at
// the front of pending, unmodified.
func (s *Store) ReturnChunk(chunk []Turn) error {
	if len(chunk) == 0 {
		return nil
	}
	last := chunk[len(chunk)-1]
	if len(s.pending) > 0 && last.Seq >= s.pending[0].Seq {
		return &InvalidTurnError{Seq: last.Seq, LastSeq: s.pending[0].Seq, Role: last.Role, Reason: "returned chunk does not precede pending"}
	}
	restored := make([]Turn, 0, len(chunk)+len(s.pending))
	restored = append(restored, chunk...)
	restored = append(restored, s.pending...)
	s.pending = restored
	return nil
}

// Snapshot returns a copy of the current summaries and pending turns.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Summaries: append([]Summary(nil), s.summaries...),
		Pending:   append([]Turn(nil), s.pending...),
	}
}

// Clone returns an independent copy of the store.
func (s *Store) Clone() *Store {
	snap := s.Snapshot()
	return &Store{
		chunkSize: s.chunkSize,
		pending:   snap.Pending,
		summaries: snap.Summaries,
		lastSeq:   s.lastSeq,
	}
}

// Reset drops all pending turns and summaries. The sequence counter keeps
// counting so indexes stay monotonic for the life of the thread.
func (s *Store) Reset() {
	s.pending = nil
	s.summaries = nil
}
