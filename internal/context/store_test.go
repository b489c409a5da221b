package context

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendTurns(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.AppendTurn(Turn{Role: role, Content: "m", Seq: s.NextSeq()}))
	}
}

func TestStore_AppendTurnRejectsNonIncreasingSeq(t *testing.T) {
	s := NewStore(5)
	require.NoError(t, s.AppendTurn(Turn{Role: RoleUser, Content: "a", Seq: 3}))

	err := s.AppendTurn(Turn{Role: RoleAssistant, Content: "b", Seq: 3})
	var invalid *InvalidTurnError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 3, invalid.LastSeq)
	assert.True(t, errors.Is(err, ErrInvalidTurn))

	err = s.AppendTurn(Turn{Role: RoleAssistant, Content: "b", Seq: 1})
	assert.ErrorIs(t, err, ErrInvalidTurn)
	assert.Equal(t, 1, s.Len())
}

func TestStore_AppendTurnRejectsUnknownRole(t *testing.T) {
	s := NewStore(5)
	err := s.AppendTurn(Turn{Role: "tool", Content: "x", Seq: 0})
	assert.ErrorIs(t, err, ErrInvalidTurn)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AppendSummaryRejectsOverlap(t *testing.T) {
	s := NewStore(5)
	require.NoError(t, s.AppendSummary(Summary{Content: "one", Range: Range{Start: 0, End: 4}}))

	err := s.AppendSummary(Summary{Content: "two", Range: Range{Start: 4, End: 8}})
	var overlap *RangeOverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, Range{Start: 0, End: 4}, overlap.Previous)

	assert.ErrorIs(t, s.AppendSummary(Summary{Content: "old", Range: Range{Start: 0, End: 2}}), ErrRangeOverlap)
	assert.ErrorIs(t, s.AppendSummary(Summary{Content: "bad", Range: Range{Start: 9, End: 7}}), ErrRangeOverlap)

	require.NoError(t, s.AppendSummary(Summary{Content: "two", Range: Range{Start: 5, End: 9}}))
	snap := s.Snapshot()
	require.Len(t, snap.Summaries, 2)
	assert.Equal(t, 1, snap.Summaries[1].Index)
}

func TestStore_AppendSummaryAdvancesSeq(t *testing.T) {
	s := NewStore(5)
	require.NoError(t, s.AppendSummary(Summary{Content: "one", Range: Range{Start: 0, End: 4}}))
	assert.Equal(t, 5, s.NextSeq())
}

func TestStore_TakePendingChunkFIFO(t *testing.T) {
	s := NewStore(5)
	appendTurns(t, s, 7)

	chunk, err := s.TakePendingChunk(5)
	require.NoError(t, err)
	require.Len(t, chunk, 5)
	assert.Equal(t, 0, chunk[0].Seq)
	assert.Equal(t, 4, chunk[4].Seq)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 5, s.Snapshot().Pending[0].Seq)
}

func TestStore_TakePendingChunkInsufficient(t *testing.T) {
	s := NewStore(5)
	appendTurns(t, s, 3)

	_, err := s.TakePendingChunk(4)
	var insufficient *InsufficientTurnsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Want)
	assert.Equal(t, 3, insufficient.Have)
	assert.Equal(t, 3, s.Len(), "failed take must not remove turns")

	_, err = s.TakePendingChunk(0)
	assert.ErrorIs(t, err, ErrInsufficientTurns)
}

func TestStore_ReturnChunkRestoresOrder(t *testing.T) {
	s := NewStore(3)
	appendTurns(t, s, 5)
	before := s.Snapshot().Pending

	chunk, err := s.TakePendingChunk(3)
	require.NoError(t, err)
	require.NoError(t, s.ReturnChunk(chunk))
	assert.Equal(t, before, s.Snapshot().Pending)

	assert.ErrorIs(t, s.ReturnChunk(chunk), ErrInvalidTurn, "chunk that does not precede pending is rejected")
}

func TestStore_SnapshotIsImmutable(t *testing.T) {
	s := NewStore(3)
	appendTurns(t, s, 2)
	snap := s.Snapshot()
	snap.Pending[0].Content = "changed"
	assert.Equal(t, "m", s.Snapshot().Pending[0].Content)
}

func TestStore_CloneIsIndependent(t *testing.T) {
	s := NewStore(3)
	appendTurns(t, s, 2)
	c := s.Clone()
	appendTurns(t, c, 1)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 2, s.NextSeq())
}

func TestStore_ResetKeepsSequenceMonotonic(t *testing.T) {
	s := NewStore(3)
	appendTurns(t, s, 4)
	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.SummaryCount())
	assert.Equal(t, 4, s.NextSeq())
}

func TestNewStore_DefaultChunkSize(t *testing.T) {
	assert.Equal(t, DefaultChunkSize, NewStore(0).ChunkSize())
}
