package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

func payload(key, value string) []store.Transaction {
	return []store.Transaction{{Operations: map[string]store.Operation{key: {New: value}}}}
}

func TestLogLeaderMultiAssignsDenseIndexes(t *testing.T) {
	s := New(nil, nil)
	indexes, err := s.LogLeaderMulti([][]store.Transaction{payload("a", "1"), payload("b", "2")}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, indexes)
	assert.Equal(t, uint64(1), s.FirstIndex())
	assert.Equal(t, uint64(2), s.LastIndex())
}

func TestLogFollowerRejectsNonContiguous(t *testing.T) {
	s := New(nil, nil)
	_, err := s.LogFollower([]Entry{{Index: 5, Term: 1, Payload: payload("a", "1")}})
	assert.ErrorIs(t, err, ErrNonContiguous)
}

func TestLogFollowerTruncatesOnConflict(t *testing.T) {
	s := New(nil, nil)
	_, err := s.LogFollower([]Entry{
		{Index: 1, Term: 1, Payload: payload("a", "1")},
		{Index: 2, Term: 1, Payload: payload("b", "1")},
		{Index: 3, Term: 1, Payload: payload("c", "1")},
	})
	require.NoError(t, err)

	// A new leader at term 2 overwrites index 2 onward.
	last, err := s.LogFollower([]Entry{
		{Index: 2, Term: 2, Payload: payload("b", "2")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	entries, err := s.Get(1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Term)
	assert.Equal(t, uint64(2), entries[1].Term)
}

func TestCompactRetainsKeepSizeAndBoundaryEntry(t *testing.T) {
	s := New(nil, nil)
	var entries []Entry
	for i := uint64(1); i <= 10; i++ {
		entries = append(entries, Entry{Index: i, Term: 1, Payload: payload("k", "v")})
	}
	_, err := s.LogFollower(entries)
	require.NoError(t, err)

	require.NoError(t, s.Compact(8, 3))

	assert.Equal(t, uint64(5), s.FirstIndex())
	assert.Equal(t, uint64(5), s.LastCompactionAt())
	assert.Equal(t, uint64(10), s.LastIndex())

	idx, term, ok := s.LoadLastCompactedSnapshot(store.New(nil))
	require.True(t, ok)
	assert.Equal(t, uint64(5), idx)
	assert.Equal(t, uint64(1), term)
}

func TestSnapshotPlusTrailingLogReproducesState(t *testing.T) {
	s := New(nil, nil)
	full := store.New(nil)
	for i := uint64(1); i <= 10; i++ {
		p := payload("counter", string(rune('a'+i)))
		_, err := s.LogLeaderMulti([][]store.Transaction{p}, 1, nil)
		require.NoError(t, err)
		require.NoError(t, full.ApplyLogEntries([][]store.Transaction{p}))
	}

	require.NoError(t, s.Compact(10, 4))

	rebuilt := store.New(nil)
	idx, _, ok := s.LoadLastCompactedSnapshot(rebuilt)
	require.True(t, ok)
	slices, err := s.Slices(idx+1, 10)
	require.NoError(t, err)
	require.NoError(t, rebuilt.ApplyLogEntries(slices))

	assert.Equal(t, full.Snapshot(), rebuilt.Snapshot())
}

func TestInstallSnapshotResetsLogToBoundary(t *testing.T) {
	s := New(nil, nil)
	s.InstallSnapshot(map[string]interface{}{"k": "v"}, 50, 3)

	assert.Equal(t, uint64(50), s.FirstIndex())
	assert.Equal(t, uint64(50), s.LastIndex())
	assert.Equal(t, uint64(50), s.LastCompactionAt())

	// Entries from the boundary onward connect without a gap.
	last, err := s.LogFollower([]Entry{
		{Index: 50, Term: 3, Payload: payload("k", "v")},
		{Index: 51, Term: 3, Payload: payload("k", "w")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(51), last)
}

func TestToVelocyPackEncodesRange(t *testing.T) {
	s := New(nil, nil)
	_, err := s.LogLeaderMulti([][]store.Transaction{payload("a", "1"), payload("b", "2")}, 1, nil)
	require.NoError(t, err)

	slice, first, err := s.ToVelocyPack(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	assert.NotEmpty(t, slice)
}
