package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransactionSetAndRead(t *testing.T) {
	s := New(nil)

	res, err := s.ApplyTransaction(Transaction{
		Operations: map[string]Operation{
			"arango/k": {New: "v1"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Successful)

	got := s.Read([]ReadQuery{{Path: SplitPath("/arango/k")}})
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, "v1", got[0].Value)
}

func TestApplyTransactionPreconditionFailureIsNotError(t *testing.T) {
	s := New(nil)
	_, err := s.ApplyTransaction(Transaction{
		Operations:   map[string]Operation{"arango/k": {New: "v2"}},
		Precondition: map[string]Precondition{"arango/k": {Value: "unexpected"}},
	})
	require.NoError(t, err)

	res, err := s.ApplyTransaction(Transaction{
		Operations:   map[string]Operation{"arango/k": {New: "v2"}},
		Precondition: map[string]Precondition{"arango/k": {Value: "unexpected"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Successful)

	got := s.Read([]ReadQuery{{Path: SplitPath("/arango/k")}})
	assert.False(t, got[0].Success)
}

func TestApplyTransactionMalformedIsError(t *testing.T) {
	s := New(nil)
	_, err := s.ApplyTransaction(Transaction{
		Operations: map[string]Operation{"arango/k": {Op: "not-a-real-op"}},
	})
	assert.Error(t, err)
}

func TestTriggerFiresOnMatchingPrefix(t *testing.T) {
	s := New(nil)
	var fired []string
	s.RegisterPrefixTrigger("/arango/Plan", func(path []string, value interface{}) {
		fired = append(fired, JoinPath(path))
	})

	_, err := s.ApplyTransaction(Transaction{
		Operations: map[string]Operation{
			"arango/Plan/Collections/db/coll": {New: "shard-doc"},
			"arango/Other/thing":              {New: "ignored"},
		},
	})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "/arango/Plan/Collections/db/coll", fired[0])
}

func TestTTLExpiry(t *testing.T) {
	s := New(nil)
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	_, err := s.ApplyTransaction(Transaction{
		Operations: map[string]Operation{"arango/ephemeral": {New: "x", TTL: 1}},
	})
	require.NoError(t, err)

	got := s.Read([]ReadQuery{{Path: SplitPath("/arango/ephemeral")}})
	assert.True(t, got[0].Success)

	fakeNow = fakeNow.Add(2 * time.Second)
	got = s.Read([]ReadQuery{{Path: SplitPath("/arango/ephemeral")}})
	assert.False(t, got[0].Success)
}

func TestIncrementOp(t *testing.T) {
	s := New(nil)
	_, err := s.ApplyTransaction(Transaction{Operations: map[string]Operation{"arango/n": {New: 5.0}}})
	require.NoError(t, err)
	_, err = s.ApplyTransaction(Transaction{Operations: map[string]Operation{"arango/n": {Op: "increment", New: 2.0}}})
	require.NoError(t, err)

	got := s.Read([]ReadQuery{{Path: SplitPath("/arango/n")}})
	assert.Equal(t, 7.0, got[0].Value)
}

func TestApplyLogEntriesReplaysInOrder(t *testing.T) {
	s := New(nil)
	err := s.ApplyLogEntries([][]Transaction{
		{{Operations: map[string]Operation{"arango/k": {New: "a"}}}},
		{{Operations: map[string]Operation{"arango/k": {New: "b"}}}},
	})
	require.NoError(t, err)

	got := s.Read([]ReadQuery{{Path: SplitPath("/arango/k")}})
	assert.Equal(t, "b", got[0].Value)
}
