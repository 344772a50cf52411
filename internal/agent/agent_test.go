package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunil10patil/arangodb-agency/internal/constituent"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

// noopTransport is used for single-node tests where there are no peers to
// contact; SendAppendEntries/SendRequestVote are never expected to fire.
type noopTransport struct{}

func (noopTransport) SendAppendEntries(context.Context, string, AppendEntriesRequest) (AppendEntriesResponse, error) {
	return AppendEntriesResponse{}, nil
}

func (noopTransport) SendRequestVote(context.Context, string, constituent.RequestVoteRequest) (constituent.RequestVoteResponse, error) {
	return constituent.RequestVoteResponse{}, nil
}

// newSoloAgent builds a single-node agent and forces it straight into the
// Leader role with onboarding complete, bypassing the election timer so
// tests can exercise the write/read/poll/inquire contract deterministically.
func newSoloAgent(t *testing.T) *Agent {
	t.Helper()
	a := New(Options{
		ID: "self",
		Config: Configuration{
			ID: "self", Active: []string{"self"}, Pool: map[string]string{"self": "local"},
			Size: 1, MinPing: 5 * time.Millisecond, MaxPing: 10 * time.Millisecond,
		},
		Transport: noopTransport{},
	})
	a.constituent.BecomeCandidate()
	a.constituent.BecomeLeader()
	require.True(t, a.onBecomeLeader(context.Background()))
	require.True(t, a.IsLeading())
	return a
}

func TestWriteAssignsIndexAndCommits(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	result, err := a.Write([]store.Transaction{{
		Operations: map[string]store.Operation{"/arango/Plan/Foo": {New: "bar"}},
	}}, "")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	require.Len(t, result.Applied, 1)
	assert.True(t, result.Applied[0])
	require.Len(t, result.Indexes, 1)
	assert.Greater(t, result.Indexes[0], uint64(0))

	a.advanceCommitIndex()
	assert.GreaterOrEqual(t, a.CommitIndex(), result.Indexes[0])

	rr := a.Read([]store.ReadQuery{{Path: []string{"arango", "Plan", "Foo"}}})
	require.Len(t, rr, 1)
	assert.True(t, rr[0].Success)
	assert.Equal(t, "bar", rr[0].Value)
}

func TestWriteRejectedWhenNotLeading(t *testing.T) {
	a := New(Options{ID: "self", Config: Configuration{Active: []string{"self"}}, Transport: noopTransport{}})
	defer a.Close()

	_, err := a.Write([]store.Transaction{{Operations: map[string]store.Operation{"/x": {New: 1}}}}, "")
	require.Error(t, err)
	var nle *NotLeaderError
	assert.ErrorAs(t, err, &nle)
}

func TestPrecondititionFailureIsReportedNotError(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	_, err := a.Write([]store.Transaction{{
		Operations:   map[string]store.Operation{"/x": {New: 1}},
		Precondition: map[string]store.Precondition{"/x": {Value: "impossible"}},
	}}, "")
	require.NoError(t, err)

	result, err := a.Write([]store.Transaction{{
		Operations:   map[string]store.Operation{"/x": {New: 1}},
		Precondition: map[string]store.Precondition{"/x": {Value: "impossible"}},
	}}, "")
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)
	assert.False(t, result.Applied[0])
}

func TestInquireReturnsAssignedIndexOnceSettled(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	result, err := a.Write([]store.Transaction{{
		Operations: map[string]store.Operation{"/y": {New: 1}},
		ClientID:   "client-1",
	}}, "")
	require.NoError(t, err)

	indexes := a.Inquire([]string{"client-1"})
	assert.Equal(t, result.Indexes[0], indexes["client-1"])
}

func TestPollReturnsImmediatelyWhenAlreadyCommitted(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	result, err := a.Write([]store.Transaction{{
		Operations: map[string]store.Operation{"/z": {New: 1}},
	}}, "")
	require.NoError(t, err)
	a.advanceCommitIndex()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pr, err := a.Poll(ctx, result.Indexes[0], time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, pr.Log)
}

func TestPollWakesOnLaterCommit(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	waitIndex := a.state.LastIndex() + 1

	done := make(chan PollResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pr, err := a.Poll(ctx, waitIndex, 2*time.Second)
		require.NoError(t, err)
		done <- pr
	}()

	time.Sleep(20 * time.Millisecond)
	result, err := a.Write([]store.Transaction{{
		Operations: map[string]store.Operation{"/w": {New: 1}},
	}}, "")
	require.NoError(t, err)
	require.Equal(t, waitIndex, result.Indexes[0])
	a.advanceCommitIndex()

	select {
	case pr := <-done:
		assert.NotEmpty(t, pr.Log)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake after commit")
	}
}

func TestWaitForReturnsOKOnceCommitted(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	result, err := a.Write([]store.Transaction{{
		Operations: map[string]store.Operation{"/v": {New: 1}},
	}}, "")
	require.NoError(t, err)

	done := make(chan WaitResult, 1)
	go func() { done <- a.WaitFor(result.Indexes[0], 2*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	a.advanceCommitIndex()

	select {
	case res := <-done:
		assert.Equal(t, WaitOK, res)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after commit")
	}
}

func TestWaitForTimesOutOnUnreachableIndex(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	res := a.WaitFor(a.state.LastIndex()+100, 50*time.Millisecond)
	assert.Equal(t, WaitTimeout, res)
}

func TestWaitForReportsUnknownOnLeadershipLoss(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	done := make(chan WaitResult, 1)
	go func() { done <- a.WaitFor(a.state.LastIndex()+100, 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	a.constituent.Resign()

	select {
	case res := <-done:
		assert.Equal(t, WaitUnknown, res)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not observe resignation")
	}
}

func TestPollBelowFirstIndexReturnsSnapshot(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pr, err := a.Poll(ctx, 0, time.Second)
	require.NoError(t, err)
	assert.True(t, pr.IsLeader)
	assert.NotNil(t, pr.Snapshot)
	assert.Empty(t, pr.Log)
}

func TestPollOnFollowerReturnsImmediately(t *testing.T) {
	a := New(Options{ID: "self", Config: Configuration{Active: []string{"self"}}, Transport: noopTransport{}})
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	pr, err := a.Poll(ctx, 5, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, pr.IsLeader)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChallengeLeadershipResignsWithoutQuorumAcks(t *testing.T) {
	a := New(Options{
		ID: "self",
		Config: Configuration{
			ID: "self", Active: []string{"self", "b", "c"},
			Pool:    map[string]string{"self": "l", "b": "l", "c": "l"},
			Size:    3,
			MaxPing: 10 * time.Millisecond, TimeoutMult: 1,
		},
		Transport: noopTransport{},
	})
	defer a.Close()
	a.constituent.BecomeCandidate()
	a.constituent.BecomeLeader()

	// No follower has ever acked: the challenge must fail and resign.
	assert.False(t, a.ChallengeLeadership())
	assert.Equal(t, constituent.Follower, a.constituent.Role())
}

func TestGossipRejectsStrangerOncePoolComplete(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()

	_, err := a.Gossip(context.Background(), GossipMessage{
		SenderID: "stranger", Pool: map[string]string{"stranger": "http://x"}, Size: 1,
	})
	assert.ErrorIs(t, err, ErrIDReassignmentDenied)
}

func TestTransientBypassesReplication(t *testing.T) {
	a := newSoloAgent(t)
	defer a.Close()
	before := a.CommitIndex()

	res, err := a.Transient([]store.Transaction{{
		Operations: map[string]store.Operation{"/session/1": {New: "alive"}},
	}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Successful)
	assert.Equal(t, before, a.CommitIndex())
}
