package constituent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLog struct {
	term, index uint64
}

func (f fakeLog) LastTermIndex() (uint64, uint64) { return f.term, f.index }

func TestVoteGrantedForUpToDateCandidate(t *testing.T) {
	c := New("self", Config{MinPing: 10 * time.Millisecond, MaxPing: 20 * time.Millisecond, TimeoutMult: 1}, nil)
	resp := c.HandleRequestVote(RequestVoteRequest{
		Term: 1, CandidateID: "peer", LastLogTerm: 0, LastLogIndex: 0,
	}, fakeLog{term: 0, index: 0})
	assert.True(t, resp.Granted)
	assert.Equal(t, uint64(1), resp.Term)
}

func TestVoteDeniedForStaleLog(t *testing.T) {
	c := New("self", Config{MinPing: 10 * time.Millisecond, MaxPing: 20 * time.Millisecond}, nil)
	resp := c.HandleRequestVote(RequestVoteRequest{
		Term: 5, CandidateID: "peer", LastLogTerm: 0, LastLogIndex: 0,
	}, fakeLog{term: 2, index: 10})
	assert.False(t, resp.Granted)
}

func TestVoteDeniedWhenAlreadyVotedForAnotherCandidate(t *testing.T) {
	c := New("self", Config{MinPing: 10 * time.Millisecond, MaxPing: 20 * time.Millisecond}, nil)
	first := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateID: "a"}, fakeLog{})
	assert.True(t, first.Granted)

	second := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateID: "b"}, fakeLog{})
	assert.False(t, second.Granted)

	repeat := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateID: "a"}, fakeLog{})
	assert.True(t, repeat.Granted)
}

func TestObserveHigherTermStepsDown(t *testing.T) {
	c := New("self", Config{}, nil)
	c.BecomeCandidate()
	assert.Equal(t, Candidate, c.Role())

	stepped := c.ObserveTerm(100)
	assert.True(t, stepped)
	assert.Equal(t, Follower, c.Role())
	assert.Equal(t, uint64(100), c.CurrentTerm())
}

func TestElectionTimeoutWithinBounds(t *testing.T) {
	c := New("self", Config{MinPing: 10 * time.Millisecond, MaxPing: 20 * time.Millisecond, TimeoutMult: 2}, nil)
	for i := 0; i < 20; i++ {
		d := c.ElectionTimeout()
		assert.GreaterOrEqual(t, d, 20*time.Millisecond)
		assert.Less(t, d, 40*time.Millisecond+1)
	}
}
