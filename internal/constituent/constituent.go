// Package constituent implements the agency's Raft role machine:
// Follower/Candidate/Leader transitions, the randomized election timer,
// and the RequestVote grant rule (spec.md §4.3).
package constituent

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"go.uber.org/zap"
)

// Role is one of the three Raft roles.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// voteSummary remembers the last term this node voted in and for whom, so
// a repeated RequestVote for the same candidate in the same term is
// answered identically (spec.md §4.3 vote rule).
type voteSummary struct {
	term      uint64
	candidate string
}

// LogInfo is the subset of the replicated log the vote rule needs to judge
// log recency, satisfied by *state.State.
type LogInfo interface {
	LastTermIndex() (term, index uint64)
}

// RequestVoteRequest mirrors the RPC described in spec.md §4.3/§6.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogTerm  uint64
	LastLogIndex uint64
}

// RequestVoteResponse mirrors the RPC response.
type RequestVoteResponse struct {
	ServerID string
	Term     uint64
	Granted  bool
}

// Constituent holds the role, term and vote bookkeeping for one agent. It
// does not perform any I/O itself; the agent package drives it.
type Constituent struct {
	mu sync.RWMutex

	id   string
	role Role

	currentTerm uint64
	votedFor    voteSummary
	leaderHint  string

	minPing     time.Duration
	maxPing     time.Duration
	timeoutMult float64

	rng *rand.Rand

	logger *zap.SugaredLogger
}

// Config holds the timing parameters from the agency Configuration
// (spec.md §3).
type Config struct {
	MinPing     time.Duration
	MaxPing     time.Duration
	TimeoutMult float64
}

// New creates a Constituent starting as a Follower in term 0.
func New(id string, cfg Config, logger *zap.SugaredLogger) *Constituent {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.TimeoutMult <= 0 {
		cfg.TimeoutMult = 1
	}
	return &Constituent{
		id:          id,
		role:        Follower,
		minPing:     cfg.MinPing,
		maxPing:     cfg.MaxPing,
		timeoutMult: cfg.TimeoutMult,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashString(id)))),
		logger:      logger,
	}
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Role reports the current role.
func (c *Constituent) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// CurrentTerm reports the current term.
func (c *Constituent) CurrentTerm() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTerm
}

// LeaderHint reports the id of the last known leader, if any.
func (c *Constituent) LeaderHint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderHint
}

// ElectionTimeout returns a random duration in
// [minPing·timeoutMult, maxPing·timeoutMult), as used both for the
// follower-to-candidate timer and the candidate's own election timer.
func (c *Constituent) ElectionTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	lo := time.Duration(float64(c.minPing) * c.timeoutMult)
	hi := time.Duration(float64(c.maxPing) * c.timeoutMult)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
}

// SetLeaderHint records the currently known leader without changing role.
func (c *Constituent) SetLeaderHint(leader string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderHint = leader
}

// ObserveTerm steps down to Follower if term is strictly higher than the
// current term, per spec.md §4.3 ("Any → Follower: observing a strictly
// higher term"). Returns true if a step-down occurred.
func (c *Constituent) ObserveTerm(term uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term <= c.currentTerm {
		return false
	}
	c.currentTerm = term
	if c.role != Follower {
		c.logger.Infow("stepping down to follower: observed higher term",
			"id", c.id, "observed_term", term, "previous_role", c.role.String())
	}
	c.role = Follower
	return true
}

// BecomeCandidate transitions Follower→Candidate on election timeout,
// incrementing the term and voting for self.
func (c *Constituent) BecomeCandidate() (term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTerm++
	c.role = Candidate
	c.leaderHint = ""
	c.votedFor = voteSummary{term: c.currentTerm, candidate: c.id}
	c.logger.Infow("election started", "id", c.id, "term", c.currentTerm)
	metrics.ElectionsTotal.Inc()
	return c.currentTerm
}

// BecomeLeader transitions Candidate→Leader after winning a majority.
func (c *Constituent) BecomeLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = Leader
	c.leaderHint = c.id
	c.logger.Infow("won election", "id", c.id, "term", c.currentTerm)
	metrics.IsLeader.Set(1)
}

// Resign transitions Leader→Follower, e.g. after a failed leadership
// challenge or on shutdown (spec.md §4.3/§7).
func (c *Constituent) Resign() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Infow("resigning leadership", "id", c.id, "term", c.currentTerm)
	c.role = Follower
	c.leaderHint = ""
	metrics.IsLeader.Set(0)
}

// LoseElection transitions Candidate→Follower after an election timeout
// without a majority.
func (c *Constituent) LoseElection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == Candidate {
		c.role = Follower
	}
}

// AcceptLeader transitions to Follower and records leader, used when a
// valid AppendEntries arrives from a peer at term ≥ self.term.
func (c *Constituent) AcceptLeader(leader string, term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term > c.currentTerm {
		c.currentTerm = term
	}
	c.role = Follower
	c.leaderHint = leader
}

// HandleRequestVote implements the vote grant rule (spec.md §4.3):
//
//	grant iff termOfPeer ≥ currentTerm ∧ (votedFor ∈ {∅, peer} in that term)
//	∧ peer's log is at least as up to date as ours.
//
// The caller is responsible for persisting (currentTerm, votedFor) before
// the response is sent on the wire, matching "Persist before replying".
func (c *Constituent) HandleRequestVote(req RequestVoteRequest, log LogInfo) RequestVoteResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := RequestVoteResponse{ServerID: c.id, Term: c.currentTerm, Granted: false}

	if req.Term < c.currentTerm {
		return resp
	}

	if req.Term > c.currentTerm {
		c.currentTerm = req.Term
		c.role = Follower
		resp.Term = c.currentTerm
	}

	if c.votedFor.term == c.currentTerm && c.votedFor.candidate != "" && c.votedFor.candidate != req.CandidateID {
		return resp
	}

	lastTerm, lastIndex := log.LastTermIndex()
	if req.LastLogTerm < lastTerm {
		return resp
	}
	if req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex {
		return resp
	}

	c.votedFor = voteSummary{term: c.currentTerm, candidate: req.CandidateID}
	resp.Granted = true
	return resp
}

// Quorum computes the majority size for an active set of the given size.
func Quorum(size int) int {
	return size/2 + 1
}
