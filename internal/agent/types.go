// Package agent implements the Raft agency: the orchestrator that drives
// Constituent, State and Store(s), and exposes the read/write/transient/
// inquire/gossip/poll contract described in spec.md §4.4.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/constituent"
	"github.com/sunil10patil/arangodb-agency/internal/state"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

// Error kinds surfaced to callers (spec.md §7). NotLeaderError and
// PoolMismatchError carry data, the rest are sentinels.
var (
	ErrResigned             = errors.New("agent: resigned")
	ErrTimeout              = errors.New("agent: timeout")
	ErrNotReady             = errors.New("agent: not ready")
	ErrIDReassignmentDenied = errors.New("agent: sender id not in completed pool")
)

// NotLeaderError is returned by write-path operations when this agent is
// not the leader, carrying a redirect hint if one is known.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "agent: not leader"
	}
	return "agent: not leader, try " + e.Leader
}

// PoolMismatchError reports a gossip conflict. Fatal mismatches (a
// conflicting id→endpoint mapping) abort the process per spec.md §7.
type PoolMismatchError struct {
	Fatal bool
}

func (e *PoolMismatchError) Error() string {
	if e.Fatal {
		return "agent: fatal pool disagreement"
	}
	return "agent: pool mismatch"
}

// Configuration is the agency's cluster configuration (spec.md §3).
type Configuration struct {
	ID          string
	Endpoint    string
	Active      []string
	Pool        map[string]string
	Size        int
	MinPing     time.Duration
	MaxPing     time.Duration
	TimeoutMult float64
	Supervision bool
}

func (c Configuration) clone() Configuration {
	out := c
	out.Active = append([]string(nil), c.Active...)
	out.Pool = make(map[string]string, len(c.Pool))
	for k, v := range c.Pool {
		out.Pool[k] = v
	}
	return out
}

// FollowerData is the leader's bookkeeping for one peer (spec.md §3).
type FollowerData struct {
	LastAckedIndex  uint64
	LastAckedTime   time.Time
	LastEmptyAcked  time.Time
	LastSent        time.Time
	EarliestPackage time.Time
}

// SnapshotPayload is prepended to an AppendEntriesRequest when the
// follower's log does not reach back far enough (spec.md §4.4.1 step 4).
type SnapshotPayload struct {
	ReadDB map[string]interface{}
	Index  uint64
	Term   uint64
}

// AppendEntriesRequest mirrors the RPC described in spec.md §6.
type AppendEntriesRequest struct {
	Term            uint64
	LeaderID        string
	PrevLogIndex    uint64
	PrevLogTerm     uint64
	LeaderCommit    uint64
	SenderTimestamp time.Time
	Snapshot        *SnapshotPayload
	Entries         []state.Entry
}

// AppendEntriesResponse mirrors the RPC response.
type AppendEntriesResponse struct {
	OK      bool
	Term    uint64
	Highest uint64
	ToLog   int
	Sent    bool
}

// Transport abstracts peer-to-peer delivery so the agent package does not
// depend on any particular wire format; internal/httpapi implements it over
// the agency_priv REST endpoints (spec.md §6).
type Transport interface {
	SendAppendEntries(ctx context.Context, endpoint string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	SendRequestVote(ctx context.Context, endpoint string, req constituent.RequestVoteRequest) (constituent.RequestVoteResponse, error)
}

// WriteMode mirrors the `mode` argument of the write operation
// (spec.md §4.4 table); it is currently advisory (e.g. "waitForSync").
type WriteMode string

// WriteResult is returned by Write.
type WriteResult struct {
	Accepted bool
	Leader   string
	Applied  []bool
	Indexes  []uint64
}

// TransactItem is either a read (Path set) or a write (Trx set).
type TransactItem struct {
	Path []string
	Trx  *store.Transaction
}

// TransactResult is returned by Transact.
type TransactResult struct {
	Accepted    bool
	Leader      string
	MaxIndex    uint64
	FailedCount int
	Results     []interface{}
}

// GossipMessage is a pool proposal exchanged by gossip (spec.md §4.4.3).
type GossipMessage struct {
	SenderID string
	Pool     map[string]string
	Size     int
}

// GossipResult is the outcome of merging a gossip proposal.
type GossipResult struct {
	Pool  map[string]string
	Fatal bool
}

// PollResult is returned by Poll.
type PollResult struct {
	Leader      string
	IsLeader    bool
	FirstIndex  uint64
	CommitIndex uint64
	Log         []byte // wire.Slice
	Snapshot    map[string]interface{}
}
