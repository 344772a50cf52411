package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/constituent"
)

// Run drives the agent's main loop until ctx is cancelled or Close is
// called: as a Follower it waits out the election timeout, as a Candidate
// it solicits votes, and as a Leader it runs the replication loop. This
// mirrors the teacher's channel-driven runLoop idiom, generalized to the
// agency's three-role state machine (spec.md §4.3/§4.4).
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		default:
		}

		switch a.constituent.Role() {
		case constituent.Leader:
			a.runAsLeader(ctx)
		case constituent.Candidate:
			a.runElection(ctx)
		default:
			a.runAsFollower(ctx)
		}
	}
}

func (a *Agent) runAsFollower(ctx context.Context) {
	timeout := a.constituent.ElectionTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-a.shutdown:
	case <-timer.C:
		if a.constituent.Role() == constituent.Follower {
			a.constituent.BecomeCandidate()
		}
	}
}

// runElection solicits votes from the active set and transitions to Leader
// on a majority, or back to Follower on timeout or a higher observed term
// (spec.md §4.3).
func (a *Agent) runElection(ctx context.Context) {
	term := a.constituent.CurrentTerm()
	cfg := a.Config()

	lastTerm, lastIndex := a.state.LastTermIndex()
	req := constituent.RequestVoteRequest{
		Term: term, CandidateID: a.id, LastLogTerm: lastTerm, LastLogIndex: lastIndex,
	}

	timeout := a.constituent.ElectionTimeout()
	voteCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	granted := int32(1) // vote for self
	replies := make(chan constituent.RequestVoteResponse, len(cfg.Active))

	for _, peer := range cfg.Active {
		if peer == a.id {
			continue
		}
		endpoint, ok := cfg.Pool[peer]
		if !ok {
			continue
		}
		go func() {
			resp, err := a.transport.SendRequestVote(voteCtx, endpoint, req)
			if err != nil {
				return
			}
			select {
			case replies <- resp:
			case <-voteCtx.Done():
			}
		}()
	}

	quorum := int32(constituent.Quorum(len(cfg.Active)))
	if quorum <= 1 {
		quorum = 1
	}

	for {
		if atomic.LoadInt32(&granted) >= quorum {
			if a.constituent.Role() != constituent.Candidate || a.constituent.CurrentTerm() != term {
				return
			}
			a.constituent.BecomeLeader()
			a.runAsLeader(ctx)
			return
		}
		select {
		case resp := <-replies:
			if a.constituent.ObserveTerm(resp.Term) {
				return
			}
			if resp.Granted {
				atomic.AddInt32(&granted, 1)
				continue
			}
		case <-voteCtx.Done():
			if a.constituent.Role() == constituent.Candidate {
				a.constituent.LoseElection()
			}
			return
		case <-a.shutdown:
			return
		}
	}
}

// onBecomeLeader runs the leader-onboarding sequence (spec.md §4.4.5): reset
// per-follower bookkeeping, rebuild spearhead from readDB, persist a
// RECONFIGURE entry affirming the current membership, wait for it to
// commit, then start serving writes. The replication loop must already be
// running when this is called with |active| > 1: waiting for the
// RECONFIGURE commit needs followers acking it. Single-node tests drive
// onboarding directly, where self-ack alone reaches quorum.
func (a *Agent) onBecomeLeader(ctx context.Context) bool {
	atomic.StoreInt32(&a.preparing, 1)
	defer atomic.StoreInt32(&a.preparing, 0)

	a.followersMu.Lock()
	for _, fd := range a.followerPairs {
		fd.mu.Lock()
		fd.data.LastAckedIndex = a.state.FirstIndex() - 1
		fd.data.EarliestPackage = time.Time{}
		fd.mu.Unlock()
	}
	a.followersMu.Unlock()

	a.ioLock.Lock()
	snap := a.readDBSnapshot()
	a.spearhead.Restore(snap)
	a.ioLock.Unlock()

	a.transientLock.Lock()
	a.transient.Clear()
	a.transientLock.Unlock()

	cfg := a.Config()
	if err := a.persistReconfiguration(ctx, cfg); err != nil {
		a.logger.Warnw("leader onboarding reconfiguration failed", "error", err)
		a.constituent.Resign()
		return false
	}

	atomic.StoreInt32(&a.leading, 1)
	a.logger.Infow("commenced leader service", "term", a.constituent.CurrentTerm())
	return true
}

func (a *Agent) runAsLeader(ctx context.Context) {
	defer atomic.StoreInt32(&a.leading, 0)
	defer a.failAllPromises()

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The fan-out must run while onboarding waits for the RECONFIGURE entry
	// to commit: with |active| > 1 that commit needs follower acks.
	go a.runLeaderReplication(leaderCtx)

	if !a.onBecomeLeader(leaderCtx) {
		return
	}

	ticker := time.NewTicker(a.peerPingInterval())
	defer ticker.Stop()

	// Followers have not acked anything yet right after the takeover, so the
	// challenge only starts biting once a couple of windows have passed.
	graceUntil := time.Now().Add(2 * a.challengeWindow())

	for a.constituent.Role() == constituent.Leader {
		select {
		case <-ctx.Done():
			a.constituent.Resign()
			return
		case <-a.shutdown:
			a.constituent.Resign()
			return
		case <-ticker.C:
			if time.Now().After(graceUntil) && !a.ChallengeLeadership() {
				return
			}
		}
	}
}

func (a *Agent) challengeWindow() time.Duration {
	cfg := a.Config()
	window := time.Duration(float64(cfg.MaxPing) * cfg.TimeoutMult)
	if window <= 0 {
		window = time.Second
	}
	return window
}

// ChallengeLeadership is the leader's self-check that a quorum of the
// active set has acknowledged an AppendEntries within the challenge window;
// on failure the leader resigns (spec.md §7 "leader resign on majority
// timeout"). Returns whether leadership survived the challenge.
func (a *Agent) ChallengeLeadership() bool {
	cfg := a.Config()
	if len(cfg.Active) <= 1 {
		return true
	}

	window := a.challengeWindow()
	now := time.Now()
	recent := 1 // self
	for _, peer := range cfg.Active {
		if peer == a.id {
			continue
		}
		fd := a.followerDataFor(peer)
		fd.mu.Lock()
		acked := fd.data.LastAckedTime
		fd.mu.Unlock()
		if !acked.IsZero() && now.Sub(acked) <= window {
			recent++
		}
	}

	if recent < constituent.Quorum(len(cfg.Active)) {
		a.logger.Warnw("leadership challenge failed",
			"recent_acks", recent, "active", len(cfg.Active), "window", window)
		a.constituent.Resign()
		return false
	}
	return true
}
