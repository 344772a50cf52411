package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/metrics"
)

// followerMutexPair is one peer's FollowerData plus the private mutex that
// guards it (spec.md §5: "each FollowerData's own mutex").
type followerMutexPair struct {
	mu   sync.Mutex
	data *FollowerData
}

// runLeaderReplication is the leader's background fan-out loop (spec.md
// §4.4.1): for each active peer, build and send an AppendEntries carrying
// whatever log suffix (plus snapshot, if needed) the peer has not yet
// acknowledged, then fold quorum acknowledgement into commitIndex.
func (a *Agent) runLeaderReplication(ctx context.Context) {
	ticker := time.NewTicker(a.peerPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.replicateToAllPeers(ctx)
		case <-a.appendSignal:
			a.replicateToAllPeers(ctx)
		}
	}
}

func (a *Agent) peerPingInterval() time.Duration {
	cfg := a.Config()
	if cfg.MinPing <= 0 {
		return 50 * time.Millisecond
	}
	return cfg.MinPing
}

func (a *Agent) replicateToAllPeers(ctx context.Context) {
	cfg := a.Config()
	for _, peer := range cfg.Active {
		if peer == a.id {
			continue
		}
		endpoint, ok := cfg.Pool[peer]
		if !ok {
			continue
		}
		peer, endpoint := peer, endpoint
		go a.sendAppendEntriesRPC(ctx, peer, endpoint)
	}
}

// sendAppendEntriesRPC sends one AppendEntries to peer, prepending a
// snapshot if the peer's acknowledged index is behind our log's first
// index (spec.md §4.4.1 step 4).
func (a *Agent) sendAppendEntriesRPC(ctx context.Context, peer, endpoint string) {
	fd := a.followerDataFor(peer)

	fd.mu.Lock()
	if time.Now().Before(fd.data.EarliestPackage) {
		fd.mu.Unlock()
		return
	}
	// Block the peer for the package window; a reply (success or failure)
	// shortens it again below.
	fd.data.EarliestPackage = time.Now().Add(30 * time.Second)
	nextIndex := fd.data.LastAckedIndex + 1
	fd.mu.Unlock()

	firstIndex := a.state.FirstIndex()
	lastIndex := a.state.LastIndex()

	req := AppendEntriesRequest{
		Term:            a.constituent.CurrentTerm(),
		LeaderID:        a.id,
		LeaderCommit:    a.CommitIndex(),
		SenderTimestamp: time.Now(),
	}

	if nextIndex < firstIndex {
		snap, snapIndex, snapTerm, ok := a.state.CompactedSnapshot()
		if !ok {
			nextIndex = firstIndex
		} else {
			req.Snapshot = &SnapshotPayload{ReadDB: snap, Index: snapIndex, Term: snapTerm}
			req.PrevLogIndex = snapIndex
			req.PrevLogTerm = snapTerm
			// Resend from the boundary entry itself so the follower's log is
			// never left empty after installing the snapshot.
			nextIndex = snapIndex
		}
	} else if nextIndex > 1 {
		if prev, err := a.state.Get(nextIndex-1, nextIndex-1); err == nil && len(prev) == 1 {
			req.PrevLogIndex = prev[0].Index
			req.PrevLogTerm = prev[0].Term
		}
	}

	if nextIndex <= lastIndex {
		entries, err := a.state.Get(nextIndex, lastIndex)
		if err == nil {
			req.Entries = entries
		}
	}

	timer := metrics.NewTimer()
	rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := a.transport.SendAppendEntries(rpcCtx, endpoint, req)
	timer.ObserveDurationVec(metrics.ReplicationRTT, peer)
	if err != nil {
		a.logger.Debugw("append entries failed", "peer", peer, "error", err)
		metrics.AppendEntriesTotal.WithLabelValues(peer, "error").Inc()
		fd.mu.Lock()
		fd.data.EarliestPackage = time.Now().Add(time.Second)
		fd.mu.Unlock()
		return
	}

	if a.constituent.ObserveTerm(resp.Term) {
		metrics.AppendEntriesTotal.WithLabelValues(peer, "stepped_down").Inc()
		return
	}
	if !resp.OK {
		// The peer could not connect our prefix to its log: resend from the
		// beginning next round, which triggers the snapshot path if the
		// needed entries are already compacted away.
		metrics.AppendEntriesTotal.WithLabelValues(peer, "rejected").Inc()
		fd.mu.Lock()
		fd.data.LastAckedIndex = 0
		fd.data.EarliestPackage = time.Now().Add(time.Second)
		fd.mu.Unlock()
		return
	}
	metrics.AppendEntriesTotal.WithLabelValues(peer, "accepted").Inc()

	fd.mu.Lock()
	fd.data.EarliestPackage = time.Now()
	fd.data.LastAckedTime = time.Now()
	fd.data.LastSent = time.Now()
	if len(req.Entries) == 0 {
		fd.data.LastEmptyAcked = time.Now()
	}
	if resp.Highest > fd.data.LastAckedIndex {
		fd.data.LastAckedIndex = resp.Highest
	} else if len(req.Entries) > 0 {
		fd.data.LastAckedIndex = req.Entries[len(req.Entries)-1].Index
	}
	fd.mu.Unlock()

	a.advanceCommitIndex()
}

// advanceCommitIndex recomputes commitIndex as the highest index acked by a
// quorum of the active set (spec.md §4.4.1 "advance commit index"), applies
// newly committed entries to readDB, and wakes waiters (poll promises and
// waitForCV).
func (a *Agent) advanceCommitIndex() {
	cfg := a.Config()
	quorum := 1
	acked := []uint64{a.state.LastIndex()}
	if len(cfg.Active) > 0 {
		quorum = (len(cfg.Active) / 2) + 1
		acked = acked[:0]
		for _, peer := range cfg.Active {
			if peer == a.id {
				acked = append(acked, a.state.LastIndex())
				continue
			}
			fd := a.followerDataFor(peer)
			fd.mu.Lock()
			acked = append(acked, fd.data.LastAckedIndex)
			fd.mu.Unlock()
		}
	}

	newCommit := nthHighest(acked, quorum)
	if newCommit > a.CommitIndex() {
		// Only an entry replicated in the current term may advance commit
		// (Raft figure-8 safety, spec.md L4): an older-term entry at quorum
		// becomes committed implicitly once a current-term entry above it
		// does.
		if term, ok := a.state.TermAt(newCommit); !ok || term != a.constituent.CurrentTerm() {
			return
		}
	}
	a.applyCommitted(newCommit)
}

// applyCommitted advances commitIndex to newCommit (never backwards) and
// folds the newly committed log slice into readDB, under outputLock so
// reads never observe a partially applied commit.
func (a *Agent) applyCommitted(newCommit uint64) {
	a.outputLock.Lock()
	if newCommit <= a.commitIndex {
		a.outputLock.Unlock()
		return
	}
	from := a.commitIndex + 1
	slices, err := a.state.Slices(from, newCommit)
	if err != nil {
		a.outputLock.Unlock()
		a.logger.Warnw("failed to load committed slice", "from", from, "to", newCommit, "error", err)
		return
	}
	if err := a.readDB.ApplyLogEntries(slices); err != nil {
		a.outputLock.Unlock()
		a.logger.Errorw("failed to apply committed entries to readDB", "error", err)
		return
	}
	a.commitIndex = newCommit
	a.waitCond.Broadcast()
	a.outputLock.Unlock()

	metrics.CommitIndex.Set(float64(newCommit))
	metrics.LastLogIndex.Set(float64(a.state.LastIndex()))

	a.maybeCompact(newCommit)
	a.wakePromises(newCommit)
}

func (a *Agent) readDBSnapshot() map[string]interface{} {
	a.outputLock.RLock()
	defer a.outputLock.RUnlock()
	return a.readDB.Snapshot()
}

// maybeCompact folds the committed prefix into a snapshot once the active
// log has outgrown the threshold; only committed entries are ever folded.
func (a *Agent) maybeCompact(commit uint64) {
	last := a.state.LastIndex()
	first := a.state.FirstIndex()
	if last-first < a.compactThreshold {
		return
	}
	if err := a.state.Compact(commit, a.compactKeepSize); err != nil {
		a.logger.Warnw("compaction failed", "error", err)
	}
}

// recvAppendEntriesRPC is the follower-side handler (spec.md §6
// agency_priv/appendEntries).
func (a *Agent) recvAppendEntriesRPC(req AppendEntriesRequest) AppendEntriesResponse {
	a.constituent.ObserveTerm(req.Term)
	if req.Term < a.constituent.CurrentTerm() {
		return AppendEntriesResponse{OK: false, Term: a.constituent.CurrentTerm()}
	}
	a.constituent.AcceptLeader(req.LeaderID, req.Term)

	if req.Snapshot != nil {
		a.state.InstallSnapshot(req.Snapshot.ReadDB, req.Snapshot.Index, req.Snapshot.Term)
		a.outputLock.Lock()
		a.readDB.Restore(req.Snapshot.ReadDB)
		if req.Snapshot.Index > a.commitIndex {
			a.commitIndex = req.Snapshot.Index
		}
		a.outputLock.Unlock()
	}

	last, err := a.state.LogFollower(req.Entries)
	if err != nil {
		return AppendEntriesResponse{OK: false, Term: a.constituent.CurrentTerm()}
	}

	if req.LeaderCommit > a.CommitIndex() {
		newCommit := req.LeaderCommit
		if newCommit > last {
			newCommit = last
		}
		a.applyCommitted(newCommit)
	}

	return AppendEntriesResponse{OK: true, Term: a.constituent.CurrentTerm(), Highest: last}
}

func (a *Agent) followerDataFor(peer string) *followerMutexPair {
	a.followersMu.Lock()
	defer a.followersMu.Unlock()
	fd, ok := a.followerPairs[peer]
	if !ok {
		fd = &followerMutexPair{data: &FollowerData{}}
		if a.followerPairs == nil {
			a.followerPairs = make(map[string]*followerMutexPair)
		}
		a.followerPairs[peer] = fd
	}
	return fd
}

// nthHighest returns the k-th highest value in vals (k==1 is the max),
// clamped to 0 if vals has fewer than k elements.
func nthHighest(vals []uint64, k int) uint64 {
	sorted := append([]uint64(nil), vals...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if k <= 0 || k > len(sorted) {
		return 0
	}
	return sorted[k-1]
}
