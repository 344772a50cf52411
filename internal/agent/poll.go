package agent

import (
	"context"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/constituent"
)

// pollPromise is woken once commitIndex reaches requiredIndex, or expires
// after deadline (spec.md §4.4.2).
type pollPromise struct {
	requiredIndex uint64
	ready         chan struct{}
}

// Poll implements the long-poll read (spec.md §4.4.2): if the requested
// index is already committed, the log suffix is returned immediately;
// otherwise the caller blocks (up to timeout) until commitIndex advances
// past it.
func (a *Agent) Poll(ctx context.Context, index uint64, timeout time.Duration) (PollResult, error) {
	leader := a.constituent.LeaderHint()
	isLeader := a.constituent.Role() == constituent.Leader

	if !isLeader {
		return PollResult{Leader: leader}, nil
	}

	if index == 0 || index < a.state.FirstIndex() {
		return PollResult{
			Leader: leader, IsLeader: isLeader,
			CommitIndex: a.CommitIndex(),
			Snapshot:    a.readDBSnapshot(),
			FirstIndex:  a.state.FirstIndex(),
		}, nil
	}

	if index <= a.CommitIndex() {
		return a.buildLogResult(index, leader, isLeader)
	}

	promise := &pollPromise{requiredIndex: index, ready: make(chan struct{})}
	a.promLock.Lock()
	a.promises = append(a.promises, promise)
	a.promLock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-promise.ready:
		return a.buildLogResult(index, leader, isLeader)
	case <-timer.C:
		a.removePromise(promise)
		return a.buildLogResult(index, leader, isLeader)
	case <-ctx.Done():
		a.removePromise(promise)
		return PollResult{}, ctx.Err()
	case <-a.shutdown:
		a.removePromise(promise)
		return PollResult{}, ErrResigned
	}
}

func (a *Agent) buildLogResult(index uint64, leader string, isLeader bool) (PollResult, error) {
	commit := a.CommitIndex()
	slice, first, err := a.state.ToVelocyPack(index, commit)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{
		Leader: leader, IsLeader: isLeader,
		FirstIndex: first, CommitIndex: commit,
		Log: slice,
	}, nil
}

// wakePromises signals every pending promise whose requiredIndex has been
// reached by newCommit.
func (a *Agent) wakePromises(newCommit uint64) {
	a.promLock.Lock()
	var remaining []*pollPromise
	var toWake []*pollPromise
	for _, p := range a.promises {
		if p.requiredIndex <= newCommit {
			toWake = append(toWake, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	a.promises = remaining
	a.promLock.Unlock()

	for _, p := range toWake {
		close(p.ready)
	}
}

// failAllPromises wakes every pending promise regardless of its requested
// index, used on resign: each waiter re-reads the log and, finding nothing
// committed beyond its index, returns an empty-log envelope (spec.md
// §4.4.2).
func (a *Agent) failAllPromises() {
	a.promLock.Lock()
	pending := a.promises
	a.promises = nil
	a.promLock.Unlock()

	for _, p := range pending {
		close(p.ready)
	}
}

func (a *Agent) removePromise(target *pollPromise) {
	a.promLock.Lock()
	defer a.promLock.Unlock()
	out := a.promises[:0]
	for _, p := range a.promises {
		if p != target {
			out = append(out, p)
		}
	}
	a.promises = out
}

