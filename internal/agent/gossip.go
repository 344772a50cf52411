package agent

import (
	"context"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/constituent"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

// Gossip merges an incoming pool proposal with our own (spec.md §4.4.3):
// - a stranger is welcomed into an incomplete pool;
// - a conflicting id→endpoint mapping for an already-known peer is a fatal
//   mismatch (the caller should refuse to proceed, per spec.md §7);
// - once the pool is complete, a leader persists the merged membership as a
//   RECONFIGURE transaction before acknowledging.
func (a *Agent) Gossip(ctx context.Context, msg GossipMessage) (GossipResult, error) {
	a.configMu.Lock()
	if a.config.Pool == nil {
		a.config.Pool = map[string]string{}
	}
	if len(a.config.Pool) >= a.config.Size && a.config.Size > 0 {
		if _, known := a.config.Pool[msg.SenderID]; !known {
			a.configMu.Unlock()
			return GossipResult{}, ErrIDReassignmentDenied
		}
	}
	for id, endpoint := range msg.Pool {
		if existing, ok := a.config.Pool[id]; ok && existing != endpoint {
			a.configMu.Unlock()
			return GossipResult{Fatal: true}, &PoolMismatchError{Fatal: true}
		}
	}
	for id, endpoint := range msg.Pool {
		a.config.Pool[id] = endpoint
	}
	if msg.Size > a.config.Size {
		a.config.Size = msg.Size
	}
	merged := a.config.clone()
	complete := len(merged.Pool) >= merged.Size && merged.Size > 0
	a.configMu.Unlock()

	if complete && a.constituent.Role() == constituent.Leader {
		if err := a.persistReconfiguration(ctx, merged); err != nil {
			return GossipResult{}, err
		}
	}

	return GossipResult{Pool: merged.Pool}, nil
}

// persistReconfiguration writes the agreed-upon active/pool membership as a
// RECONFIGURE transaction at ".agency/..." and waits for it to commit
// (spec.md §4.4.5 "syncActiveAndAcknowledged").
func (a *Agent) persistReconfiguration(ctx context.Context, cfg Configuration) error {
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			".agency/election/term":        {New: a.constituent.CurrentTerm()},
			".agency/election/id":          {New: a.id},
			".agency/election/active":      {New: cfg.Active},
			".agency/election/pool":        {New: cfg.Pool},
			".agency/election/size":        {New: cfg.Size},
			".agency/election/timeoutMult": {New: cfg.TimeoutMult},
		},
	}
	result, err := a.writeInternal([]store.Transaction{trx})
	if err != nil {
		return err
	}
	if len(result.Indexes) == 0 {
		return nil
	}
	target := result.Indexes[0]

	deadline := time.Now().Add(10 * time.Second)
	for a.CommitIndex() < target {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	a.syncActiveAndAcknowledged(cfg)
	return nil
}

// syncActiveAndAcknowledged reconciles the leader's FollowerData map with a
// newly committed active set: peers that left are dropped, peers that
// joined start with a zero-valued FollowerData so replication begins from
// the oldest retained entry.
func (a *Agent) syncActiveAndAcknowledged(cfg Configuration) {
	a.followersMu.Lock()
	defer a.followersMu.Unlock()

	wanted := make(map[string]struct{}, len(cfg.Active))
	for _, id := range cfg.Active {
		wanted[id] = struct{}{}
		if id == a.id {
			continue
		}
		if _, ok := a.followerPairs[id]; !ok {
			a.followerPairs[id] = &followerMutexPair{data: &FollowerData{}}
		}
	}
	for id := range a.followerPairs {
		if _, ok := wanted[id]; !ok {
			delete(a.followerPairs, id)
		}
	}

	a.configMu.Lock()
	a.config.Active = append([]string(nil), cfg.Active...)
	a.configMu.Unlock()
}
