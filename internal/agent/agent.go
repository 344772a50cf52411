package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sunil10patil/arangodb-agency/internal/constituent"
	"github.com/sunil10patil/arangodb-agency/internal/state"
	"github.com/sunil10patil/arangodb-agency/internal/store"
	"go.uber.org/zap"
)

// maxAppendBatch bounds how many transactions are folded into a single log
// entry batch for one Write call.
const maxAppendBatch = 1000

// Agent orchestrates Constituent, State and the Store instances, and is the
// receiver for the agency's public and private contract (spec.md §4.4).
//
// Lock ordering (spec.md §5): ioLock → outputLock → waitForCV. promLock,
// trxsLock, transientLock and each FollowerData's own mutex are leaves and
// are never held while acquiring any of the above.
type Agent struct {
	id     string
	logger *zap.SugaredLogger

	constituent *constituent.Constituent
	state       *state.State
	transport   Transport

	configMu sync.RWMutex
	config   Configuration

	// ioLock serializes the append path: validating and applying a write
	// against spearhead, then logging it, must happen as one step so that
	// two concurrent writers never see an inconsistent spearhead/log pair.
	ioLock sync.Mutex
	spearhead *store.Store

	transientLock sync.Mutex
	transient     *store.Store

	// outputLock guards readDB and commitIndex together; followers and the
	// leader's own apply loop both advance them under this lock.
	outputLock  sync.RWMutex
	readDB      *store.Store
	commitIndex uint64

	waitCond *sync.Cond // waitForCV: signalled whenever commitIndex advances

	followersMu   sync.Mutex
	followerPairs map[string]*followerMutexPair

	trxsLock    sync.Mutex
	ongoingTrxs map[string]struct{}

	promLock sync.Mutex
	promises []*pollPromise

	preparing int32 // atomic bool
	leading   int32 // atomic bool

	appendSignal chan struct{}
	shutdown     chan struct{}
	stopOnce     sync.Once

	compactKeepSize  uint64
	compactThreshold uint64
}

// Options configures a new Agent.
type Options struct {
	ID               string
	Config           Configuration
	Transport        Transport
	Logger           *zap.SugaredLogger
	CompactThreshold uint64 // compact once the log exceeds this many entries
	CompactKeepSize  uint64 // entries retained after compaction
}

// New builds an Agent wired to fresh Store/State/Constituent instances.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg := opts.Config
	if cfg.ID == "" {
		cfg.ID = opts.ID
	}
	cc := constituent.New(opts.ID, constituent.Config{
		MinPing: cfg.MinPing, MaxPing: cfg.MaxPing, TimeoutMult: cfg.TimeoutMult,
	}, logger.Named("constituent"))

	a := &Agent{
		id:               opts.ID,
		logger:           logger.Named("agent").With("id", opts.ID),
		constituent:      cc,
		state:            state.New(logger.Named("state"), nil),
		transport:        opts.Transport,
		config:           cfg,
		spearhead:        store.New(logger.Named("spearhead")),
		transient:        store.New(logger.Named("transient")),
		readDB:           store.New(logger.Named("readdb")),
		followerPairs:    make(map[string]*followerMutexPair),
		ongoingTrxs:      make(map[string]struct{}),
		appendSignal:     make(chan struct{}, 1),
		shutdown:         make(chan struct{}),
		compactThreshold: opts.CompactThreshold,
		compactKeepSize:  opts.CompactKeepSize,
	}
	a.waitCond = sync.NewCond(&a.outputLock)
	if a.compactThreshold == 0 {
		a.compactThreshold = 5000
	}
	if a.compactKeepSize == 0 {
		a.compactKeepSize = 1000
	}
	for _, peer := range cfg.Active {
		if peer != a.id {
			a.followerPairs[peer] = &followerMutexPair{data: &FollowerData{}}
		}
	}
	return a
}

// ID returns this agent's server id.
func (a *Agent) ID() string { return a.id }

// IsLeading reports whether this agent has completed its leader onboarding
// (persisted and committed its RECONFIGURE entry) and is serving writes.
func (a *Agent) IsLeading() bool { return atomic.LoadInt32(&a.leading) != 0 }

// Config returns a copy of the current cluster configuration.
func (a *Agent) Config() Configuration {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.config.clone()
}

// CommitIndex returns the last committed log index.
func (a *Agent) CommitIndex() uint64 {
	a.outputLock.RLock()
	defer a.outputLock.RUnlock()
	return a.commitIndex
}

// Close stops the agent's background loops.
func (a *Agent) Close() {
	a.stopOnce.Do(func() { close(a.shutdown) })
}

func (a *Agent) leaderHintOrSelf() string {
	hint := a.constituent.LeaderHint()
	if hint == "" {
		return ""
	}
	return hint
}

// requireLeading rejects a write-path call unless this agent is an
// onboarded leader (spec.md §4.4: "Rejected with NO_LEADER unless leading
// and ready").
func (a *Agent) requireLeading() error {
	if a.constituent.Role() != constituent.Leader || !a.IsLeading() {
		return &NotLeaderError{Leader: a.leaderHintOrSelf()}
	}
	return nil
}

// Write appends a batch of transactions to the log under leader discipline
// and returns their assigned indexes without waiting for replication
// (spec.md §4.4 "write").
func (a *Agent) Write(trxs []store.Transaction, _ WriteMode) (WriteResult, error) {
	if err := a.requireLeading(); err != nil {
		return WriteResult{}, err
	}
	return a.writeInternal(trxs)
}

// writeInternal performs the append path without the requireLeading gate,
// used during the leader-onboarding RECONFIGURE append (spec.md §4.4.5),
// which must complete before IsLeading() becomes true.
func (a *Agent) writeInternal(trxs []store.Transaction) (WriteResult, error) {
	if len(trxs) == 0 {
		return WriteResult{Accepted: true}, nil
	}
	if len(trxs) > maxAppendBatch {
		return WriteResult{}, fmt.Errorf("agent: batch of %d exceeds max %d", len(trxs), maxAppendBatch)
	}

	clientIDs := make([]string, len(trxs))
	for i, t := range trxs {
		id := t.ClientID
		if id == "" {
			id = uuid.NewString()
			trxs[i].ClientID = id
		}
		clientIDs[i] = id
	}
	a.markOngoing(clientIDs)
	defer a.clearOngoing(clientIDs)

	a.ioLock.Lock()
	defer a.ioLock.Unlock()

	applied := make([]bool, len(trxs))
	payloads := make([][]store.Transaction, 0, len(trxs))
	okClientIDs := make([]string, 0, len(trxs))
	for i, t := range trxs {
		res, err := a.spearhead.ApplyTransaction(t)
		if err != nil {
			return WriteResult{}, err
		}
		applied[i] = res.Successful
		if res.Successful {
			payloads = append(payloads, []store.Transaction{t})
			okClientIDs = append(okClientIDs, t.ClientID)
		}
	}

	term := a.constituent.CurrentTerm()
	indexes, err := a.state.LogLeaderMulti(payloads, term, okClientIDs)
	if err != nil {
		return WriteResult{}, err
	}

	out := WriteResult{Accepted: true, Applied: applied, Indexes: make([]uint64, len(trxs))}
	j := 0
	for i := range trxs {
		if applied[i] {
			out.Indexes[i] = indexes[j]
			j++
		}
	}
	a.signalAppend()
	a.advanceCommitIndex()
	return out, nil
}

// Transact interleaves reads (served from spearhead) with writes, in the
// caller's order, and reports how many writes failed their precondition
// (spec.md §4.4 "transact").
func (a *Agent) Transact(items []TransactItem) (TransactResult, error) {
	if err := a.requireLeading(); err != nil {
		return TransactResult{}, err
	}

	a.ioLock.Lock()
	defer a.ioLock.Unlock()

	term := a.constituent.CurrentTerm()
	out := TransactResult{Accepted: true, Results: make([]interface{}, len(items))}

	for i, item := range items {
		switch {
		case item.Trx != nil:
			t := *item.Trx
			if t.ClientID == "" {
				t.ClientID = uuid.NewString()
			}
			res, err := a.spearhead.ApplyTransaction(t)
			if err != nil {
				return TransactResult{}, err
			}
			if !res.Successful {
				out.FailedCount++
				out.Results[i] = false
				continue
			}
			idx, err := a.state.LogLeaderSingle([]store.Transaction{t}, term, t.ClientID)
			if err != nil {
				return TransactResult{}, err
			}
			if idx > out.MaxIndex {
				out.MaxIndex = idx
			}
			out.Results[i] = idx
		case item.Path != nil:
			rr := a.spearhead.Read([]store.ReadQuery{{Path: item.Path}})
			if len(rr) == 1 {
				out.Results[i] = rr[0].Value
			}
		}
	}
	a.signalAppend()
	a.advanceCommitIndex()
	return out, nil
}

// Transient applies operations against the transient (non-replicated)
// store, bypassing ioLock entirely (spec.md §4.4 "transient").
func (a *Agent) Transient(trxs []store.Transaction) ([]store.Result, error) {
	a.transientLock.Lock()
	defer a.transientLock.Unlock()

	out := make([]store.Result, len(trxs))
	for i, t := range trxs {
		res, err := a.transient.ApplyTransaction(t)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// WaitResult is the outcome of WaitFor (spec.md §5).
type WaitResult int

const (
	// WaitOK: commitIndex reached the requested index.
	WaitOK WaitResult = iota
	// WaitTimeout: the deadline elapsed without commit reaching index.
	WaitTimeout
	// WaitUnknown: leadership was lost while waiting; the write's fate is
	// undecidable here and the caller should inquire by clientId.
	WaitUnknown
)

// WaitFor blocks until commitIndex ≥ index, up to timeout. The deadline is
// reset whenever commit progresses at all, so a slow but live leader is
// distinguished from a stuck one (spec.md §5, waitForCV).
func (a *Agent) WaitFor(index uint64, timeout time.Duration) WaitResult {
	if index == 0 {
		return WaitOK
	}

	// The cond has no timed wait; a ticker goroutine nudges every waiter so
	// the deadline and role checks below are re-evaluated.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.waitCond.Broadcast()
			}
		}
	}()

	a.outputLock.Lock()
	defer a.outputLock.Unlock()

	deadline := time.Now().Add(timeout)
	lastSeen := a.commitIndex
	for a.commitIndex < index {
		if a.constituent.Role() != constituent.Leader {
			return WaitUnknown
		}
		if time.Now().After(deadline) {
			return WaitTimeout
		}
		a.waitCond.Wait()
		if a.commitIndex > lastSeen {
			lastSeen = a.commitIndex
			deadline = time.Now().Add(timeout)
		}
	}
	return WaitOK
}

// Read serves a batch of path reads from readDB (spec.md §4.4 "read").
func (a *Agent) Read(queries []store.ReadQuery) []store.ReadResult {
	a.outputLock.RLock()
	defer a.outputLock.RUnlock()
	return a.readDB.Read(queries)
}

// Inquire reports, for each clientId, the log index its write was assigned
// once it is no longer in flight (spec.md §4.4.4).
func (a *Agent) Inquire(clientIDs []string) map[string]uint64 {
	a.waitForNotOngoing(clientIDs)

	out := make(map[string]uint64, len(clientIDs))
	last := a.state.LastIndex()
	first := a.state.FirstIndex()
	entries, _ := a.state.Get(first, last)
	byClient := make(map[string]uint64, len(entries))
	for _, e := range entries {
		if e.ClientID != "" {
			byClient[e.ClientID] = e.Index
		}
	}
	for _, id := range clientIDs {
		if idx, ok := byClient[id]; ok {
			out[id] = idx
		}
	}
	return out
}

func (a *Agent) markOngoing(clientIDs []string) {
	a.trxsLock.Lock()
	defer a.trxsLock.Unlock()
	for _, id := range clientIDs {
		a.ongoingTrxs[id] = struct{}{}
	}
}

func (a *Agent) clearOngoing(clientIDs []string) {
	a.trxsLock.Lock()
	defer a.trxsLock.Unlock()
	for _, id := range clientIDs {
		delete(a.ongoingTrxs, id)
	}
}

func (a *Agent) anyOngoing(clientIDs []string) bool {
	a.trxsLock.Lock()
	defer a.trxsLock.Unlock()
	for _, id := range clientIDs {
		if _, ok := a.ongoingTrxs[id]; ok {
			return true
		}
	}
	return false
}

func (a *Agent) waitForNotOngoing(clientIDs []string) {
	for i := 0; i < 200 && a.anyOngoing(clientIDs); i++ {
		time.Sleep(5 * time.Millisecond)
	}
}

func (a *Agent) signalAppend() {
	select {
	case a.appendSignal <- struct{}{}:
	default:
	}
}
