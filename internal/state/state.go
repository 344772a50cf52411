// Package state implements the agency's replicated log: append-only entries
// with a compaction/snapshot boundary, used by both the leader (append
// path) and followers (replicated append, with conflict truncation),
// spec.md §4.2.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sunil10patil/arangodb-agency/internal/store"
	"github.com/sunil10patil/arangodb-agency/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNonContiguous is returned by LogFollower when the incoming prefix
	// does not connect to the local log.
	ErrNonContiguous = errors.New("state: non-contiguous log prefix")
)

// Entry is one replicated log record (spec.md §3, "Log entry").
type Entry struct {
	Index    uint64               `json:"index"`
	Term     uint64                `json:"term"`
	ClientID string               `json:"clientId,omitempty"`
	Payload  []store.Transaction  `json:"query"`
}

// Persister is an optional seam for a real backing file; the log's storage
// format is out of scope for this excerpt (spec.md §1 Non-goals), so the
// default State keeps everything in memory and only calls these hooks if a
// Persister is supplied.
type Persister interface {
	OnAppend(e Entry)
	OnCompact(uptoIndex uint64)
}

type noopPersister struct{}

func (noopPersister) OnAppend(Entry)     {}
func (noopPersister) OnCompact(uint64)   {}

// State is the replicated log plus its compaction/snapshot boundary.
type State struct {
	mu sync.RWMutex

	// entries holds the active (non-compacted) log, entries[0].Index is
	// always lastCompactionAt once a compaction has occurred.
	entries []Entry

	lastCompactionAt uint64
	snapshot         map[string]interface{}
	snapshotIndex    uint64
	snapshotTerm     uint64

	persister Persister
	logger    *zap.SugaredLogger
}

// New creates an empty State. persister may be nil.
func New(logger *zap.SugaredLogger, persister Persister) *State {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if persister == nil {
		persister = noopPersister{}
	}
	return &State{persister: persister, logger: logger}
}

// FirstIndex returns the index of the oldest entry still held (spec
// invariant: firstIndex() ≥ 1).
func (s *State) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndexLocked()
}

func (s *State) firstIndexLocked() uint64 {
	if len(s.entries) == 0 {
		if s.lastCompactionAt > 0 {
			return s.lastCompactionAt
		}
		return 1
	}
	return s.entries[0].Index
}

// LastIndex returns the index of the newest entry, or lastCompactionAt if
// the log is otherwise empty.
func (s *State) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked()
}

func (s *State) lastIndexLocked() uint64 {
	if len(s.entries) == 0 {
		return s.lastCompactionAt
	}
	return s.entries[len(s.entries)-1].Index
}

// LastTermIndex returns (term, index) of the last entry, used by
// RequestVote's log-recency comparison.
func (s *State) LastTermIndex() (term, index uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return s.snapshotTerm, s.lastCompactionAt
	}
	last := s.entries[len(s.entries)-1]
	return last.Term, last.Index
}

// LastCompactionAt returns the index below which entries have been folded
// into the snapshot.
func (s *State) LastCompactionAt() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCompactionAt
}

// LogLeaderSingle appends one payload under leader discipline, returning
// its assigned index. Must only be called from the agent under its I/O
// lock.
func (s *State) LogLeaderSingle(payload []store.Transaction, term uint64, clientID string) (uint64, error) {
	indexes, err := s.LogLeaderMulti([][]store.Transaction{payload}, term, []string{clientID})
	if err != nil {
		return 0, err
	}
	return indexes[0], nil
}

// LogLeaderMulti appends a batch of payloads in order under leader
// discipline, returning their assigned indexes.
func (s *State) LogLeaderMulti(payloads [][]store.Transaction, term uint64, clientIDs []string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := make([]uint64, len(payloads))
	next := s.lastIndexLocked() + 1
	for i, payload := range payloads {
		clientID := ""
		if i < len(clientIDs) {
			clientID = clientIDs[i]
		}
		e := Entry{Index: next, Term: term, ClientID: clientID, Payload: payload}
		s.entries = append(s.entries, e)
		s.persister.OnAppend(e)
		indexes[i] = next
		next++
	}
	return indexes, nil
}

// LogFollower appends entries replicated from the leader. It truncates any
// local entries at an index present in entries but with a different term
// (log-matching conflict), and rejects a prefix that does not connect to
// the local log (spec.md L1/L2 invariants).
func (s *State) LogFollower(entries []Entry) (uint64, error) {
	if len(entries) == 0 {
		return s.LastIndex(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	firstIncoming := entries[0].Index
	lastLocal := s.lastIndexLocked()
	firstLocal := s.firstIndexLocked()

	if firstIncoming > lastLocal+1 {
		return 0, fmt.Errorf("%w: first incoming index %d > local last+1 %d", ErrNonContiguous, firstIncoming, lastLocal+1)
	}

	for _, e := range entries {
		if e.Index < firstLocal {
			// Already compacted away; nothing to do for this one.
			continue
		}
		if e.Index <= lastLocal {
			if localTerm, ok := s.termAtLocked(e.Index); ok && localTerm != e.Term {
				s.truncateFromLocked(e.Index)
				s.entries = append(s.entries, e)
				s.persister.OnAppend(e)
				lastLocal = e.Index
			} else if !ok && len(s.entries) == 0 && e.Index == s.lastCompactionAt {
				// The boundary entry arriving right after a snapshot
				// install: keep it so the log is not left empty.
				s.entries = append(s.entries, e)
				s.persister.OnAppend(e)
			}
			// identical (index,term): already present, nothing to append.
			continue
		}
		s.entries = append(s.entries, e)
		s.persister.OnAppend(e)
		lastLocal = e.Index
	}
	return s.lastIndexLocked(), nil
}

// TermAt returns the term of the entry at index, if it is still held in
// the active log.
func (s *State) TermAt(index uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termAtLocked(index)
}

func (s *State) termAtLocked(index uint64) (uint64, bool) {
	for _, e := range s.entries {
		if e.Index == index {
			return e.Term, true
		}
	}
	return 0, false
}

func (s *State) truncateFromLocked(index uint64) {
	cut := len(s.entries)
	for i, e := range s.entries {
		if e.Index >= index {
			cut = i
			break
		}
	}
	s.entries = s.entries[:cut]
}

// Get returns the inclusive range [from,to] of entries.
func (s *State) Get(from, to uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Index >= from && e.Index <= to {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Slices returns the payload-only view of the inclusive range [from,to],
// used by the commit-apply path.
func (s *State) Slices(from, to uint64) ([][]store.Transaction, error) {
	entries, err := s.Get(from, to)
	if err != nil {
		return nil, err
	}
	out := make([][]store.Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out, nil
}

func cloneEntry(e Entry) Entry {
	payload := make([]store.Transaction, len(e.Payload))
	copy(payload, e.Payload)
	return Entry{Index: e.Index, Term: e.Term, ClientID: e.ClientID, Payload: payload}
}

// Compact folds entries at or below (upToIndex - keepSize) into the
// snapshot, retaining at least keepSize trailing active entries and always
// keeping the entry whose payload produced the snapshot boundary so the log
// is never left empty (spec.md L3). The snapshot is rebuilt by replaying
// the folded entries on top of the previous snapshot, so it is exactly the
// state at the boundary index regardless of how far commit has advanced.
func (s *State) Compact(upToIndex, keepSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upToIndex <= keepSize {
		return nil
	}
	newCompactionAt := upToIndex - keepSize
	if newCompactionAt <= s.lastCompactionAt {
		return nil
	}
	if newCompactionAt > s.lastIndexLocked() {
		newCompactionAt = s.lastIndexLocked()
	}

	term, ok := s.termAtLocked(newCompactionAt)
	if !ok {
		return fmt.Errorf("state: compaction boundary %d not found in log", newCompactionAt)
	}

	base := store.New(nil)
	if s.snapshot != nil {
		base.Restore(s.snapshot)
	}
	for _, e := range s.entries {
		if e.Index <= s.snapshotIndex || e.Index > newCompactionAt {
			continue
		}
		for _, trx := range e.Payload {
			if _, err := base.ApplyTransaction(trx); err != nil {
				return fmt.Errorf("state: replaying entry %d into snapshot: %w", e.Index, err)
			}
		}
	}

	s.snapshot = base.Snapshot()
	s.snapshotIndex = newCompactionAt
	s.snapshotTerm = term
	s.lastCompactionAt = newCompactionAt
	s.persister.OnCompact(newCompactionAt)

	cut := 0
	for i, e := range s.entries {
		if e.Index >= newCompactionAt {
			cut = i
			break
		}
	}
	s.entries = s.entries[cut:]
	return nil
}

// LoadLastCompactedSnapshot copies the last compacted snapshot into dest
// and reports its (index, term), or ok==false if no compaction has run.
func (s *State) LoadLastCompactedSnapshot(dest *store.Store) (index, term uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return 0, 0, false
	}
	dest.Restore(s.snapshot)
	return s.snapshotIndex, s.snapshotTerm, true
}

// CompactedSnapshot returns the raw last-compacted snapshot tree along with
// its boundary (index, term), for the leader's snapshot-prepending catch-up
// path (spec.md §4.4.1 step 4).
func (s *State) CompactedSnapshot() (snapshot map[string]interface{}, index, term uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, 0, 0, false
	}
	return s.snapshot, s.snapshotIndex, s.snapshotTerm, true
}

// InstallSnapshot resets the log to begin at the given snapshot boundary,
// dropping entries below it. The follower calls this when the leader's
// AppendEntries carries a readDB snapshot; the entries that follow in the
// same request start at the boundary index, keeping the log contiguous.
func (s *State) InstallSnapshot(snapshot map[string]interface{}, index, term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = snapshot
	s.snapshotIndex = index
	s.snapshotTerm = term
	s.lastCompactionAt = index

	cut := len(s.entries)
	for i, e := range s.entries {
		if e.Index >= index {
			cut = i
			break
		}
	}
	s.entries = s.entries[cut:]
	if len(s.entries) > 0 && s.entries[0].Index > index {
		// A gap between the boundary and the retained suffix: drop it, the
		// leader resends everything beyond the snapshot anyway.
		s.entries = nil
	}
	s.persister.OnCompact(index)
}

// ToVelocyPack serializes the log range [max(from,firstIndex), commitIndex]
// into a wire envelope, for the long-poll response. It returns the first
// index actually emitted.
func (s *State) ToVelocyPack(from, commitIndex uint64) (wire.Slice, uint64, error) {
	first := s.FirstIndex()
	if from < first {
		from = first
	}
	entries, err := s.Get(from, commitIndex)
	if err != nil {
		return nil, 0, err
	}
	b := wire.NewBuilder()
	for _, e := range entries {
		b.Add(map[string]interface{}{
			"index":    e.Index,
			"term":     e.Term,
			"query":    e.Payload,
			"clientId": e.ClientID,
		})
	}
	slice, err := b.Slice()
	if err != nil {
		return nil, 0, err
	}
	return slice, from, nil
}
