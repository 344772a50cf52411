package engine

import (
	"sync"
	"sync/atomic"

	"github.com/sunil10patil/arangodb-agency/internal/metrics"
)

// KillFunc aborts one running query on one server.
type KillFunc func(database, queryID string) error

// RebootKey identifies a single boot generation of a server: the pair
// (server, rebootId) changes every time that server restarts.
type RebootKey struct {
	Server   string
	RebootID uint64
}

// Guard is a single query's registration against a server's reboot
// generation. Close unregisters it; it never fires kill once closed.
type Guard struct {
	key      RebootKey
	database string
	queryID  string
	kill     KillFunc
	fired    int32 // atomic CAS latch, Open Question decision (a): idempotent kill

	tracker *RebootTracker
}

// Close unregisters the guard without killing the query (spec.md §4.6: a
// query that finishes normally must stop watching for its server's reboot).
func (g *Guard) Close() {
	g.tracker.unregister(g)
}

// fire invokes kill exactly once, even if Notify is called concurrently
// or repeatedly for the same reboot generation.
func (g *Guard) fire() {
	if !atomic.CompareAndSwapInt32(&g.fired, 0, 1) {
		return
	}
	if g.kill != nil {
		_ = g.kill(g.database, g.queryID)
	}
	metrics.QueriesKilledTotal.Inc()
}

// RebootTracker maps (server, rebootId) pairs to the set of queries that
// must be killed should that generation end (spec.md §4.6 "reboot
// trackers"). One tracker is shared by all engines a coordinator is
// running.
type RebootTracker struct {
	mu            sync.Mutex
	registrations map[RebootKey][]*Guard
}

// NewRebootTracker creates an empty tracker.
func NewRebootTracker() *RebootTracker {
	return &RebootTracker{registrations: map[RebootKey][]*Guard{}}
}

// RegisterGuard registers a query's dependency on server staying on reboot
// generation rebootID; if Notify later reports server moved past rebootID,
// kill(database, queryID) fires exactly once.
func (t *RebootTracker) RegisterGuard(server string, rebootID uint64, database, queryID string, kill KillFunc) *Guard {
	key := RebootKey{Server: server, RebootID: rebootID}
	g := &Guard{key: key, database: database, queryID: queryID, kill: kill, tracker: t}
	t.mu.Lock()
	t.registrations[key] = append(t.registrations[key], g)
	t.mu.Unlock()
	return g
}

func (t *RebootTracker) unregister(g *Guard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.registrations[g.key]
	for i, candidate := range list {
		if candidate == g {
			t.registrations[g.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.registrations[g.key]) == 0 {
		delete(t.registrations, g.key)
	}
}

// Notify reports that server is now running reboot generation newRebootID;
// every guard registered against an older generation for that server fires
// its kill callback and is dropped.
func (t *RebootTracker) Notify(server string, newRebootID uint64) {
	t.mu.Lock()
	var toFire []*Guard
	for key, guards := range t.registrations {
		if key.Server != server || key.RebootID >= newRebootID {
			continue
		}
		toFire = append(toFire, guards...)
		delete(t.registrations, key)
	}
	t.mu.Unlock()

	for _, g := range toFire {
		g.fire()
	}
}

// Kill marks the engine as killed; CheckKilled will return ErrKilled from
// this point on for every snippet of the engine (spec.md §4.6: the
// initializeCursor/execute/executeForClient/getSome/skipSome family all
// consult this flag).
func (e *Engine) Kill() {
	atomic.StoreInt32(&e.killed, 1)
}

// CheckKilled reports ErrKilled once Kill has been called.
func (e *Engine) CheckKilled() error {
	if atomic.LoadInt32(&e.killed) != 0 {
		return ErrKilled
	}
	return nil
}

// AttachGuard records a reboot guard on the engine so it can be released
// in bulk when the query finishes (Release).
func (e *Engine) AttachGuard(g *Guard) {
	e.guards = append(e.guards, g)
}

// Release closes every guard attached to the engine, called once the
// query has finished normally and no longer needs reboot-aware kill.
func (e *Engine) Release() {
	for _, g := range e.guards {
		g.Close()
	}
	e.guards = nil
}
