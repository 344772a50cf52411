package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"go.uber.org/zap"
)

// Snippet is one partition of the plan: either the coordinator's own
// residual nodes, or the subtree rooted at a Remote boundary that a
// DB-server must run.
type Snippet struct {
	ID            string
	Server        string // "" for the coordinator snippet
	RemoteNodeID  int    // the Remote node id this snippet hangs off, 0 for the coordinator snippet
	GatherNodeID  int    // the Gather node this snippet's results feed, 0 for the coordinator snippet
	NodeIDs       []int  // nodes assigned to this snippet, in walk order
	ServerQueryID string // set once buildEngines's POST round trip returns (invariant E3)
}

// RemoteBlock is the coordinator-side placeholder for one
// (server, snippetId) pair feeding a Gather (spec.md §3 invariant E2).
type RemoteBlock struct {
	Server       string
	SnippetID    string
	DistributeID string
}

// Engine is the instantiated, per-query structure: engine #0 (Snippets[0])
// is always the coordinator snippet (invariant E1); RemoteBlocks maps a
// Gather node id to the remote blocks feeding it.
type Engine struct {
	QueryID      string
	Snippets     []*Snippet
	RemoteBlocks map[int][]RemoteBlock

	guards []*Guard
	killed int32
}

// ShardLocator resolves which DB-servers hold a collection, used to decide
// which servers a DB-server snippet must be materialized on.
type ShardLocator interface {
	ServersForCollection(collection string) []string
}

// SnippetPoster delivers one DB-server snippet to the server that must run
// it and returns the serverQueryId it was assigned.
type SnippetPoster interface {
	PostSnippet(ctx context.Context, server string, snippet *Snippet, queryID string) (serverQueryID string, err error)
}

// QueryContext carries the per-query inputs instantiation needs beyond the
// plan itself: the database the query runs against and the current reboot
// generation of every server that may participate, as read from the
// cluster view (Current/ServersRegistered).
type QueryContext struct {
	Database  string
	RebootIDs map[string]uint64
}

// Instantiator builds Engines from Plans.
type Instantiator struct {
	logger  *zap.SugaredLogger
	tracker *RebootTracker
}

// New creates an Instantiator. tracker may be nil if reboot-aware kill is
// not needed (e.g. in tests).
func New(logger *zap.SugaredLogger, tracker *RebootTracker) *Instantiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Instantiator{logger: logger, tracker: tracker}
}

// InstantiateSingleServer builds a single engine with exactly one
// coordinator-labeled snippet covering the whole plan (spec.md §4.6,
// "single-server path": no Remote boundaries to partition across).
func (inst *Instantiator) InstantiateSingleServer(plan *Plan) (*Engine, error) {
	if err := CheckFullCountInvariant(plan); err != nil {
		metrics.EnginesInstantiatedTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	snippet := &Snippet{ID: uuid.NewString()}
	err := plan.Walk(plan.RootID, nil, func(n Node) {
		snippet.NodeIDs = append(snippet.NodeIDs, n.ID)
	})
	if err != nil {
		metrics.EnginesInstantiatedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EnginesInstantiatedTotal.WithLabelValues("ok").Inc()
	return &Engine{
		QueryID:      uuid.NewString(),
		Snippets:     []*Snippet{snippet},
		RemoteBlocks: map[int][]RemoteBlock{},
	}, nil
}

// partitionState is the walker's state while descending the plan
// (spec.md §4.6 "Coordinator path").
type partitionState struct {
	plan             *Plan
	coordinator      *Snippet
	lastGatherNode   int
	snippetsByRemote map[int]*Snippet
	nodeSnippet      map[int]*Snippet
}

// Partition walks plan top-down from its root, assigning each node to a
// snippet: nodes outside any Remote boundary go to the coordinator
// snippet; the subtree under a Remote (down to, and including, the next
// nested Remote's boundary) goes to a new DB-server snippet keyed by that
// Remote node's id.
func Partition(plan *Plan) (coordinator *Snippet, byRemote map[int]*Snippet, err error) {
	st := &partitionState{
		plan:             plan,
		coordinator:      &Snippet{ID: uuid.NewString()},
		snippetsByRemote: map[int]*Snippet{},
		nodeSnippet:      map[int]*Snippet{},
	}
	if err := st.walk(plan.RootID, nil); err != nil {
		return nil, nil, err
	}
	return st.coordinator, st.snippetsByRemote, nil
}

// walk implements the partition state machine. current is the snippet the
// walk is currently assigning nodes into; nil means "coordinator".
func (st *partitionState) walk(nodeID int, current *Snippet) error {
	n, err := st.plan.node(nodeID)
	if err != nil {
		return err
	}

	switch n.Kind {
	case Gather:
		st.lastGatherNode = n.ID
	case Async:
		// "Async under a Gather cancels the remembered Gather": if we are
		// still within the branch that set lastGatherNode, a nested Async
		// means the coordinator, not a DB-server snippet, handles the
		// asynchronous sub-plan beneath it.
		st.lastGatherNode = 0
	}

	target := current
	if target == nil {
		target = st.coordinator
	}

	if n.Kind == Remote {
		snippet := &Snippet{
			ID:           uuid.NewString(),
			RemoteNodeID: n.ID,
			GatherNodeID: st.lastGatherNode,
		}
		st.snippetsByRemote[n.ID] = snippet
		st.nodeSnippet[n.ID] = snippet
		for _, dep := range n.Dependencies {
			if err := st.walk(dep, snippet); err != nil {
				return err
			}
		}
		return nil
	}

	target.NodeIDs = append(target.NodeIDs, n.ID)
	st.nodeSnippet[n.ID] = target
	for _, dep := range n.Dependencies {
		if err := st.walk(dep, current); err != nil {
			return err
		}
	}
	return nil
}

// BuildEngines runs the two-step coordinator build (spec.md §4.6
// "buildEngines"): materialize and POST each DB-server snippet, collect
// serverQueryIds, then assemble the coordinator's RemoteBlocks. For every
// participating DB-server with a known reboot generation, a reboot guard
// is registered that kills the engine should that server restart; the
// guards live on engine #0 and are dropped by Release.
func (inst *Instantiator) BuildEngines(ctx context.Context, plan *Plan, qc QueryContext, locator ShardLocator, poster SnippetPoster) (*Engine, error) {
	if err := CheckFullCountInvariant(plan); err != nil {
		metrics.EnginesInstantiatedTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	coordinator, byRemote, err := Partition(plan)
	if err != nil {
		metrics.EnginesInstantiatedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	engine := &Engine{
		QueryID:      uuid.NewString(),
		Snippets:     []*Snippet{coordinator},
		RemoteBlocks: map[int][]RemoteBlock{},
	}

	for remoteNodeID, snippet := range byRemote {
		servers := inst.serversForSnippet(plan, snippet, locator)
		if len(servers) == 0 {
			metrics.EnginesInstantiatedTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("engine: remote node %d resolved to no servers", remoteNodeID)
		}
		for _, server := range servers {
			perServer := &Snippet{
				ID:           uuid.NewString(),
				Server:       server,
				RemoteNodeID: snippet.RemoteNodeID,
				GatherNodeID: snippet.GatherNodeID,
				NodeIDs:      snippet.NodeIDs,
			}
			serverQueryID, err := poster.PostSnippet(ctx, server, perServer, engine.QueryID)
			if err != nil {
				metrics.EnginesInstantiatedTotal.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("engine: post snippet to %s: %w", server, err)
			}
			if serverQueryID == "" {
				metrics.EnginesInstantiatedTotal.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("engine: %w: empty serverQueryId from %s", ErrUnknownNode, server)
			}
			perServer.ServerQueryID = serverQueryID
			engine.Snippets = append(engine.Snippets, perServer)

			engine.RemoteBlocks[snippet.GatherNodeID] = append(engine.RemoteBlocks[snippet.GatherNodeID], RemoteBlock{
				Server: server, SnippetID: perServer.ID, DistributeID: fmt.Sprintf("%d", snippet.RemoteNodeID),
			})
		}
	}

	inst.installRebootGuards(engine, qc)

	metrics.EnginesInstantiatedTotal.WithLabelValues("ok").Inc()
	return engine, nil
}

// installRebootGuards registers one guard per participating (server,
// rebootId) pair; each guard's kill callback marks the whole engine killed
// so every subsequent cursor step raises ErrKilled (spec.md §4.6 "reboot
// trackers").
func (inst *Instantiator) installRebootGuards(engine *Engine, qc QueryContext) {
	if inst.tracker == nil {
		return
	}
	registered := map[string]struct{}{}
	for _, snippet := range engine.Snippets[1:] {
		if _, done := registered[snippet.Server]; done {
			continue
		}
		registered[snippet.Server] = struct{}{}
		rebootID, known := qc.RebootIDs[snippet.Server]
		if !known {
			continue
		}
		guard := inst.tracker.RegisterGuard(snippet.Server, rebootID, qc.Database, engine.QueryID,
			func(string, string) error {
				engine.Kill()
				return nil
			})
		engine.AttachGuard(guard)
		inst.logger.Debugw("reboot guard installed",
			"query_id", engine.QueryID, "server", snippet.Server, "reboot_id", rebootID)
	}
}

// serversForSnippet resolves the DB-server set a snippet must run on, by
// asking locator about every EnumerateCollection/Traversal node the
// snippet touches and unioning the results.
func (inst *Instantiator) serversForSnippet(plan *Plan, snippet *Snippet, locator ShardLocator) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range snippet.NodeIDs {
		n, err := plan.node(id)
		if err != nil || n.Collection == "" {
			continue
		}
		for _, server := range locator.ServersForCollection(n.Collection) {
			if _, ok := seen[server]; !ok {
				seen[server] = struct{}{}
				out = append(out, server)
			}
		}
	}
	return out
}
