// Package httpapi exposes the agency's REST surface (spec.md §6): the
// public `/_api/agency/*` contract used by coordinators and clients, and
// the private `/_api/agency_priv/*` peer-to-peer RPC contract used by
// agents to replicate and elect among themselves. It also implements
// agent.Transport over that private contract so one agent can call
// another.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/constituent"
	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"github.com/sunil10patil/arangodb-agency/internal/state"
	"github.com/sunil10patil/arangodb-agency/internal/store"
	"github.com/sunil10patil/arangodb-agency/internal/supervision"
	"go.uber.org/zap"
)

// leaderHintHeader mirrors agencyclient's constant; kept as its own
// constant here since httpapi must not import agencyclient (it would be
// a server importing its own client package for no reason).
const leaderHintHeader = "X-Arango-Agency-Leader"

// Server wires an Agent (and, optionally, a Supervisor) to HTTP routes.
type Server struct {
	agent      *agent.Agent
	supervisor *supervision.Supervisor
	logger     *zap.SugaredLogger
	router     *mux.Router
}

// New builds a Server and registers all routes on a fresh router.
func New(a *agent.Agent, sup *supervision.Supervisor, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{agent: a, supervisor: sup, logger: logger.Named("httpapi"), router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to serve, e.g. via http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	pub := s.router.PathPrefix("/_api/agency").Subrouter()
	pub.HandleFunc("/read", s.handleRead).Methods(http.MethodPost)
	pub.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
	pub.HandleFunc("/transact", s.handleTransact).Methods(http.MethodPost)
	pub.HandleFunc("/transient", s.handleTransient).Methods(http.MethodPost)
	pub.HandleFunc("/inquire", s.handleInquire).Methods(http.MethodPost)
	pub.HandleFunc("/poll", s.handlePoll).Methods(http.MethodPost)
	pub.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	pub.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	pub.HandleFunc("/stores", s.handleStores).Methods(http.MethodGet)

	priv := s.router.PathPrefix("/_api/agency_priv").Subrouter()
	priv.HandleFunc("/appendEntries", s.handleAppendEntries).Methods(http.MethodPost)
	priv.HandleFunc("/requestVote", s.handleRequestVote).Methods(http.MethodPost)
	priv.HandleFunc("/gossip", s.handleGossip).Methods(http.MethodPost)
	priv.HandleFunc("/activate", s.handleActivate).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrIDReassignmentDenied) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}
	switch e := err.(type) {
	case *agent.NotLeaderError:
		if e.Leader != "" {
			w.Header().Set(leaderHintHeader, e.Leader)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case *agent.PoolMismatchError:
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "fatal": e.Fatal})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// --- public handlers ---

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var paths [][]string
	if err := json.NewDecoder(r.Body).Decode(&paths); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	queries := make([]store.ReadQuery, len(paths))
	for i, p := range paths {
		queries[i] = store.ReadQuery{Path: p}
	}
	writeJSON(w, http.StatusOK, s.agent.Read(queries))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var trxs []store.Transaction
	if err := json.NewDecoder(r.Body).Decode(&trxs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := s.agent.Write(trxs, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransact(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	items := make([]agent.TransactItem, 0, len(raw))
	for _, r := range raw {
		var path []string
		if err := json.Unmarshal(r, &path); err == nil {
			items = append(items, agent.TransactItem{Path: path})
			continue
		}
		var trx store.Transaction
		if err := json.Unmarshal(r, &trx); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed transact item"})
			return
		}
		items = append(items, agent.TransactItem{Trx: &trx})
	}
	result, err := s.agent.Transact(items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransient(w http.ResponseWriter, r *http.Request) {
	var trxs []store.Transaction
	if err := json.NewDecoder(r.Body).Decode(&trxs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := s.agent.Transient(trxs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleInquire(w http.ResponseWriter, r *http.Request) {
	var clientIDs []string
	if err := json.NewDecoder(r.Body).Decode(&clientIDs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Inquire(clientIDs))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index   uint64 `json:"index"`
		Timeout int64  `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	timeout := time.Duration(body.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	result, err := s.agent.Poll(r.Context(), body.Index, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Config())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commitIndex": s.agent.CommitIndex(),
		"leading":     s.agent.IsLeading(),
	})
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	rr := s.agent.Read([]store.ReadQuery{{Path: nil}})
	writeJSON(w, http.StatusOK, rr)
}

// --- private (peer-to-peer) handlers ---

func parseUint(r *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return v
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	req := agent.AppendEntriesRequest{
		Term:         parseUint(r, "term"),
		LeaderID:     r.URL.Query().Get("leaderId"),
		PrevLogIndex: parseUint(r, "prevLogIndex"),
		PrevLogTerm:  parseUint(r, "prevLogTerm"),
		LeaderCommit: parseUint(r, "leaderCommit"),
	}
	if ts := r.URL.Query().Get("senderTimeStamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			req.SenderTimestamp = parsed
		}
	}

	var body appendEntriesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.Snapshot = body.Snapshot
	req.Entries = body.Entries

	resp := s.agent.HandleAppendEntries(req)
	writeJSON(w, http.StatusOK, resp)
}

// appendEntriesBody mirrors spec.md §6's wire shape: an array starting
// optionally with a snapshot object, followed by log entries. We model it
// as an object with an optional leading snapshot instead of a
// heterogeneous array, which is equivalent and simpler to decode.
type appendEntriesBody struct {
	Snapshot *agent.SnapshotPayload `json:"snapshot,omitempty"`
	Entries  []state.Entry          `json:"entries"`
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req constituent.RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.HandleRequestVote(req))
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var msg agent.GossipMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := s.agent.Gossip(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if s.supervisor != nil {
		s.supervisor.RecordHeartbeat(r.URL.Query().Get("server"), time.Now())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
