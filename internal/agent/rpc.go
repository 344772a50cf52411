package agent

import "github.com/sunil10patil/arangodb-agency/internal/constituent"

// HandleAppendEntries is the server-side entry point for an incoming
// AppendEntries RPC (spec.md §6 `/_api/agency_priv/appendEntries`), called
// by internal/httpapi's private router.
func (a *Agent) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	return a.recvAppendEntriesRPC(req)
}

// HandleRequestVote is the server-side entry point for an incoming
// RequestVote RPC (spec.md §6 `/_api/agency_priv/requestVote`).
func (a *Agent) HandleRequestVote(req constituent.RequestVoteRequest) constituent.RequestVoteResponse {
	return a.constituent.HandleRequestVote(req, a.state)
}
