package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/constituent"
)

// HTTPTransport implements agent.Transport over the agency_priv REST
// contract (spec.md §6), letting one agent call another without either
// depending on a particular RPC framework (grounded on
// SumiMakito-raft/transport_grpc.go's client-per-peer shape, reapplied to
// plain HTTP round trips instead of a pooled grpc.ClientConn).
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a Transport backed by a shared http.Client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// SendAppendEntries implements agent.Transport.
func (t *HTTPTransport) SendAppendEntries(ctx context.Context, endpoint string, req agent.AppendEntriesRequest) (agent.AppendEntriesResponse, error) {
	q := url.Values{}
	q.Set("term", strconv.FormatUint(req.Term, 10))
	q.Set("leaderId", req.LeaderID)
	q.Set("prevLogIndex", strconv.FormatUint(req.PrevLogIndex, 10))
	q.Set("prevLogTerm", strconv.FormatUint(req.PrevLogTerm, 10))
	q.Set("leaderCommit", strconv.FormatUint(req.LeaderCommit, 10))
	q.Set("senderTimeStamp", req.SenderTimestamp.Format(time.RFC3339Nano))

	body := appendEntriesBody{Snapshot: req.Snapshot, Entries: req.Entries}
	payload, err := json.Marshal(body)
	if err != nil {
		return agent.AppendEntriesResponse{}, err
	}

	u := endpoint + "/_api/agency_priv/appendEntries?" + q.Encode()
	var resp agent.AppendEntriesResponse
	err = t.postJSON(ctx, u, payload, &resp)
	return resp, err
}

// SendRequestVote implements agent.Transport.
func (t *HTTPTransport) SendRequestVote(ctx context.Context, endpoint string, req constituent.RequestVoteRequest) (constituent.RequestVoteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return constituent.RequestVoteResponse{}, err
	}
	var resp constituent.RequestVoteResponse
	err = t.postJSON(ctx, endpoint+"/_api/agency_priv/requestVote", payload, &resp)
	return resp, err
}

func (t *HTTPTransport) postJSON(ctx context.Context, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpapi: %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
