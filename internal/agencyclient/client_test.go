package agencyclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWithFailoverFollows503LeaderHint(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer leader.Close()

	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(leaderHintHeader, leader.URL)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer stale.Close()

	c := New(Options{Endpoints: []string{stale.URL}})
	data, err := c.SendWithFailover(context.Background(), http.MethodGet, "/_api/agency/read", RequestRead, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ok")
}

func TestSendWithFailoverFollows307Redirect(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", leader.URL)
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := New(Options{Endpoints: []string{follower.URL}})
	data, err := c.SendWithFailover(context.Background(), http.MethodPost, "/_api/agency/write", RequestWrite, nil, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "ok")
}

func TestSendWithFailoverWriteTimeoutFallsBackToInquire(t *testing.T) {
	var inquireCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_api/agency/write":
			time.Sleep(100 * time.Millisecond) // longer than the client's write timeout
		case "/_api/agency/inquire":
			inquireCalls++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]uint64{"cid-1": 42})
		}
	}))
	defer server.Close()

	c := New(Options{Endpoints: []string{server.URL}, WriteTimeout: 10 * time.Millisecond})
	data, err := c.SendWithFailover(context.Background(), http.MethodPost, "/_api/agency/write", RequestWrite, []string{"cid-1"}, map[string]string{"k": "v"})
	require.NoError(t, err)

	var result map[string]uint64
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, uint64(42), result["index"])
	assert.GreaterOrEqual(t, inquireCalls, 1)
}

func TestSendWithFailoverPropagatesCustomTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	c := New(Options{Endpoints: []string{server.URL}, ReadTimeout: 10 * time.Millisecond})
	_, err := c.SendWithFailover(context.Background(), http.MethodPost, "/_api/agency/transact", RequestCustom, nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendWithFailoverReturnsErrorWhenNoEndpoints(t *testing.T) {
	c := New(Options{})
	_, err := c.SendWithFailover(context.Background(), http.MethodGet, "/_api/agency/read", RequestRead, nil, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
