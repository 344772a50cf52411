// Package agencyclient implements AsyncAgencyComm (spec.md §4.7): a
// failover-aware REST client for the agency's public HTTP surface. It
// tracks a deque of known endpoints and a "current leader" hint, retries
// across 503/307 redirects, and falls back to an inquiry loop when a
// write times out.
package agencyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestType distinguishes read/write/custom calls, which carry
// different timeout and retry semantics (spec.md §4.7).
type RequestType int

const (
	RequestRead RequestType = iota
	RequestWrite
	RequestCustom
)

// Errors surfaced to callers (spec.md §8 "Error kinds").
var (
	ErrNoEndpoints = errors.New("agencyclient: no known endpoints")
	ErrTimeout     = errors.New("agencyclient: request timed out")
)

// leaderHintHeader is the header the agency's HTTP layer sets on a 503
// response naming the endpoint of the server it currently believes leads.
const leaderHintHeader = "X-Arango-Agency-Leader"

// Client is a thread-safe AsyncAgencyComm instance, shared by every
// goroutine issuing agency requests from one process.
type Client struct {
	mu        sync.Mutex
	endpoints []string
	leader    string // "" means "no hint yet, try endpoints in order"

	httpClient *http.Client
	logger     *zap.SugaredLogger

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Options configures a Client.
type Options struct {
	Endpoints    []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// New creates a Client seeded with the given endpoints.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	endpoints := append([]string(nil), opts.Endpoints...)
	return &Client{
		endpoints:    endpoints,
		httpClient:   &http.Client{},
		logger:       logger.Named("agencyclient"),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// SetEndpoints replaces the known endpoint set, e.g. after a gossip round
// changes agency membership.
func (c *Client) SetEndpoints(endpoints []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints = append([]string(nil), endpoints...)
}

func (c *Client) head() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != "" {
		return c.leader, nil
	}
	if len(c.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	return c.endpoints[0], nil
}

func (c *Client) adoptLeader(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = endpoint
	for _, e := range c.endpoints {
		if e == endpoint {
			return
		}
	}
	c.endpoints = append(c.endpoints, endpoint)
}

func (c *Client) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == failed {
		c.leader = ""
	}
	for i, e := range c.endpoints {
		if e == failed {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			c.endpoints = append(c.endpoints, failed)
			return
		}
	}
}

// timeoutFor returns the per-call timeout for reqType, used both as the
// HTTP client deadline and as the trigger for the write-timeout inquiry
// fallback.
func (c *Client) timeoutFor(reqType RequestType) time.Duration {
	switch reqType {
	case RequestWrite:
		return c.writeTimeout
	default:
		return c.readTimeout
	}
}

// SendWithFailover issues method against path on the current head
// endpoint, retrying on 503-with-leader-hint and 307 redirects, and
// falling back to an inquiry loop on write timeout (spec.md §4.7).
// clientIDs is only consulted for RequestWrite — it is what the inquiry
// loop checks once the original request's outcome is unknown.
func (c *Client) SendWithFailover(ctx context.Context, method, path string, reqType RequestType, clientIDs []string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
	}

	timeout := c.timeoutFor(reqType)
	const maxHops = 5
	for hop := 0; hop < maxHops; hop++ {
		endpoint, err := c.head()
		if err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, respBody, err := c.doOnce(callCtx, method, endpoint+path, bodyBytes)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				switch reqType {
				case RequestWrite:
					if len(clientIDs) > 0 {
						if idx, inquireErr := c.inquireUntilSettled(ctx, clientIDs); inquireErr == nil {
							return json.Marshal(map[string]uint64{"index": idx})
						}
					}
				case RequestCustom:
					return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
				}
			}
			c.rotate(endpoint)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusServiceUnavailable:
			if hint := resp.Header.Get(leaderHintHeader); hint != "" {
				c.adoptLeader(hint)
				continue
			}
			c.rotate(endpoint)
			continue
		case resp.StatusCode == http.StatusTemporaryRedirect:
			location := resp.Header.Get("Location")
			if location == "" {
				c.rotate(endpoint)
				continue
			}
			c.adoptLeader(location)
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil
		default:
			return respBody, fmt.Errorf("agencyclient: %s %s: status %d", method, path, resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("agencyclient: exhausted %d redirect hops for %s %s", maxHops, method, path)
}

func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, data, nil
}

// inquireUntilSettled polls POST /_api/agency/inquire against the current
// head until every clientId in ids has a non-zero assigned log index, or
// ctx is done (spec.md §4.7, §4.2 testable property "write timeout →
// inquiry").
func (c *Client) inquireUntilSettled(ctx context.Context, ids []string) (uint64, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			endpoint, err := c.head()
			if err != nil {
				return 0, err
			}
			body, _ := json.Marshal(ids)
			callCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
			resp, data, err := c.doOnce(callCtx, http.MethodPost, endpoint+"/_api/agency/inquire", body)
			cancel()
			if err != nil || resp.StatusCode != http.StatusOK {
				c.rotate(endpoint)
				continue
			}
			var result map[string]uint64
			if err := json.Unmarshal(data, &result); err != nil {
				continue
			}
			settled := true
			var maxIdx uint64
			for _, id := range ids {
				idx, ok := result[id]
				if !ok || idx == 0 {
					settled = false
					break
				}
				if idx > maxIdx {
					maxIdx = idx
				}
			}
			if settled {
				return maxIdx, nil
			}
		}
	}
}

// NewClientID generates a fresh idempotence token for a write call
// (spec.md §4.2 "inquire").
func NewClientID() string {
	return uuid.NewString()
}
