// Package client is a thin HTTP client over a process's observability API.
// The status CLI uses it to read queue, agent, lock, and consensus state
// without opening a store connection of its own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/types"
)

// Client talks to one process's observability API. All methods are
// read-only; the API has no write surface.
type Client struct {
	base string
	http *http.Client
}

// New builds a client against addr. A bare host:port gets the http scheme.
// The client timeout stays zero: deadlines arrive through ctx.
func New(addr string) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{}}
}

// Health is the /healthz liveness payload.
type Health struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// Check is one readiness probe result.
type Check struct {
	Healthy    bool   `json:"healthy"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

// Readiness is the /readyz payload.
type Readiness struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// Ready reports whether every probe passed.
func (r *Readiness) Ready() bool { return r.Status == "ready" }

// Healthz reports process liveness.
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Readyz reports the component probe results. A degraded process answers
// 503 with the same body, so the caller gets the failing probes back
// instead of an error.
func (c *Client) Readyz(ctx context.Context) (*Readiness, error) {
	resp, err := c.do(ctx, "/readyz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError("/readyz", resp)
	}
	var out Readiness
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode /readyz: %w", err)
	}
	return &out, nil
}

// Snapshot fetches the whole operator view in one call.
func (c *Client) Snapshot(ctx context.Context) (*api.Snapshot, error) {
	var out api.Snapshot
	if err := c.get(ctx, "/v1/snapshot", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueStats fetches one queue's tier statistics.
func (c *Client) QueueStats(ctx context.Context, queue string) (*types.QueueStats, error) {
	var out types.QueueStats
	if err := c.get(ctx, "/v1/queues/"+url.PathEscape(queue)+"/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents lists the registry.
func (c *Client) Agents(ctx context.Context) ([]*types.AgentInfo, error) {
	var out []*types.AgentInfo
	if err := c.get(ctx, "/v1/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Locks returns the live lock table keyed by path.
func (c *Client) Locks(ctx context.Context) (map[string]*types.FileLock, error) {
	var out map[string]*types.FileLock
	if err := c.get(ctx, "/v1/locks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConsensusPending lists undecided requests, soonest expiry first.
func (c *Client) ConsensusPending(ctx context.Context) ([]*types.ConsensusRequest, error) {
	var out []*types.ConsensusRequest
	if err := c.get(ctx, "/v1/consensus/pending", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// apiError surfaces the server's error message, falling back to a body
// snippet when the payload is not the usual {"error": ...} shape.
func apiError(path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(snippet, &body) == nil && body.Error != "" {
		return fmt.Errorf("GET %s: %d: %s", path, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("GET %s: %d: %s", path, resp.StatusCode, bytes.TrimSpace(snippet))
}
