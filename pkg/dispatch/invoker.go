package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/types"
)

// Invoker performs one external model call. The core treats the call as
// opaque I/O: a prompt goes out, text comes back. Implementations MUST
// honour ctx cancellation at the transport level; a call that cannot be
// cancelled gets abandoned and recorded as orphaned.
type Invoker interface {
	Invoke(ctx context.Context, task *types.Task) (string, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task *types.Task) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, task *types.Task) (string, error) {
	return f(ctx, task)
}

// HTTPInvoker posts tasks to a model gateway and returns the generated text.
// The gateway shape is deliberately minimal: one JSON request, one JSON
// response, provider routing handled behind the URL.
type HTTPInvoker struct {
	// URL is the gateway invoke endpoint.
	URL string

	// Model names the backend the gateway should route to.
	Model string

	// Headers are extra HTTP headers, typically authentication.
	Headers map[string]string

	// Client is the HTTP client to use. Leave the client timeout zero: the
	// per-task deadline arrives through ctx.
	Client *http.Client
}

// NewHTTPInvoker creates an invoker against the given gateway endpoint.
func NewHTTPInvoker(url, model string) *HTTPInvoker {
	return &HTTPInvoker{
		URL:     url,
		Model:   model,
		Headers: make(map[string]string),
		Client:  &http.Client{},
	}
}

type invokeRequest struct {
	Model  string `json:"model"`
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
	File   string `json:"file,omitempty"`
}

type invokeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Invoke posts the task prompt and returns the gateway's output text.
func (h *HTTPInvoker) Invoke(ctx context.Context, task *types.Task) (string, error) {
	body, err := json.Marshal(invokeRequest{
		Model:  h.Model,
		TaskID: task.ID,
		Prompt: task.Prompt,
		File:   task.File,
	})
	if err != nil {
		return "", fmt.Errorf("encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke model %s: %w", h.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Keep a slice of the body for the error trail; gateways put the
		// useful part first.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("model gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode invoke response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("model %s: %s", h.Model, out.Error)
	}
	return out.Output, nil
}

// BreakerConfig tunes the circuit breaker around a model backend. Zero
// values fall back to the defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs, typically the model name.
	Name string

	// ConsecutiveFailures is how many failures in a row trip the breaker.
	// Default 5.
	ConsecutiveFailures uint32

	// OpenFor is how long a tripped breaker refuses calls before probing
	// the backend again. Default 30s.
	OpenFor time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "model"
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
}

// BreakerInvoker wraps an Invoker with a circuit breaker so a backend that
// keeps failing gets probed instead of hammered. While the breaker is open
// every call fails fast with gobreaker.ErrOpenState, which costs the task an
// attempt but does not hold its locks through a doomed call.
type BreakerInvoker struct {
	inner Invoker
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerInvoker wraps inner with a breaker tuned by cfg.
func NewBreakerInvoker(inner Invoker, cfg BreakerConfig) *BreakerInvoker {
	cfg.applyDefaults()
	logger := log.WithComponent("dispatch")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// A cancelled call says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("model breaker changed state")
		},
	})
	return &BreakerInvoker{inner: inner, cb: cb}
}

// Invoke forwards to the wrapped invoker through the breaker.
func (b *BreakerInvoker) Invoke(ctx context.Context, task *types.Task) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Invoke(ctx, task)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
