package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, typically the model gateway. Any
// response inside the accepted status range counts as healthy; the default
// range treats any answer below 500 as proof of life, since a gateway that
// rejects an unauthenticated GET is still up.
type HTTPChecker struct {
	// URL is the full endpoint to probe.
	URL string

	// Method is the HTTP method to use (default GET).
	Method string

	// Headers are custom headers sent with the probe.
	Headers map[string]string

	// StatusMin and StatusMax bound the accepted status codes, inclusive
	// (default 200-499).
	StatusMin int
	StatusMax int

	// Client is the HTTP client to use.
	Client *http.Client
}

// NewHTTPChecker creates an HTTP probe against the given URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		Headers:   make(map[string]string),
		StatusMin: 200,
		StatusMax: 499,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs the probe. The context bounds the whole request on top of
// the client timeout.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{CheckedAt: start}

	code, err := h.probe(ctx)
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		res.Message = fmt.Sprintf("request failed: %v", err)
	case code < h.StatusMin || code > h.StatusMax:
		res.Message = fmt.Sprintf("HTTP %d %s (expected %d-%d)",
			code, http.StatusText(code), h.StatusMin, h.StatusMax)
	default:
		res.Healthy = true
		res.Message = fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
	}
	return res
}

func (h *HTTPChecker) probe(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return 0, err
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// WithHeader adds a custom header to the probe.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange sets the accepted status code range, inclusive.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin, h.StatusMax = min, max
	return h
}

// WithTimeout sets the probe timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
