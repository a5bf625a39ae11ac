// Package health runs named component probes for a process: the shared
// store, the model gateway, the artifact store. The readiness endpoint
// serves the combined report.
package health

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is one component probe.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckFunc adapts a plain error-returning probe into a Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{Healthy: true, Message: "ok", CheckedAt: start}
	if err := f(ctx); err != nil {
		res.Healthy = false
		res.Message = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// Report is the combined outcome of one Run. Healthy is the conjunction of
// every check.
type Report struct {
	Healthy bool
	Results map[string]Result
}

// Checks is an ordered, named set of component probes. Registration happens
// at process startup; Run may be called from any goroutine afterwards.
type Checks struct {
	mu     sync.Mutex
	names  []string
	checks map[string]Checker
}

// NewChecks returns an empty probe set. Running it reports healthy.
func NewChecks() *Checks {
	return &Checks{checks: make(map[string]Checker)}
}

// Register adds a named probe. Re-registering a name replaces the probe.
func (c *Checks) Register(name string, checker Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
	}
	c.checks[name] = checker
}

// RegisterFunc adds a named probe from a plain function.
func (c *Checks) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, CheckFunc(fn))
}

// Run executes every probe under the caller's context and reports the
// combined outcome. Probes run sequentially in registration order.
func (c *Checks) Run(ctx context.Context) Report {
	c.mu.Lock()
	names := make([]string, len(c.names))
	copy(names, c.names)
	checks := make(map[string]Checker, len(c.checks))
	for name, chk := range c.checks {
		checks[name] = chk
	}
	c.mu.Unlock()

	report := Report{Healthy: true, Results: make(map[string]Result, len(names))}
	for _, name := range names {
		res := checks[name].Check(ctx)
		report.Results[name] = res
		if !res.Healthy {
			report.Healthy = false
		}
	}
	return report
}
