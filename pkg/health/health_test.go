package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFuncReportsError(t *testing.T) {
	ok := CheckFunc(func(ctx context.Context) error { return nil })
	res := ok.Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Equal(t, "ok", res.Message)

	bad := CheckFunc(func(ctx context.Context) error { return fmt.Errorf("store unreachable") })
	res = bad.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, "store unreachable", res.Message)
}

func TestRunAggregatesResults(t *testing.T) {
	checks := NewChecks()
	checks.RegisterFunc("store", func(ctx context.Context) error { return nil })
	checks.RegisterFunc("gateway", func(ctx context.Context) error { return fmt.Errorf("connection refused") })
	checks.RegisterFunc("artifacts", func(ctx context.Context) error { return nil })

	report := checks.Run(context.Background())

	assert.False(t, report.Healthy)
	require.Len(t, report.Results, 3)
	assert.True(t, report.Results["store"].Healthy)
	assert.False(t, report.Results["gateway"].Healthy)
	assert.Contains(t, report.Results["gateway"].Message, "connection refused")
	assert.True(t, report.Results["artifacts"].Healthy)
}

func TestEmptyChecksReportHealthy(t *testing.T) {
	report := NewChecks().Run(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Results)
}

func TestRegisterReplacesByName(t *testing.T) {
	checks := NewChecks()
	checks.RegisterFunc("store", func(ctx context.Context) error { return fmt.Errorf("down") })
	checks.RegisterFunc("store", func(ctx context.Context) error { return nil })

	report := checks.Run(context.Background())
	require.Len(t, report.Results, 1)
	assert.True(t, report.Healthy)
}

func TestHTTPCheckerAcceptsAnswer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL).WithHeader("Authorization", "Bearer tok")
	res := checker.Check(context.Background())

	assert.True(t, res.Healthy)
	assert.Contains(t, res.Message, "200")
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestHTTPCheckerTreatsRejectionAsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.True(t, res.Healthy, "an authenticated-only gateway still answered")
}

func TestHTTPCheckerRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "expected 200-499")
}

func TestHTTPCheckerRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewHTTPChecker(url).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "request failed")
}

func TestHTTPCheckerStatusRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).WithStatusRange(200, 200).Check(context.Background())
	assert.False(t, res.Healthy)
}
