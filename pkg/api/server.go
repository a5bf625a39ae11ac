package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/droverlabs/drover/pkg/health"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// QueueReader exposes per-queue statistics.
type QueueReader interface {
	Stats(ctx context.Context, queueName string) (*types.QueueStats, error)
}

// AgentReader exposes the agent registry.
type AgentReader interface {
	List(ctx context.Context) ([]*types.AgentInfo, error)
}

// LockReader exposes the live lock table.
type LockReader interface {
	ListLocks(ctx context.Context) (map[string]*types.FileLock, error)
}

// ConsensusReader exposes undecided consensus requests.
type ConsensusReader interface {
	ListPending(ctx context.Context) ([]*types.ConsensusRequest, error)
}

// TodoReader exposes the shared todo pool counters.
type TodoReader interface {
	Pending(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) ([]string, error)
}

// Deps are the read surfaces the server composes. Store is used for the
// readiness fallback and queue discovery only.
type Deps struct {
	Store     store.Store
	Queues    QueueReader
	Agents    AgentReader
	Locks     LockReader
	Consensus ConsensusReader
	Todos     TodoReader

	// Health is the component probe set served by /readyz. Nil gets a
	// default set probing only the store.
	Health *health.Checks
}

// Config tunes the observability server.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// RefreshInterval paces the background gauge refresh. Default 15s.
	RefreshInterval time.Duration

	// Version is reported by /healthz.
	Version string
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Second
	}
}

// Server is the read-only observability surface: health probes, prometheus
// metrics, and JSON views over queues, agents, locks, and consensus.
type Server struct {
	cfg       Config
	deps      Deps
	logger    zerolog.Logger
	http      *http.Server
	started   time.Time
	discovery queueDiscovery
	collector *metrics.Collector
}

// NewServer creates a server; Start makes it listen.
func NewServer(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	if deps.Health == nil {
		deps.Health = health.NewChecks()
		deps.Health.RegisterFunc("store", deps.Store.Ping)
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    log.WithComponent("api"),
		started:   time.Now(),
		discovery: queueDiscovery{store: deps.Store},
	}
	s.collector = metrics.NewCollector(s.discovery, deps.Queues, deps.Agents, cfg.RefreshInterval)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mountable without the listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/queues/{queue}/stats", s.handleQueueStats)
		r.Get("/agents", s.handleAgents)
		r.Get("/locks", s.handleLocks)
		r.Get("/consensus/pending", s.handleConsensusPending)
	})
	return r
}

// Start serves until Shutdown. The gauge collector runs beside the listener.
func (s *Server) Start() error {
	s.collector.Start()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the listener and the collector, draining in-flight
// requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.collector.Stop()
	return s.http.Shutdown(ctx)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "alive",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"version": s.cfg.Version,
	})
}

// checkView is the readyz rendering of one probe result.
type checkView struct {
	Healthy    bool   `json:"healthy"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report := s.deps.Health.Run(ctx)
	checks := make(map[string]checkView, len(report.Results))
	for name, res := range report.Results {
		checks[name] = checkView{
			Healthy:    res.Healthy,
			Message:    res.Message,
			DurationMs: res.Duration.Milliseconds(),
		}
	}

	status, state := http.StatusOK, "ready"
	if !report.Healthy {
		status, state = http.StatusServiceUnavailable, "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// TodoStats is the snapshot view of the shared todo pool.
type TodoStats struct {
	Pending  int64 `json:"pending"`
	InFlight int   `json:"in_flight"`
}

// Snapshot is the one-call operator view over the whole deployment.
type Snapshot struct {
	Timestamp string                       `json:"timestamp"`
	Queues    map[string]*types.QueueStats `json:"queues"`
	Agents    []*types.AgentInfo           `json:"agents"`
	Locks     map[string]*types.FileLock   `json:"locks"`
	Consensus []*types.ConsensusRequest    `json:"consensus_pending"`
	Todos     TodoStats                    `json:"todos"`
}

// handleSnapshot gathers queue, agent, lock, consensus, and todo state in
// one concurrent read burst. Sections land in distinct fields, so the group
// needs no locking.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := Snapshot{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		names, err := s.discovery.QueueNames(ctx)
		if err != nil {
			return err
		}
		queues := make(map[string]*types.QueueStats, len(names))
		for _, name := range names {
			st, err := s.deps.Queues.Stats(ctx, name)
			if err != nil {
				return err
			}
			queues[name] = st
		}
		snap.Queues = queues
		return nil
	})
	g.Go(func() error {
		agents, err := s.deps.Agents.List(ctx)
		if err != nil {
			return err
		}
		if agents == nil {
			agents = []*types.AgentInfo{}
		}
		snap.Agents = agents
		return nil
	})
	g.Go(func() error {
		locks, err := s.deps.Locks.ListLocks(ctx)
		if err != nil {
			return err
		}
		snap.Locks = locks
		return nil
	})
	g.Go(func() error {
		pending, err := s.deps.Consensus.ListPending(ctx)
		if err != nil {
			return err
		}
		if pending == nil {
			pending = []*types.ConsensusRequest{}
		}
		snap.Consensus = pending
		return nil
	})
	g.Go(func() error {
		pending, err := s.deps.Todos.Pending(ctx)
		if err != nil {
			return err
		}
		inflight, err := s.deps.Todos.InFlight(ctx)
		if err != nil {
			return err
		}
		snap.Todos = TodoStats{Pending: pending, InFlight: len(inflight)}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Msg("snapshot read burst failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	st, err := s.deps.Queues.Stats(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Agents.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agents == nil {
		agents = []*types.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.deps.Locks.ListLocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleConsensusPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Consensus.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pending == nil {
		pending = []*types.ConsensusRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// queueDiscovery finds the live queues by their priorities sets. Shared by
// the snapshot handler and the gauge collector.
type queueDiscovery struct {
	store store.Store
}

func (q queueDiscovery) QueueNames(ctx context.Context) ([]string, error) {
	keys, err := q.store.ScanKeys(ctx, "queue:*:priorities")
	if err != nil {
		return nil, fmt.Errorf("discover queues: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(key, "queue:"), ":priorities"))
	}
	return names, nil
}
