package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds agent and janitor process configuration. Values come from the
// environment; CLI flags override individual fields after FromEnv.
type Config struct {
	// StoreURL is the shared store connection string (redis://...).
	StoreURL string

	// AgentID uniquely identifies this worker. Empty means the process
	// should generate one at startup.
	AgentID string

	// AgentType is the queue the agent consumes by default, typically a
	// model identifier.
	AgentType string

	// Queues lists the logical queues the agent serves, in preference
	// order. Empty falls back to AgentType.
	Queues []string

	HeartbeatInterval   time.Duration
	TaskTimeout         time.Duration
	DedupTTL            time.Duration
	StarvationThreshold time.Duration
	MaxAttempts         int

	// DequeueBlock bounds how long one dequeue call waits for work.
	DequeueBlock time.Duration

	// ScavengerInterval is the idle poll period for the shared todo pool.
	ScavengerInterval time.Duration

	// APIAddr is the observability HTTP listen address.
	APIAddr string

	// DataDir holds local state such as the result artifact store.
	DataDir string

	// RulesFile is the optional priority-rules YAML path.
	RulesFile string

	LogLevel string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		StoreURL:            "redis://localhost:6379/0",
		AgentType:           "worker",
		HeartbeatInterval:   30 * time.Second,
		TaskTimeout:         10 * time.Minute,
		DedupTTL:            300 * time.Second,
		StarvationThreshold: 5 * time.Minute,
		MaxAttempts:         3,
		DequeueBlock:        1 * time.Second,
		ScavengerInterval:   10 * time.Second,
		APIAddr:             ":8090",
		DataDir:             "/var/lib/drover",
		LogLevel:            "info",
	}
}

// FromEnv builds a Config from the environment, applying defaults for unset
// variables.
func FromEnv() (Config, error) {
	cfg := Defaults()

	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("AGENT_TYPE"); v != "" {
		cfg.AgentType = v
	}
	if v := os.Getenv("QUEUES"); v != "" {
		cfg.Queues = splitList(v)
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	var err error
	if cfg.HeartbeatInterval, err = envMillis("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval); err != nil {
		return cfg, err
	}
	if cfg.TaskTimeout, err = envMillis("TASK_TIMEOUT_MS", cfg.TaskTimeout); err != nil {
		return cfg, err
	}
	if cfg.StarvationThreshold, err = envMillis("STARVATION_THRESHOLD_MS", cfg.StarvationThreshold); err != nil {
		return cfg, err
	}
	if cfg.DequeueBlock, err = envMillis("DEQUEUE_BLOCK_MS", cfg.DequeueBlock); err != nil {
		return cfg, err
	}
	if cfg.ScavengerInterval, err = envMillis("SCAVENGER_INTERVAL_MS", cfg.ScavengerInterval); err != nil {
		return cfg, err
	}
	if v := os.Getenv("DEDUP_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse DEDUP_TTL_SEC: %w", err)
		}
		cfg.DedupTTL = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	return cfg, nil
}

// Validate checks invariants shared by every process kind.
func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("store URL is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("dedup TTL must be positive, got %s", c.DedupTTL)
	}
	return nil
}

// UnreachableThreshold is the silence window after which an agent is
// considered dead: three missed heartbeats.
func (c *Config) UnreachableThreshold() time.Duration {
	return 3 * c.HeartbeatInterval
}

// LockTTL is the default file lock lease: the task timeout plus a margin so
// a slow-but-alive task does not lose its lock at the deadline.
func (c *Config) LockTTL() time.Duration {
	return c.TaskTimeout + 60*time.Second
}

// ActiveQueues resolves the queues the agent serves, falling back to the
// agent type when none are configured.
func (c *Config) ActiveQueues() []string {
	if len(c.Queues) > 0 {
		return c.Queues
	}
	if c.AgentType != "" {
		return []string{c.AgentType}
	}
	return nil
}

// DefaultAgentID generates a stable-enough worker identity for processes
// started without an explicit AGENT_ID.
func DefaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + uuid.NewString()[:8]
}

func envMillis(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
