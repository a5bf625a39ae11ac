package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/types"
)

// QueueNamer discovers the live queue names.
type QueueNamer interface {
	QueueNames(ctx context.Context) ([]string, error)
}

// QueueStatser provides the per-queue statistics snapshot.
type QueueStatser interface {
	Stats(ctx context.Context, queue string) (*types.QueueStats, error)
}

// AgentLister provides the registry listing.
type AgentLister interface {
	List(ctx context.Context) ([]*types.AgentInfo, error)
}

// Collector refreshes the gauges that mirror store state, queue depth per
// tier and agents per status, on a fixed interval so scrapes stay cheap.
type Collector struct {
	names    QueueNamer
	stats    QueueStatser
	agents   AgentLister
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a collector polling through the given readers every
// interval. Zero means 15s.
func NewCollector(names QueueNamer, stats QueueStatser, agents AgentLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		names:    names,
		stats:    stats,
		agents:   agents,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop with an immediate first pass.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop, waiting for an in-flight pass to finish. Call only
// after Start.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectQueueMetrics(ctx)
	c.collectAgentMetrics(ctx)
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	if c.names == nil || c.stats == nil {
		return
	}
	names, err := c.names.QueueNames(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("gauge refresh: queue discovery failed")
		return
	}
	for _, queue := range names {
		stats, err := c.stats.Stats(ctx, queue)
		if err != nil {
			c.logger.Warn().Err(err).Str("queue", queue).Msg("gauge refresh: stats failed")
			continue
		}
		for priority, tier := range stats.Tiers {
			QueueDepth.WithLabelValues(queue, string(priority)).Set(float64(tier.Pending))
		}
	}
}

func (c *Collector) collectAgentMetrics(ctx context.Context) {
	if c.agents == nil {
		return
	}
	agents, err := c.agents.List(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("gauge refresh: agent list failed")
		return
	}

	counts := make(map[types.AgentStatus]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}

	// Zero out statuses with no agents so stale gauges do not linger.
	for _, status := range []types.AgentStatus{
		types.AgentIdle, types.AgentWorking, types.AgentStopped, types.AgentUnreachable,
	} {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
