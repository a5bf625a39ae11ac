package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/droverlabs/drover/pkg/types"
)

type staticNames []string

func (s staticNames) QueueNames(context.Context) ([]string, error) { return s, nil }

type staticStats map[string]*types.QueueStats

func (s staticStats) Stats(_ context.Context, queue string) (*types.QueueStats, error) {
	return s[queue], nil
}

type staticAgents []*types.AgentInfo

func (s staticAgents) List(context.Context) ([]*types.AgentInfo, error) { return s, nil }

func TestCollectorRefreshesGauges(t *testing.T) {
	stats := staticStats{
		"backend": {
			Queue:   "backend",
			Pending: 5,
			Tiers: map[types.Priority]types.TierStats{
				types.PriorityHigh:   {Pending: 3},
				types.PriorityNormal: {Pending: 2},
			},
		},
	}
	agents := staticAgents{
		{ID: "a1", Status: types.AgentWorking},
		{ID: "a2", Status: types.AgentWorking},
		{ID: "a3", Status: types.AgentIdle},
	}

	// A long interval means only the immediate first pass runs; Stop waits
	// for it.
	c := NewCollector(staticNames{"backend"}, stats, agents, time.Hour)
	c.Start()
	c.Stop()

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("backend", "high")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues("backend", "normal")))
	assert.Equal(t, 2.0, testutil.ToFloat64(AgentsTotal.WithLabelValues("working")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AgentsTotal.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(AgentsTotal.WithLabelValues("unreachable")))
}

func TestCollectorToleratesNilReaders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Hour)
	c.Start()
	c.Stop()
}
