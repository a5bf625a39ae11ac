package queue

import (
	"strconv"
	"time"

	"github.com/droverlabs/drover/pkg/types"
)

// tier is one non-empty priority level of a queue, as seen by the scheduler.
type tier struct {
	priority types.Priority
	weight   float64
	pending  int64
}

// schedState is the per-queue fair-scheduler state persisted in the store:
// a monotonically increasing dequeue counter and the last time each tier
// was served. Shared by every worker serving the queue.
type schedState struct {
	counter    int64
	lastServed map[types.Priority]time.Time
}

const (
	schedCounterField    = "c"
	schedServedFieldBase = "served:"
)

func parseSchedState(fields map[string]string) schedState {
	st := schedState{lastServed: make(map[types.Priority]time.Time)}
	for field, value := range fields {
		if field == schedCounterField {
			st.counter, _ = strconv.ParseInt(value, 10, 64)
			continue
		}
		if len(field) > len(schedServedFieldBase) && field[:len(schedServedFieldBase)] == schedServedFieldBase {
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			st.lastServed[types.Priority(field[len(schedServedFieldBase):])] = time.UnixMilli(ms)
		}
	}
	return st
}

func servedField(p types.Priority) string {
	return schedServedFieldBase + string(p)
}

// gateOpen reports whether a tier of the given weight is eligible on tick c.
// Heavier tiers open more often; weight 10 opens every tick.
func gateOpen(weight float64, c int64) bool {
	switch {
	case weight >= 10:
		return true
	case weight >= 5:
		return c%2 == 0
	case weight >= 1:
		return c%5 == 0
	case weight >= 0.5:
		return c%10 == 0
	default:
		return c%20 == 0
	}
}

// pickTier selects the next tier to serve from the non-empty tiers, which
// must be sorted by weight descending. It returns the chosen tier and
// whether the choice was a starvation override.
//
// Selection order: any tier past the starvation threshold wins first
// (heaviest such tier); otherwise the heaviest tier whose counter gate is
// open; otherwise the heaviest tier outright, so a dequeue against pending
// work always makes progress.
func pickTier(tiers []tier, st schedState, now time.Time, starvation time.Duration) (tier, bool) {
	// A tier with no serve record is treated as waiting forever: its real
	// wait is unknown and the override errs toward serving it.
	for _, t := range tiers {
		last, seen := st.lastServed[t.priority]
		if !seen || now.Sub(last) > starvation {
			return t, seen
		}
	}

	for _, t := range tiers {
		if gateOpen(t.weight, st.counter) {
			return t, false
		}
	}

	return tiers[0], false
}
