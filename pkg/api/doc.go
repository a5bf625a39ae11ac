/*
Package api serves the read-only observability surface over HTTP:

	/healthz                  liveness (process up, uptime, version)
	/readyz                   readiness (store, gateway, artifact probes)
	/metrics                  prometheus scrape endpoint
	/v1/snapshot              queues + agents + locks + consensus + todos
	/v1/queues/{queue}/stats  one queue's tier statistics
	/v1/agents                registry listing
	/v1/locks                 live lock table
	/v1/consensus/pending     undecided requests, soonest expiry first

The snapshot gathers its sections in one concurrent read burst so the
operator view is as close to a single instant as the store allows. Writes
never happen here; every mutation goes through the CLI or an agent.

The metrics collector runs beside the listener, refreshing the fleet-level
gauges (queue depth per tier, agents per status) on a background ticker so
scrapes stay cheap.
*/
package api
