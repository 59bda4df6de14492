/*
Package metrics exposes Prometheus collectors for Casparian Flow.

Collectors are package-level variables registered in init, covering the
scout (directories, files, bytes hashed, versions), the job queue
(enqueued/claimed/completed/failed/reclaimed, duration histogram), the
data plane (batches streamed, rows written, sink commits), and the
cluster (workers online, heartbeats, dispatch queue depth, protocol
errors).

The worker process serves the standard scrape endpoint when a metrics
address is configured; the sentinel does not serve one:

	go metrics.Serve(cfg.Worker.MetricsAddr)

The Timer helper mirrors the usual prometheus pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobDuration)
*/
package metrics
