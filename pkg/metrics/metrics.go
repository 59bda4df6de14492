package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scout metrics
	ScanDirsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_scan_dirs_total",
			Help: "Total number of directories scanned",
		},
	)

	ScanFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_scan_files_total",
			Help: "Total number of files examined by the scout",
		},
	)

	ScanBytesHashed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_scan_bytes_hashed_total",
			Help: "Total bytes fed through the content hasher",
		},
	)

	FileVersionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_file_versions_created_total",
			Help: "Total number of new file versions recorded",
		},
	)

	// Queue metrics
	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
	)

	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparian_jobs_failed_total",
			Help: "Total number of failed jobs by error kind",
		},
		[]string{"kind"},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_jobs_reclaimed_total",
			Help: "Total number of stalled jobs returned to PENDING",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casparian_job_duration_seconds",
			Help:    "Wall-clock job duration from claim to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Data plane metrics
	BatchesStreamed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_batches_streamed_total",
			Help: "Total number of Arrow record batches received from sandboxes",
		},
	)

	RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparian_rows_written_total",
			Help: "Total rows written to staging by sink kind",
		},
		[]string{"sink"},
	)

	SinkCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparian_sink_commits_total",
			Help: "Total sink commits by sink kind and write mode",
		},
		[]string{"sink", "mode"},
	)

	SinkCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparian_sink_commit_failures_total",
			Help: "Total failed sink commits by sink kind",
		},
		[]string{"sink"},
	)

	// Cluster metrics
	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casparian_workers_online",
			Help: "Number of workers currently marked ONLINE",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_heartbeats_sent_total",
			Help: "Total heartbeats sent by this process",
		},
	)

	DispatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casparian_dispatch_queue_depth",
			Help: "Deferred dispatches queued in the sentinel by env signature",
		},
		[]string{"env"},
	)

	ProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparian_protocol_errors_total",
			Help: "Total malformed or unexpected frames rejected",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScanDirsTotal,
		ScanFilesTotal,
		ScanBytesHashed,
		FileVersionsCreated,
		JobsEnqueued,
		JobsClaimed,
		JobsCompleted,
		JobsFailed,
		JobsReclaimed,
		JobDuration,
		BatchesStreamed,
		RowsWritten,
		SinkCommits,
		SinkCommitFailures,
		WorkersOnline,
		HeartbeatsSent,
		DispatchQueueDepth,
		ProtocolErrors,
	)
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Handler returns the prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr. Blocks; intended to run in a
// goroutine owned by the caller.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
