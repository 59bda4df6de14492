package storage

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/pkg/types"
)

// JobFilter narrows ListJobs
type JobFilter struct {
	Status     types.JobStatus
	PluginName string
	Limit      int
}

// Store is the typed gateway to the metadata store. All mutation in the
// system passes through this interface; the atomic claim operation is
// the sole contention point in the steady state.
type Store interface {
	// Discovery
	UpsertSourceRoot(ctx context.Context, path string, kind types.SourceRootKind) (int64, error)
	UpsertLocation(ctx context.Context, rootID int64, relPath, filename string) (int64, error)
	RecordVersion(ctx context.Context, locationID int64, hash []byte, size int64, mtime time.Time, tags []string) (versionID int64, isNew bool, err error)
	GetFileVersion(ctx context.Context, versionID int64) (*types.FileVersion, error)
	ResolveVersionPath(ctx context.Context, versionID int64) (string, error)

	// Routing catalog
	ListRoutingRules(ctx context.Context) ([]types.RoutingRule, error)
	PutRoutingRule(ctx context.Context, rule types.RoutingRule) (int64, error)
	ListPluginConfigs(ctx context.Context) ([]types.PluginConfig, error)
	PutPluginConfig(ctx context.Context, cfg types.PluginConfig) (int64, error)
	ListTopicConfigs(ctx context.Context, pluginName string) ([]types.TopicConfig, error)
	PutTopicConfig(ctx context.Context, cfg types.TopicConfig) (int64, error)

	// Plugin manifests
	InsertManifest(ctx context.Context, m *types.PluginManifest) (int64, error)
	GetActiveManifest(ctx context.Context, pluginName string) (*types.PluginManifest, error)
	SetManifestStatus(ctx context.Context, id int64, status types.ManifestStatus) error
	ListManifests(ctx context.Context) ([]types.PluginManifest, error)

	// Job queue
	EnqueueJobs(ctx context.Context, versionID int64, specs []types.JobSpec) (int, error)
	ClaimNextJob(ctx context.Context, envSignatures []string, host string, pid int) (*types.ProcessingJob, error)
	ClaimJob(ctx context.Context, jobID int64, host string, pid int) (*types.ProcessingJob, error)
	StartJob(ctx context.Context, jobID int64, host string) error
	Heartbeat(ctx context.Context, jobID int64, host string) error
	CompleteJob(ctx context.Context, jobID int64, summary string) error
	FailJob(ctx context.Context, jobID int64, kind types.ErrorKind, message string, retryable bool) error
	ReclaimStalled(ctx context.Context, leaseTimeout time.Duration) (int, error)
	GetJob(ctx context.Context, jobID int64) (*types.ProcessingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]types.ProcessingJob, error)
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error)

	// Worker registry
	UpsertWorker(ctx context.Context, w types.WorkerInfo) error
	ListWorkers(ctx context.Context) ([]types.WorkerInfo, error)
	MarkWorkersOffline(ctx context.Context, timeout time.Duration) (int, error)

	Close() error
}
