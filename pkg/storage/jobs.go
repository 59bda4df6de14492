package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sl224/casparianflow/pkg/types"
)

const jobColumns = `id, file_version_id, plugin_name, params, priority, status,
	worker_host, worker_pid, claim_time, heartbeat_time, end_time,
	retry_count, error_kind, error_message, summary, created_at`

type jobRow struct {
	ID            int64          `db:"id"`
	FileVersionID int64          `db:"file_version_id"`
	PluginName    string         `db:"plugin_name"`
	Params        string         `db:"params"`
	Priority      int            `db:"priority"`
	Status        string         `db:"status"`
	WorkerHost    sql.NullString `db:"worker_host"`
	WorkerPID     sql.NullInt64  `db:"worker_pid"`
	ClaimTime     sql.NullTime   `db:"claim_time"`
	HeartbeatTime sql.NullTime   `db:"heartbeat_time"`
	EndTime       sql.NullTime   `db:"end_time"`
	RetryCount    int            `db:"retry_count"`
	ErrorKind     sql.NullString `db:"error_kind"`
	ErrorMessage  sql.NullString `db:"error_message"`
	Summary       sql.NullString `db:"summary"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r jobRow) toJob() (*types.ProcessingJob, error) {
	var params map[string]any
	if r.Params != "" {
		if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
			return nil, fmt.Errorf("decode params for job %d: %w", r.ID, err)
		}
	}
	job := &types.ProcessingJob{
		ID:            r.ID,
		FileVersionID: r.FileVersionID,
		PluginName:    r.PluginName,
		Params:        params,
		Priority:      r.Priority,
		Status:        types.JobStatus(r.Status),
		WorkerHost:    r.WorkerHost.String,
		WorkerPID:     int(r.WorkerPID.Int64),
		RetryCount:    r.RetryCount,
		ErrorKind:     r.ErrorKind.String,
		ErrorMessage:  r.ErrorMessage.String,
		Summary:       r.Summary.String,
		CreatedAt:     r.CreatedAt,
	}
	if r.ClaimTime.Valid {
		t := r.ClaimTime.Time
		job.ClaimTime = &t
	}
	if r.HeartbeatTime.Valid {
		t := r.HeartbeatTime.Time
		job.HeartbeatTime = &t
	}
	if r.EndTime.Valid {
		t := r.EndTime.Time
		job.EndTime = &t
	}
	return job, nil
}

// EnqueueJobs batch-inserts jobs for a file version in one transaction.
// A (plugin, version) pair already queued in a non-terminal state is
// silently skipped. Returns the number of rows actually inserted.
func (s *SQLiteStore) EnqueueJobs(ctx context.Context, versionID int64, specs []types.JobSpec) (int, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, spec := range specs {
		params := spec.Params
		if params == nil {
			params = map[string]any{}
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("encode params for %s: %w", spec.PluginName, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO cf_processing_queue (file_version_id, plugin_name, params, priority, status)
			SELECT ?, ?, ?, ?, 'PENDING'
			WHERE NOT EXISTS (
				SELECT 1 FROM cf_processing_queue
				WHERE plugin_name = ? AND file_version_id = ?
				  AND status IN ('PENDING', 'CLAIMED', 'RUNNING')
			)`,
			versionID, spec.PluginName, string(paramsJSON), spec.Priority,
			spec.PluginName, versionID)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s for version %d: %w", spec.PluginName, versionID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return inserted, nil
}

// ClaimNextJob atomically pops the highest-priority PENDING job whose
// plugin's active environment signature is in envSignatures. Exactly one
// of any number of racing claimants receives a given job.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, envSignatures []string, host string, pid int) (*types.ProcessingJob, error) {
	now := time.Now().UTC()

	query := `
		UPDATE cf_processing_queue SET
			status = 'CLAIMED',
			worker_host = ?,
			worker_pid = ?,
			claim_time = ?,
			heartbeat_time = ?
		WHERE id = (
			SELECT q.id FROM cf_processing_queue q
			JOIN cf_plugin_manifest m ON m.name = q.plugin_name AND m.status = 'ACTIVE'
			WHERE q.status = 'PENDING' AND m.env_hash IN (?)
			ORDER BY q.priority DESC, q.id ASC
			LIMIT 1
		) AND status = 'PENDING'
		RETURNING ` + jobColumns

	args := []any{host, pid, now, now}
	if len(envSignatures) == 0 {
		// No capability restriction: claim across all active plugins.
		query = `
			UPDATE cf_processing_queue SET
				status = 'CLAIMED',
				worker_host = ?,
				worker_pid = ?,
				claim_time = ?,
				heartbeat_time = ?
			WHERE id = (
				SELECT q.id FROM cf_processing_queue q
				JOIN cf_plugin_manifest m ON m.name = q.plugin_name AND m.status = 'ACTIVE'
				WHERE q.status = 'PENDING'
				ORDER BY q.priority DESC, q.id ASC
				LIMIT 1
			) AND status = 'PENDING'
			RETURNING ` + jobColumns
	} else {
		expanded, inArgs, err := sqlx.In(query, host, pid, now, now, envSignatures)
		if err != nil {
			return nil, fmt.Errorf("expand claim query: %w", err)
		}
		query = expanded
		args = inArgs
	}

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	return row.toJob()
}

// ClaimJob claims one specific PENDING job by id (push dispatch path)
func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID int64, host string, pid int) (*types.ProcessingJob, error) {
	now := time.Now().UTC()
	var row jobRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE cf_processing_queue SET
			status = 'CLAIMED',
			worker_host = ?,
			worker_pid = ?,
			claim_time = ?,
			heartbeat_time = ?
		WHERE id = ? AND status = 'PENDING'
		RETURNING `+jobColumns,
		host, pid, now, now, jobID).StructScan(&row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", jobID, err)
	}
	return row.toJob()
}

// StartJob moves a CLAIMED job to RUNNING, verifying ownership
func (s *SQLiteStore) StartJob(ctx context.Context, jobID int64, host string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_processing_queue SET status = 'RUNNING'
		WHERE id = ? AND worker_host = ? AND status = 'CLAIMED'`, jobID, host)
	if err != nil {
		return fmt.Errorf("start job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrLeaseLost
	}
	return nil
}

// Heartbeat refreshes the claim lease. The ownership predicate makes the
// refresh-vs-reclaim race resolve to exactly one winner.
func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID int64, host string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_processing_queue SET heartbeat_time = ?
		WHERE id = ? AND worker_host = ? AND status IN ('CLAIMED', 'RUNNING')`,
		time.Now().UTC(), jobID, host)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrLeaseLost
	}
	return nil
}

// CompleteJob marks a job COMPLETED with its summary
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID int64, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_processing_queue SET
			status = 'COMPLETED', end_time = ?, summary = ?
		WHERE id = ? AND status IN ('CLAIMED', 'RUNNING')`,
		time.Now().UTC(), summary, jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrLeaseLost
	}
	return nil
}

// FailJob records a failure. With retryable=true and budget remaining
// the job returns to PENDING with retry_count incremented; otherwise it
// goes terminal FAILED.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID int64, kind types.ErrorKind, message string, retryable bool) error {
	now := time.Now().UTC()

	if retryable {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cf_processing_queue SET
				status = 'PENDING',
				retry_count = retry_count + 1,
				worker_host = NULL, worker_pid = NULL,
				claim_time = NULL, heartbeat_time = NULL,
				error_kind = ?, error_message = ?
			WHERE id = ? AND status IN ('CLAIMED', 'RUNNING') AND retry_count < ?`,
			string(kind), message, jobID, s.retryLimit)
		if err != nil {
			return fmt.Errorf("requeue job %d: %w", jobID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		// Budget exhausted (or lease already gone): fall through to FAILED.
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_processing_queue SET
			status = 'FAILED', end_time = ?, error_kind = ?, error_message = ?
		WHERE id = ? AND status IN ('CLAIMED', 'RUNNING')`,
		now, string(kind), message, jobID)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrLeaseLost
	}
	return nil
}

// ReclaimStalled returns CLAIMED/RUNNING jobs with expired heartbeats to
// PENDING. This is recovery, not retry: retry_count is unchanged. The
// age predicate is evaluated atomically inside the UPDATE.
func (s *SQLiteStore) ReclaimStalled(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_processing_queue SET
			status = 'PENDING',
			worker_host = NULL, worker_pid = NULL,
			claim_time = NULL, heartbeat_time = NULL
		WHERE status IN ('CLAIMED', 'RUNNING') AND heartbeat_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob loads one job by id
func (s *SQLiteStore) GetJob(ctx context.Context, jobID int64) (*types.ProcessingJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM cf_processing_queue WHERE id = ?`, jobID)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return row.toJob()
}

// ListJobs returns jobs matching the filter, newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]types.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM cf_processing_queue WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PluginName != "" {
		query += ` AND plugin_name = ?`
		args = append(args, filter.PluginName)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]types.ProcessingJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// CountJobsByStatus returns the queue depth per status
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM cf_processing_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.JobStatus(status)] = n
	}
	return counts, rows.Err()
}
