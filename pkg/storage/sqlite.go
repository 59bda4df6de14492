package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow/pkg/types"
)

// SQLiteStore implements Store on a single SQLite database file. It is
// the backend selected by CASPARIAN_DB_BACKEND=sqlite.
type SQLiteStore struct {
	db         *sqlx.DB
	retryLimit int
}

// Options tunes store behaviour
type Options struct {
	// RetryLimit bounds how many times FailJob with retryable=true
	// returns a job to PENDING before it goes terminal.
	RetryLimit int
}

// Open opens (and migrates) the SQLite metadata store at path. The
// special path ":memory:" opens an in-memory store for tests.
func Open(path string, opts Options) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_txlock=immediate"
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite serializes writers; a single pooled connection avoids
	// SQLITE_BUSY churn between the pool's connections.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	return &SQLiteStore{db: db, retryLimit: opts.RetryLimit}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSourceRoot is idempotent on path
func (s *SQLiteStore) UpsertSourceRoot(ctx context.Context, path string, kind types.SourceRootKind) (int64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolve root path: %w", err)
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO cf_source_root (path, kind, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET kind = excluded.kind, updated_at = CURRENT_TIMESTAMP
		RETURNING id`, abs, string(kind)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert source root: %w", err)
	}
	return id, nil
}

// UpsertLocation is idempotent on (root_id, relative_path)
func (s *SQLiteStore) UpsertLocation(ctx context.Context, rootID int64, relPath, filename string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO cf_file_location (root_id, relative_path, filename)
		VALUES (?, ?, ?)
		ON CONFLICT(root_id, relative_path) DO UPDATE SET filename = excluded.filename
		RETURNING id`, rootID, relPath, filename).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert location: %w", err)
	}
	return id, nil
}

// RecordVersion appends a new FileVersion unless the location's latest
// version already carries the same content hash.
func (s *SQLiteStore) RecordVersion(ctx context.Context, locationID int64, hash []byte, size int64, mtime time.Time, tags []string) (int64, bool, error) {
	if len(hash) != 32 {
		return 0, false, fmt.Errorf("content hash must be 32 bytes, got %d", len(hash))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin record version: %w", err)
	}
	defer tx.Rollback()

	// Same content as the current version: nothing to record.
	var current struct {
		VersionID int64  `db:"id"`
		Hash      []byte `db:"content_hash"`
	}
	err = tx.GetContext(ctx, &current, `
		SELECT v.id, h.content_hash
		FROM cf_file_location l
		JOIN cf_file_version v ON v.id = l.current_version_id
		JOIN cf_hash_registry h ON h.id = v.hash_id
		WHERE l.id = ?`, locationID)
	switch {
	case err == nil:
		if string(current.Hash) == string(hash) {
			return current.VersionID, false, nil
		}
	case err == sql.ErrNoRows:
		// first version for this location
	default:
		return 0, false, fmt.Errorf("load current version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cf_hash_registry (content_hash) VALUES (?) ON CONFLICT DO NOTHING`, hash); err != nil {
		return 0, false, fmt.Errorf("register hash: %w", err)
	}
	var hashID int64
	if err := tx.GetContext(ctx, &hashID,
		`SELECT id FROM cf_hash_registry WHERE content_hash = ?`, hash); err != nil {
		return 0, false, fmt.Errorf("resolve hash id: %w", err)
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, false, fmt.Errorf("encode tags: %w", err)
	}

	var versionID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO cf_file_version (location_id, hash_id, size_bytes, mtime, tags)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`, locationID, hashID, size, mtime.UTC(), string(tagsJSON)).Scan(&versionID)
	if err != nil {
		return 0, false, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cf_file_location SET current_version_id = ? WHERE id = ?`, versionID, locationID); err != nil {
		return 0, false, fmt.Errorf("advance current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit record version: %w", err)
	}
	return versionID, true, nil
}

type fileVersionRow struct {
	ID         int64     `db:"id"`
	LocationID int64     `db:"location_id"`
	Hash       []byte    `db:"content_hash"`
	SizeBytes  int64     `db:"size_bytes"`
	MTime      time.Time `db:"mtime"`
	Tags       string    `db:"tags"`
	CreatedAt  time.Time `db:"created_at"`
}

// GetFileVersion loads one version by id
func (s *SQLiteStore) GetFileVersion(ctx context.Context, versionID int64) (*types.FileVersion, error) {
	var row fileVersionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT v.id, v.location_id, h.content_hash, v.size_bytes, v.mtime, v.tags, v.created_at
		FROM cf_file_version v
		JOIN cf_hash_registry h ON h.id = v.hash_id
		WHERE v.id = ?`, versionID)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file version %d: %w", versionID, err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
		return nil, fmt.Errorf("decode tags for version %d: %w", versionID, err)
	}
	return &types.FileVersion{
		ID:          row.ID,
		LocationID:  row.LocationID,
		ContentHash: row.Hash,
		SizeBytes:   row.SizeBytes,
		ModTime:     row.MTime,
		Tags:        tags,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// ResolveVersionPath returns the absolute on-disk path for a version
func (s *SQLiteStore) ResolveVersionPath(ctx context.Context, versionID int64) (string, error) {
	var row struct {
		RootPath string `db:"path"`
		RelPath  string `db:"relative_path"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT r.path, l.relative_path
		FROM cf_file_version v
		JOIN cf_file_location l ON l.id = v.location_id
		JOIN cf_source_root r ON r.id = l.root_id
		WHERE v.id = ?`, versionID)
	if err == sql.ErrNoRows {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve path for version %d: %w", versionID, err)
	}
	return filepath.Join(row.RootPath, filepath.FromSlash(row.RelPath)), nil
}

// ListRoutingRules returns all rules ordered priority DESC, id ASC
func (s *SQLiteStore) ListRoutingRules(ctx context.Context) ([]types.RoutingRule, error) {
	var rules []types.RoutingRule
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, pattern, tag, priority FROM cf_routing_rule ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r types.RoutingRule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Tag, &r.Priority); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// PutRoutingRule inserts a rule
func (s *SQLiteStore) PutRoutingRule(ctx context.Context, rule types.RoutingRule) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO cf_routing_rule (pattern, tag, priority) VALUES (?, ?, ?) RETURNING id`,
		rule.Pattern, rule.Tag, rule.Priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("put routing rule: %w", err)
	}
	return id, nil
}

// ListPluginConfigs returns all plugin subscriptions
func (s *SQLiteStore) ListPluginConfigs(ctx context.Context) ([]types.PluginConfig, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, plugin_name, subscriptions, default_params FROM cf_plugin_config ORDER BY plugin_name`)
	if err != nil {
		return nil, fmt.Errorf("list plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []types.PluginConfig
	for rows.Next() {
		var (
			cfg    types.PluginConfig
			subs   string
			params string
		)
		if err := rows.Scan(&cfg.ID, &cfg.PluginName, &subs, &params); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(subs), &cfg.Subscriptions); err != nil {
			return nil, fmt.Errorf("decode subscriptions for %s: %w", cfg.PluginName, err)
		}
		if err := json.Unmarshal([]byte(params), &cfg.DefaultParams); err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", cfg.PluginName, err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// PutPluginConfig upserts a plugin subscription row keyed by name
func (s *SQLiteStore) PutPluginConfig(ctx context.Context, cfg types.PluginConfig) (int64, error) {
	subs, err := json.Marshal(cfg.Subscriptions)
	if err != nil {
		return 0, fmt.Errorf("encode subscriptions: %w", err)
	}
	if cfg.DefaultParams == nil {
		cfg.DefaultParams = map[string]any{}
	}
	params, err := json.Marshal(cfg.DefaultParams)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}
	var id int64
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO cf_plugin_config (plugin_name, subscriptions, default_params)
		VALUES (?, ?, ?)
		ON CONFLICT(plugin_name) DO UPDATE SET
			subscriptions = excluded.subscriptions,
			default_params = excluded.default_params
		RETURNING id`, cfg.PluginName, string(subs), string(params)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("put plugin config: %w", err)
	}
	return id, nil
}

// ListTopicConfigs returns the fan-out rows for one plugin
func (s *SQLiteStore) ListTopicConfigs(ctx context.Context, pluginName string) ([]types.TopicConfig, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, plugin_name, topic, sink_uri, mode FROM cf_topic_config WHERE plugin_name = ? ORDER BY topic, id`,
		pluginName)
	if err != nil {
		return nil, fmt.Errorf("list topic configs: %w", err)
	}
	defer rows.Close()

	var configs []types.TopicConfig
	for rows.Next() {
		var c types.TopicConfig
		var mode string
		if err := rows.Scan(&c.ID, &c.PluginName, &c.Topic, &c.SinkURI, &mode); err != nil {
			return nil, err
		}
		c.Mode = types.WriteMode(mode)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// PutTopicConfig upserts one destination row
func (s *SQLiteStore) PutTopicConfig(ctx context.Context, cfg types.TopicConfig) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO cf_topic_config (plugin_name, topic, sink_uri, mode)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_name, topic, sink_uri) DO UPDATE SET mode = excluded.mode
		RETURNING id`, cfg.PluginName, cfg.Topic, cfg.SinkURI, string(cfg.Mode)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("put topic config: %w", err)
	}
	return id, nil
}

type manifestRow struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	Version    string    `db:"version"`
	Source     []byte    `db:"source"`
	Lockfile   []byte    `db:"lockfile"`
	SourceHash string    `db:"source_hash"`
	EnvHash    string    `db:"env_hash"`
	ArtifactID string    `db:"artifact_id"`
	Signature  string    `db:"signature"`
	Status     string    `db:"status"`
	Violations string    `db:"violations"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r manifestRow) toManifest() types.PluginManifest {
	return types.PluginManifest{
		ID:         r.ID,
		Name:       r.Name,
		Version:    r.Version,
		Source:     r.Source,
		Lockfile:   r.Lockfile,
		SourceHash: r.SourceHash,
		EnvHash:    r.EnvHash,
		ArtifactID: r.ArtifactID,
		Signature:  r.Signature,
		Status:     types.ManifestStatus(r.Status),
		Violations: r.Violations,
		CreatedAt:  r.CreatedAt,
	}
}

// InsertManifest stores a new plugin artifact. Promoting a manifest to
// ACTIVE retires any previously active manifest of the same name.
func (s *SQLiteStore) InsertManifest(ctx context.Context, m *types.PluginManifest) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert manifest: %w", err)
	}
	defer tx.Rollback()

	if m.Status == types.ManifestActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cf_plugin_manifest SET status = ? WHERE name = ? AND status = ?`,
			string(types.ManifestRetired), m.Name, string(types.ManifestActive)); err != nil {
			return 0, fmt.Errorf("retire previous manifest: %w", err)
		}
	}

	var id int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO cf_plugin_manifest
			(name, version, source, lockfile, source_hash, env_hash, artifact_id, signature, status, violations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		m.Name, m.Version, m.Source, m.Lockfile, m.SourceHash, m.EnvHash,
		m.ArtifactID, m.Signature, string(m.Status), m.Violations).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert manifest: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert manifest: %w", err)
	}
	m.ID = id
	return id, nil
}

// GetActiveManifest returns the single ACTIVE manifest for a plugin
func (s *SQLiteStore) GetActiveManifest(ctx context.Context, pluginName string) (*types.PluginManifest, error) {
	var row manifestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, version, source, lockfile, source_hash, env_hash,
		       artifact_id, signature, status, violations, created_at
		FROM cf_plugin_manifest
		WHERE name = ? AND status = ?
		ORDER BY id DESC LIMIT 1`, pluginName, string(types.ManifestActive))
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active manifest %s: %w", pluginName, err)
	}
	m := row.toManifest()
	return &m, nil
}

// SetManifestStatus transitions one manifest
func (s *SQLiteStore) SetManifestStatus(ctx context.Context, id int64, status types.ManifestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cf_plugin_manifest SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set manifest status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ListManifests returns all manifests newest first
func (s *SQLiteStore) ListManifests(ctx context.Context) ([]types.PluginManifest, error) {
	var rows []manifestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, version, source, lockfile, source_hash, env_hash,
		       artifact_id, signature, status, violations, created_at
		FROM cf_plugin_manifest ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	manifests := make([]types.PluginManifest, 0, len(rows))
	for _, r := range rows {
		manifests = append(manifests, r.toManifest())
	}
	return manifests, nil
}

// UpsertWorker writes one registry row keyed by worker id
func (s *SQLiteStore) UpsertWorker(ctx context.Context, w types.WorkerInfo) error {
	sigs, err := json.Marshal(w.EnvSignatures)
	if err != nil {
		return fmt.Errorf("encode env signatures: %w", err)
	}
	var jobID any
	if w.CurrentJobID != nil {
		jobID = *w.CurrentJobID
	}
	// last_heartbeat is always bound from Go so its format matches the
	// cutoff parameter in MarkWorkersOffline.
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cf_worker_registry (id, hostname, pid, env_signatures, status, current_job_id, first_seen, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			env_signatures = excluded.env_signatures,
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.Hostname, w.PID, string(sigs), string(w.Status), jobID, now, now)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// ListWorkers returns the registry
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]types.WorkerInfo, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, hostname, pid, env_signatures, status, current_job_id, first_seen, last_heartbeat
		FROM cf_worker_registry ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []types.WorkerInfo
	for rows.Next() {
		var (
			w     types.WorkerInfo
			sigs  string
			jobID sql.NullInt64
		)
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &sigs, &w.Status, &jobID, &w.FirstSeen, &w.LastHeartbeat); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sigs), &w.EnvSignatures); err != nil {
			return nil, fmt.Errorf("decode env signatures for %s: %w", w.ID, err)
		}
		if jobID.Valid {
			v := jobID.Int64
			w.CurrentJobID = &v
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// MarkWorkersOffline flips workers whose heartbeat is older than timeout
func (s *SQLiteStore) MarkWorkersOffline(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cf_worker_registry SET status = ?
		WHERE status != ? AND last_heartbeat < ?`,
		string(types.WorkerOffline), string(types.WorkerOffline), cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark workers offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
