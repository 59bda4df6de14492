package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/jmoiron/sqlx"

	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/types"
)

// tableHandle stages rows into <live>_stg_<job_id> and promotes in a
// single transaction: drop-and-rename under overwrite, insert-select
// under append.
type tableHandle struct {
	db    *sqlx.DB
	dest  Destination
	jobID int64
	live  string
	stg   string

	schema  *arrow.Schema
	created bool
	rows    int64
}

func openTable(ctx context.Context, db *sqlx.DB, live string, dest Destination, jobID int64) (*tableHandle, error) {
	h := &tableHandle{
		db:    db,
		dest:  dest,
		jobID: jobID,
		live:  live,
		stg:   stagingTableName(live, jobID),
	}
	// Self-healing: drop any staging table a crashed attempt left.
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(h.stg)); err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "remove stale staging table", err)
	}
	return h, nil
}

func (h *tableHandle) Write(ctx context.Context, rec arrow.Record) error {
	if !h.created {
		if err := h.createStaging(ctx, rec.Schema()); err != nil {
			return err
		}
	}

	cols := make([]string, rec.Schema().NumFields())
	marks := make([]string, rec.Schema().NumFields())
	for i, f := range rec.Schema().Fields() {
		cols[i] = quoteIdent(f.Name)
		marks[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(h.stg), strings.Join(cols, ", "), strings.Join(marks, ", "))

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "begin staging insert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "prepare staging insert", err)
	}
	defer stmt.Close()

	n := int(rec.NumRows())
	args := make([]any, rec.NumCols())
	for row := 0; row < n; row++ {
		for col := 0; col < int(rec.NumCols()); col++ {
			args[col] = arrowValue(rec.Column(col), row)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return types.NewJobError(types.ErrKindTransientIO, "insert staging row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "commit staging insert", err)
	}

	h.rows += int64(n)
	metrics.RowsWritten.WithLabelValues("table").Add(float64(n))
	return nil
}

func (h *tableHandle) createStaging(ctx context.Context, schema *arrow.Schema) error {
	defs := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		defs[i] = quoteIdent(f.Name) + " " + sqlType(f.Type)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(h.stg), strings.Join(defs, ", "))
	if _, err := h.db.ExecContext(ctx, ddl); err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "create staging table", err)
	}
	h.schema = schema
	h.created = true
	return nil
}

func (h *tableHandle) Commit(ctx context.Context) error {
	if !h.created || h.rows == 0 {
		_, _ = h.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(h.stg))
		return nil
	}

	if h.dest.Mode == types.WriteModeAppend {
		committed, err := h.alreadyCommitted(ctx)
		if err != nil {
			return err
		}
		if committed {
			// A prior attempt of this job already promoted here: no-op.
			_, _ = h.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(h.stg))
			return nil
		}
	}

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.SinkCommitFailures.WithLabelValues("table").Inc()
		return types.NewJobError(types.ErrKindCommit, "begin sink commit", err)
	}
	defer tx.Rollback()

	switch h.dest.Mode {
	case types.WriteModeOverwrite:
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(h.live)); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("table").Inc()
			return types.NewJobError(types.ErrKindCommit, "drop live table", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(h.stg), quoteIdent(h.live))); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("table").Inc()
			return types.NewJobError(types.ErrKindCommit, "rename staging table", err)
		}

	case types.WriteModeAppend:
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s WHERE 0",
				quoteIdent(h.live), quoteIdent(h.stg))); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("table").Inc()
			return types.NewJobError(types.ErrKindCommit, "ensure live table", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(h.live), quoteIdent(h.stg))); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("table").Inc()
			return types.NewJobError(types.ErrKindCommit, "append staging rows", err)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE `+quoteIdent(h.stg)); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("table").Inc()
			return types.NewJobError(types.ErrKindCommit, "drop staging table", err)
		}

	default:
		return types.Errorf(types.ErrKindConfig, "unknown write mode %q", h.dest.Mode)
	}

	if err := tx.Commit(); err != nil {
		metrics.SinkCommitFailures.WithLabelValues("table").Inc()
		return types.NewJobError(types.ErrKindCommit, "commit sink transaction", err)
	}
	metrics.SinkCommits.WithLabelValues("table", string(h.dest.Mode)).Inc()
	return nil
}

// alreadyCommitted checks the live table for rows this job already
// promoted, using the injected lineage column
func (h *tableHandle) alreadyCommitted(ctx context.Context) (bool, error) {
	var exists int
	err := h.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, h.live)
	if err != nil {
		return false, types.NewJobError(types.ErrKindCommit, "probe live table", err)
	}
	if exists == 0 {
		return false, nil
	}
	var n int
	err = h.db.GetContext(ctx, &n,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
			quoteIdent(h.live), quoteIdent(types.LineageJobColumn)), h.jobID)
	if err != nil {
		return false, types.NewJobError(types.ErrKindCommit, "probe committed rows", err)
	}
	return n > 0, nil
}

func (h *tableHandle) Destroy(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(h.stg)); err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "destroy staging table", err)
	}
	return nil
}

func (h *tableHandle) Destination() string { return "table://" + h.live }

func (h *tableHandle) Rows() int64 { return h.rows }

// sqlType maps an arrow type to a storage class
func sqlType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64, arrow.BOOL:
		return "INTEGER"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "REAL"
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "BLOB"
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// arrowValue extracts one cell as a driver-friendly Go value
func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		return int64(a.Value(i))
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.LargeBinary:
		return a.Value(i)
	case *array.Timestamp:
		tsType := a.DataType().(*arrow.TimestampType)
		return a.Value(i).ToTime(tsType.Unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	default:
		return col.ValueStr(i)
	}
}
