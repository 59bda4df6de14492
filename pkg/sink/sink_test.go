package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow/pkg/types"
)

// testRecord builds a small batch with lineage columns already stamped,
// the shape sinks receive from the worker context
func testRecord(t *testing.T, jobID int64, ids []int64) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: types.LineageJobColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: types.LineageVersionColumn, Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for _, id := range ids {
		b.Field(0).(*array.Int64Builder).Append(id)
		b.Field(1).(*array.Float64Builder).Append(float64(id) * 10)
		b.Field(2).(*array.Int64Builder).Append(jobID)
		b.Field(3).(*array.Int64Builder).Append(1)
	}
	return b.NewRecord()
}

func testFactory(t *testing.T) (*Factory, string) {
	t.Helper()
	root := t.TempDir()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(root, "sinks.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return &Factory{ParquetRoot: root, DB: db}, root
}

func TestFactoryRejectsUnknownScheme(t *testing.T) {
	f, _ := testFactory(t)
	_, err := f.Open(context.Background(), Destination{Topic: "out", URI: "s3://bucket/x", Mode: types.WriteModeAppend}, 1)
	require.Error(t, err)

	_, err = f.Open(context.Background(), Destination{Topic: "out", URI: "table://drop table", Mode: types.WriteModeAppend}, 1)
	require.Error(t, err)
}

func TestParquetOverwriteCommit(t *testing.T) {
	f, root := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "parquet://out.parquet", Mode: types.WriteModeOverwrite}

	h, err := f.Open(ctx, dest, 42)
	require.NoError(t, err)

	rec := testRecord(t, 42, []int64{1, 2})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	assert.EqualValues(t, 2, h.Rows())

	// Staged but not yet visible.
	livePath := filepath.Join(root, "out.parquet")
	_, err = os.Stat(livePath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, h.Commit(ctx))

	info, err := os.Stat(livePath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// Staging is gone after promotion.
	_, err = os.Stat(fmt.Sprintf("%s.stg.%d", livePath, 42))
	assert.True(t, os.IsNotExist(err))
}

func TestParquetAppendCommitIdempotent(t *testing.T) {
	f, root := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "parquet://out.parquet", Mode: types.WriteModeAppend}

	h, err := f.Open(ctx, dest, 7)
	require.NoError(t, err)
	rec := testRecord(t, 7, []int64{1, 2, 3})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Commit(ctx))

	partPath := filepath.Join(root, "out.parquet", "part-7.parquet")
	info, err := os.Stat(partPath)
	require.NoError(t, err)
	firstSize := info.Size()

	// A retry of the same job stages again and commit is a no-op on the
	// already-promoted part.
	h2, err := f.Open(ctx, dest, 7)
	require.NoError(t, err)
	rec2 := testRecord(t, 7, []int64{1, 2, 3})
	defer rec2.Release()
	require.NoError(t, h2.Write(ctx, rec2))
	require.NoError(t, h2.Commit(ctx))

	info, err = os.Stat(partPath)
	require.NoError(t, err)
	assert.Equal(t, firstSize, info.Size())

	entries, err := os.ReadDir(filepath.Join(root, "out.parquet"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParquetSelfHealingOpen(t *testing.T) {
	f, root := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "parquet://out.parquet", Mode: types.WriteModeOverwrite}

	// Simulate a crashed prior attempt of the same job.
	stale := filepath.Join(root, "out.parquet.stg.9")
	require.NoError(t, os.WriteFile(stale, []byte("garbage from crash"), 0o644))

	h, err := f.Open(ctx, dest, 9)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale staging must be removed on open")

	rec := testRecord(t, 9, []int64{5})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Commit(ctx))
}

func TestParquetDestroyLeavesLive(t *testing.T) {
	f, root := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "parquet://out.parquet", Mode: types.WriteModeOverwrite}

	// First job commits.
	h1, err := f.Open(ctx, dest, 1)
	require.NoError(t, err)
	rec := testRecord(t, 1, []int64{1})
	defer rec.Release()
	require.NoError(t, h1.Write(ctx, rec))
	require.NoError(t, h1.Commit(ctx))

	// Second job stages then fails.
	h2, err := f.Open(ctx, dest, 2)
	require.NoError(t, err)
	rec2 := testRecord(t, 2, []int64{9, 9})
	defer rec2.Release()
	require.NoError(t, h2.Write(ctx, rec2))
	require.NoError(t, h2.Destroy(ctx))

	// Live artifact untouched, no staging remains.
	_, err = os.Stat(filepath.Join(root, "out.parquet"))
	require.NoError(t, err)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".stg.")
	}
}

func TestTableAppendCommit(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "table://out", Mode: types.WriteModeAppend}

	h, err := f.Open(ctx, dest, 11)
	require.NoError(t, err)
	rec := testRecord(t, 11, []int64{1, 2})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Commit(ctx))

	var n int
	require.NoError(t, f.DB.Get(&n, `SELECT COUNT(*) FROM "out"`))
	assert.Equal(t, 2, n)

	// Lineage columns landed with the rows.
	var jobID int64
	require.NoError(t, f.DB.Get(&jobID, `SELECT DISTINCT "_cf_job_id" FROM "out"`))
	assert.EqualValues(t, 11, jobID)

	// Staging table is gone.
	var stg int
	require.NoError(t, f.DB.Get(&stg,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE '%_stg_%'`))
	assert.Zero(t, stg)
}

func TestTableAppendAccumulates(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "table://out", Mode: types.WriteModeAppend}

	for job := int64(1); job <= 2; job++ {
		h, err := f.Open(ctx, dest, job)
		require.NoError(t, err)
		rec := testRecord(t, job, []int64{1, 2, 3})
		require.NoError(t, h.Write(ctx, rec))
		rec.Release()
		require.NoError(t, h.Commit(ctx))
	}

	var n int
	require.NoError(t, f.DB.Get(&n, `SELECT COUNT(*) FROM "out"`))
	assert.Equal(t, 6, n)
}

func TestTableAppendRecommitIsNoop(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "table://out", Mode: types.WriteModeAppend}

	h, err := f.Open(ctx, dest, 5)
	require.NoError(t, err)
	rec := testRecord(t, 5, []int64{1, 2})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Commit(ctx))

	// Retry of the same job: lineage probe sees job 5 already present.
	h2, err := f.Open(ctx, dest, 5)
	require.NoError(t, err)
	rec2 := testRecord(t, 5, []int64{1, 2})
	defer rec2.Release()
	require.NoError(t, h2.Write(ctx, rec2))
	require.NoError(t, h2.Commit(ctx))

	var n int
	require.NoError(t, f.DB.Get(&n, `SELECT COUNT(*) FROM "out"`))
	assert.Equal(t, 2, n, "re-commit must not duplicate rows")
}

func TestTableOverwriteCommit(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "table://out", Mode: types.WriteModeOverwrite}

	h, err := f.Open(ctx, dest, 1)
	require.NoError(t, err)
	rec := testRecord(t, 1, []int64{1, 2, 3})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Commit(ctx))

	h2, err := f.Open(ctx, dest, 2)
	require.NoError(t, err)
	rec2 := testRecord(t, 2, []int64{7})
	defer rec2.Release()
	require.NoError(t, h2.Write(ctx, rec2))
	require.NoError(t, h2.Commit(ctx))

	var n int
	require.NoError(t, f.DB.Get(&n, `SELECT COUNT(*) FROM "out"`))
	assert.Equal(t, 1, n, "overwrite replaces prior contents")
}

func TestTableDestroyDropsStaging(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()
	dest := Destination{Topic: "out", URI: "table://out", Mode: types.WriteModeAppend}

	h, err := f.Open(ctx, dest, 3)
	require.NoError(t, err)
	rec := testRecord(t, 3, []int64{1})
	defer rec.Release()
	require.NoError(t, h.Write(ctx, rec))
	require.NoError(t, h.Destroy(ctx))

	var stg int
	require.NoError(t, f.DB.Get(&stg,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'out_stg_3'`))
	assert.Zero(t, stg)
}

func TestEmptyCommitTouchesNothing(t *testing.T) {
	f, root := testFactory(t)
	ctx := context.Background()

	hp, err := f.Open(ctx, Destination{Topic: "out", URI: "parquet://empty.parquet", Mode: types.WriteModeOverwrite}, 1)
	require.NoError(t, err)
	require.NoError(t, hp.Commit(ctx))
	_, err = os.Stat(filepath.Join(root, "empty.parquet"))
	assert.True(t, os.IsNotExist(err))

	ht, err := f.Open(ctx, Destination{Topic: "out", URI: "table://empty", Mode: types.WriteModeAppend}, 1)
	require.NoError(t, err)
	require.NoError(t, ht.Commit(ctx))
	var n int
	require.NoError(t, f.DB.Get(&n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'empty'`))
	assert.Zero(t, n)
}
