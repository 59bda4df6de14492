package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow/pkg/sink"
	"github.com/sl224/casparianflow/pkg/types"
)

// pluginRecord builds a batch shaped like plugin output (no lineage)
func pluginRecord(t *testing.T, cols []string, rows int) arrow.Record {
	t.Helper()
	fields := make([]arrow.Field, len(cols))
	for i, name := range cols {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64}
	}
	schema := arrow.NewSchema(fields, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for r := 0; r < rows; r++ {
		for c := range cols {
			b.Field(c).(*array.Int64Builder).Append(int64(r))
		}
	}
	return b.NewRecord()
}

func testContext(t *testing.T, topics []types.TopicConfig) (*Context, *sink.Factory, string) {
	t.Helper()
	root := t.TempDir()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(root, "sinks.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	factory := &sink.Factory{ParquetRoot: root, DB: db}
	return NewContext(factory, 100, 200, topics), factory, root
}

func outTopic() []types.TopicConfig {
	return []types.TopicConfig{
		{PluginName: "p", Topic: "out", SinkURI: "parquet://out.parquet", Mode: types.WriteModeAppend},
	}
}

func TestRegisterTopicGrammar(t *testing.T) {
	wctx, _, _ := testContext(t, outTopic())
	ctx := context.Background()

	tests := []struct {
		name  string
		topic string
		ok    bool
	}{
		{"simple", "out", true},
		{"uppercase", "Out", false},
		{"leading digit", "1out", false},
		{"leading underscore", "_out", false},
		{"punctuation", "out;drop", false},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 80), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wctx.RegisterTopic(ctx, tt.topic)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var je *types.JobError
				require.ErrorAs(t, err, &je)
				assert.Equal(t, types.ErrKindValidation, je.Kind)
			}
		})
	}
}

func TestRegisterTopicUnconfigured(t *testing.T) {
	wctx, _, _ := testContext(t, outTopic())
	_, err := wctx.RegisterTopic(context.Background(), "unknown")
	var je *types.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, types.ErrKindValidation, je.Kind)
}

func TestRegisterTopicReturnsDenseStableHandles(t *testing.T) {
	topics := append(outTopic(), types.TopicConfig{
		PluginName: "p", Topic: "extra", SinkURI: "table://extra", Mode: types.WriteModeAppend,
	})
	wctx, _, _ := testContext(t, topics)
	ctx := context.Background()

	h1, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)
	h2, err := wctx.RegisterTopic(ctx, "extra")
	require.NoError(t, err)
	assert.Equal(t, 0, h1)
	assert.Equal(t, 1, h2)

	// Re-registration returns the existing handle.
	again, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, h1, again)
}

func TestPublishRejectsReservedColumns(t *testing.T) {
	wctx, _, _ := testContext(t, outTopic())
	ctx := context.Background()

	h, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)

	rec := pluginRecord(t, []string{"id", "_cf_job_id"}, 2)
	defer rec.Release()

	err = wctx.Publish(ctx, h, rec)
	var je *types.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, types.ErrKindValidation, je.Kind)

	// Any reserved-prefix column is rejected, not just the exact names.
	rec2 := pluginRecord(t, []string{"id", "_cf_custom"}, 1)
	defer rec2.Release()
	err = wctx.Publish(ctx, h, rec2)
	require.ErrorAs(t, err, &je)
	assert.Equal(t, types.ErrKindValidation, je.Kind)
}

func TestPublishInvalidHandle(t *testing.T) {
	wctx, _, _ := testContext(t, outTopic())
	rec := pluginRecord(t, []string{"id"}, 1)
	defer rec.Release()

	err := wctx.Publish(context.Background(), 5, rec)
	var je *types.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, types.ErrKindValidation, je.Kind)
}

func TestPublishInjectsLineageAndCommits(t *testing.T) {
	topics := []types.TopicConfig{
		{PluginName: "p", Topic: "out", SinkURI: "table://out", Mode: types.WriteModeAppend},
	}
	wctx, factory, _ := testContext(t, topics)
	ctx := context.Background()

	h, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)

	rec := pluginRecord(t, []string{"id", "x"}, 3)
	defer rec.Release()
	require.NoError(t, wctx.Publish(ctx, h, rec))

	outcomes, err := wctx.CommitAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Committed)

	// Every live row carries both lineage columns with the job and
	// version ids.
	var n int
	require.NoError(t, factory.DB.Get(&n,
		`SELECT COUNT(*) FROM "out" WHERE "_cf_job_id" = 100 AND "_cf_file_version_id" = 200`))
	assert.Equal(t, 3, n)

	assert.Equal(t, map[string]int64{"out": 3}, wctx.RowsPerTopic())
}

func TestFanOutPublishesToAllDestinations(t *testing.T) {
	topics := []types.TopicConfig{
		{PluginName: "p", Topic: "out", SinkURI: "parquet://out.parquet", Mode: types.WriteModeAppend},
		{PluginName: "p", Topic: "out", SinkURI: "table://out", Mode: types.WriteModeAppend},
	}
	wctx, factory, root := testContext(t, topics)
	ctx := context.Background()

	h, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)

	rec := pluginRecord(t, []string{"id", "x"}, 2)
	defer rec.Release()
	require.NoError(t, wctx.Publish(ctx, h, rec))

	outcomes, err := wctx.CommitAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Committed, o.Destination)
	}

	_, err = os.Stat(filepath.Join(root, "out.parquet", "part-100.parquet"))
	require.NoError(t, err)
	var n int
	require.NoError(t, factory.DB.Get(&n, `SELECT COUNT(*) FROM "out"`))
	assert.Equal(t, 2, n)
}

func TestDestroyAllLeavesNoStaging(t *testing.T) {
	topics := []types.TopicConfig{
		{PluginName: "p", Topic: "out", SinkURI: "parquet://out.parquet", Mode: types.WriteModeAppend},
		{PluginName: "p", Topic: "out", SinkURI: "table://out", Mode: types.WriteModeAppend},
	}
	wctx, factory, root := testContext(t, topics)
	ctx := context.Background()

	h, err := wctx.RegisterTopic(ctx, "out")
	require.NoError(t, err)
	rec := pluginRecord(t, []string{"id"}, 4)
	defer rec.Release()
	require.NoError(t, wctx.Publish(ctx, h, rec))

	wctx.DestroyAll(ctx)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".stg.")
	}
	var stg int
	require.NoError(t, factory.DB.Get(&stg,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'out_stg_%'`))
	assert.Zero(t, stg)

	// Nothing was promoted.
	var live int
	require.NoError(t, factory.DB.Get(&live,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'out'`))
	assert.Zero(t, live)
}

func TestHandleForLazyRegistration(t *testing.T) {
	wctx, _, _ := testContext(t, outTopic())
	ctx := context.Background()

	h1, err := wctx.HandleFor(ctx, "out")
	require.NoError(t, err)
	h2, err := wctx.HandleFor(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
