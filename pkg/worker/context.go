package worker

import (
	"context"
	"regexp"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"

	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/sink"
	"github.com/sl224/casparianflow/pkg/types"
)

// Topic names: ASCII lowercase letters, digits, underscores, starting
// with a letter, bounded length. Anything else is rejected before a
// handle exists, which is what makes dispatch injection-proof.
var topicNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// topicHandle is one dense handle-table slot: a topic plus its fan-out
// set of staged destinations
type topicHandle struct {
	name  string
	sinks []sink.Handle
	rows  int64
}

// Context is the per-job handle table owned by the host. RegisterTopic
// is the cold path (validation, staging allocation); Publish is the hot
// path and does a single slice index, no string lookups.
type Context struct {
	jobID     int64
	versionID int64
	factory   *sink.Factory

	destinations map[string][]sink.Destination
	handles      []*topicHandle
	byName       map[string]int
	committed    bool
}

// NewContext resolves the configured topics for a plugin into a fresh
// handle table
func NewContext(factory *sink.Factory, jobID, versionID int64, topicConfigs []types.TopicConfig) *Context {
	dests := make(map[string][]sink.Destination)
	for _, tc := range topicConfigs {
		dests[tc.Topic] = append(dests[tc.Topic], sink.Destination{
			Topic: tc.Topic,
			URI:   tc.SinkURI,
			Mode:  tc.Mode,
		})
	}
	return &Context{
		jobID:        jobID,
		versionID:    versionID,
		factory:      factory,
		destinations: dests,
		byName:       make(map[string]int),
	}
}

// RegisterTopic validates a topic name, opens staging handles for every
// configured destination, and returns the dense handle index.
// Registering the same topic twice returns the existing handle.
func (c *Context) RegisterTopic(ctx context.Context, name string) (int, error) {
	if idx, ok := c.byName[name]; ok {
		return idx, nil
	}
	if !topicNameRe.MatchString(name) {
		return 0, types.Errorf(types.ErrKindValidation, "invalid topic name %q", name)
	}
	dests, ok := c.destinations[name]
	if !ok {
		return 0, types.Errorf(types.ErrKindValidation, "topic %q has no configured sink", name)
	}

	th := &topicHandle{name: name}
	for _, dest := range dests {
		h, err := c.factory.Open(ctx, dest, c.jobID)
		if err != nil {
			return 0, err
		}
		th.sinks = append(th.sinks, h)
	}
	c.handles = append(c.handles, th)
	idx := len(c.handles) - 1
	c.byName[name] = idx
	return idx, nil
}

// Publish validates a batch, injects lineage, and writes it to every
// destination behind the handle
func (c *Context) Publish(ctx context.Context, handle int, rec arrow.Record) error {
	if handle < 0 || handle >= len(c.handles) {
		return types.Errorf(types.ErrKindValidation, "invalid topic handle %d", handle)
	}
	th := c.handles[handle]

	if err := checkReservedColumns(rec.Schema()); err != nil {
		return err
	}

	stamped := injectLineage(rec, c.jobID, c.versionID)
	defer stamped.Release()

	for _, h := range th.sinks {
		if err := h.Write(ctx, stamped); err != nil {
			return err
		}
	}
	th.rows += rec.NumRows()
	metrics.BatchesStreamed.Inc()
	return nil
}

// HandleFor looks up or creates the handle for a topic name. The data
// channel uses this on first sight of a topic; subsequent batches hit
// the integer path.
func (c *Context) HandleFor(ctx context.Context, name string) (int, error) {
	if idx, ok := c.byName[name]; ok {
		return idx, nil
	}
	return c.RegisterTopic(ctx, name)
}

// RowsPerTopic reports staged row counts for the job summary
func (c *Context) RowsPerTopic() map[string]int64 {
	rows := make(map[string]int64, len(c.handles))
	for _, th := range c.handles {
		rows[th.name] = th.rows
	}
	return rows
}

// CommitAll promotes every staged destination. On a commit failure the
// already-committed destinations stay (external systems may not
// support rollback), the staging of everything uncommitted is
// destroyed, and the outcomes enumerate both sets.
func (c *Context) CommitAll(ctx context.Context) ([]types.CommitOutcome, error) {
	c.committed = true
	var outcomes []types.CommitOutcome
	var firstErr error

	for _, th := range c.handles {
		for _, h := range th.sinks {
			if firstErr != nil {
				_ = h.Destroy(ctx)
				outcomes = append(outcomes, types.CommitOutcome{
					Destination: h.Destination(),
					Committed:   false,
					Error:       "skipped after earlier commit failure",
				})
				continue
			}
			if err := h.Commit(ctx); err != nil {
				firstErr = err
				_ = h.Destroy(ctx)
				outcomes = append(outcomes, types.CommitOutcome{
					Destination: h.Destination(),
					Committed:   false,
					Error:       err.Error(),
				})
				continue
			}
			outcomes = append(outcomes, types.CommitOutcome{
				Destination: h.Destination(),
				Committed:   true,
			})
		}
	}
	return outcomes, firstErr
}

// DestroyAll discards every staging artifact. Used on any failure
// before commit and on cancellation.
func (c *Context) DestroyAll(ctx context.Context) {
	for _, th := range c.handles {
		for _, h := range th.sinks {
			_ = h.Destroy(ctx)
		}
	}
}

// checkReservedColumns rejects batches carrying the lineage prefix, so
// user code can never forge lineage
func checkReservedColumns(schema *arrow.Schema) error {
	for _, f := range schema.Fields() {
		if len(f.Name) >= len(types.LineagePrefix) && f.Name[:len(types.LineagePrefix)] == types.LineagePrefix {
			return types.Errorf(types.ErrKindValidation, "reserved column %q in plugin output", f.Name)
		}
	}
	return nil
}

// injectLineage appends the _cf_job_id and _cf_file_version_id columns
// to a batch
func injectLineage(rec arrow.Record, jobID, versionID int64) arrow.Record {
	n := int(rec.NumRows())
	mem := memory.DefaultAllocator

	jobBuilder := array.NewInt64Builder(mem)
	defer jobBuilder.Release()
	verBuilder := array.NewInt64Builder(mem)
	defer verBuilder.Release()
	for i := 0; i < n; i++ {
		jobBuilder.Append(jobID)
		verBuilder.Append(versionID)
	}
	jobArr := jobBuilder.NewInt64Array()
	defer jobArr.Release()
	verArr := verBuilder.NewInt64Array()
	defer verArr.Release()

	oldSchema := rec.Schema()
	fields := make([]arrow.Field, 0, oldSchema.NumFields()+2)
	fields = append(fields, oldSchema.Fields()...)
	fields = append(fields,
		arrow.Field{Name: types.LineageJobColumn, Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: types.LineageVersionColumn, Type: arrow.PrimitiveTypes.Int64},
	)
	md := oldSchema.Metadata()
	schema := arrow.NewSchema(fields, &md)

	cols := make([]arrow.Array, 0, rec.NumCols()+2)
	for i := 0; i < int(rec.NumCols()); i++ {
		cols = append(cols, rec.Column(i))
	}
	cols = append(cols, jobArr, verArr)

	return array.NewRecord(schema, cols, int64(n))
}
