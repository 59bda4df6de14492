package sink

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/jmoiron/sqlx"

	"github.com/sl224/casparianflow/pkg/types"
)

// Destination is one resolved (topic, sink) pair from TopicConfig
type Destination struct {
	Topic string
	URI   string
	Mode  types.WriteMode
}

// Handle is a per-job staging artifact for one destination. The
// lifecycle contract is identical across sink kinds:
//
//	Open (self-healing) -> Write* -> Commit | Destroy
//
// Commit atomically promotes staging to live. Destroy removes staging
// and never touches the live artifact. Both are safe to call after a
// failed Write.
type Handle interface {
	// Write appends one record batch to staging
	Write(ctx context.Context, rec arrow.Record) error
	// Commit flushes and atomically promotes staging to live. Committing
	// a destination that this job already promoted is a no-op.
	Commit(ctx context.Context) error
	// Destroy discards the staging artifact
	Destroy(ctx context.Context) error
	// Destination names the live artifact for summaries
	Destination() string
	// Rows reports how many rows were staged
	Rows() int64
}

// Factory opens staging handles for destinations
type Factory struct {
	// ParquetRoot anchors relative parquet URIs
	ParquetRoot string
	// DB is the relational sink database
	DB *sqlx.DB
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Open creates the staging handle for one destination. If a staging
// artifact from a prior crashed attempt with the same job id exists it
// is destructively removed first, which makes retries idempotent.
func (f *Factory) Open(ctx context.Context, dest Destination, jobID int64) (Handle, error) {
	switch {
	case strings.HasPrefix(dest.URI, "parquet://"):
		rel := strings.TrimPrefix(dest.URI, "parquet://")
		if rel == "" {
			return nil, types.Errorf(types.ErrKindConfig, "empty parquet sink path in %q", dest.URI)
		}
		return openParquet(f.ParquetRoot, rel, dest, jobID)

	case strings.HasPrefix(dest.URI, "table://"):
		name := strings.TrimPrefix(dest.URI, "table://")
		if !tableNameRe.MatchString(name) {
			return nil, types.Errorf(types.ErrKindConfig, "invalid sink table name %q", name)
		}
		if f.DB == nil {
			return nil, types.Errorf(types.ErrKindConfig, "table sink %q configured without a sink database", name)
		}
		return openTable(ctx, f.DB, name, dest, jobID)

	default:
		return nil, types.Errorf(types.ErrKindConfig, "unknown sink URI scheme in %q", dest.URI)
	}
}

// quoteIdent wraps an already-validated identifier for SQL
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func stagingTableName(live string, jobID int64) string {
	return fmt.Sprintf("%s_stg_%d", live, jobID)
}
