package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/parquet"
	"github.com/apache/arrow/go/v16/parquet/compress"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"

	"github.com/sl224/casparianflow/pkg/metrics"
	"github.com/sl224/casparianflow/pkg/types"
)

// parquetHandle stages rows into <live>.stg.<job_id> and promotes by
// rename. Under overwrite mode the live artifact is the file itself;
// under append mode the live artifact is a directory whose listing is
// the readable dataset, and commit renames the staging file to
// part-<job_id>.parquet inside it.
type parquetHandle struct {
	dest     Destination
	jobID    int64
	livePath string
	stgPath  string

	file   *os.File
	writer *pqarrow.FileWriter
	rows   int64
	closed bool
}

func openParquet(root, rel string, dest Destination, jobID int64) (*parquetHandle, error) {
	livePath := rel
	if !filepath.IsAbs(livePath) {
		livePath = filepath.Join(root, filepath.FromSlash(rel))
	}
	stgPath := fmt.Sprintf("%s.stg.%d", livePath, jobID)

	// Self-healing: a crashed prior attempt with this job id may have
	// left a staging artifact behind.
	if err := os.RemoveAll(stgPath); err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "remove stale staging", err)
	}
	if err := os.MkdirAll(filepath.Dir(stgPath), 0o755); err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "create sink directory", err)
	}

	return &parquetHandle{
		dest:     dest,
		jobID:    jobID,
		livePath: livePath,
		stgPath:  stgPath,
	}, nil
}

func (h *parquetHandle) Write(ctx context.Context, rec arrow.Record) error {
	if h.writer == nil {
		f, err := os.Create(h.stgPath)
		if err != nil {
			return types.NewJobError(types.ErrKindTransientIO, "create staging file", err)
		}
		props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
		writer, err := pqarrow.NewFileWriter(rec.Schema(), f, props, pqarrow.DefaultWriterProps())
		if err != nil {
			f.Close()
			return types.NewJobError(types.ErrKindTransientIO, "open parquet writer", err)
		}
		h.file = f
		h.writer = writer
	}

	if err := h.writer.Write(rec); err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "write parquet batch", err)
	}
	h.rows += rec.NumRows()
	metrics.RowsWritten.WithLabelValues("parquet").Add(float64(rec.NumRows()))
	return nil
}

// close flushes and closes the parquet writer; idempotent
func (h *parquetHandle) close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.writer != nil {
		if err := h.writer.Close(); err != nil {
			h.file.Close()
			return types.NewJobError(types.ErrKindTransientIO, "flush parquet staging", err)
		}
		// The writer flushes the footer; the file handle is ours to
		// close.
		_ = h.file.Close()
		h.writer = nil
		h.file = nil
	}
	return nil
}

func (h *parquetHandle) Commit(ctx context.Context) error {
	if err := h.close(); err != nil {
		return err
	}
	if h.rows == 0 {
		// Nothing staged; leave the live artifact alone.
		_ = os.RemoveAll(h.stgPath)
		return nil
	}

	switch h.dest.Mode {
	case types.WriteModeOverwrite:
		if err := os.Rename(h.stgPath, h.livePath); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("parquet").Inc()
			return types.NewJobError(types.ErrKindCommit, "promote parquet staging", err)
		}

	case types.WriteModeAppend:
		partPath := filepath.Join(h.livePath, fmt.Sprintf("part-%d.parquet", h.jobID))
		if _, err := os.Stat(partPath); err == nil {
			// Already committed by a prior attempt of this job: no-op.
			_ = os.RemoveAll(h.stgPath)
			return nil
		}
		if err := os.MkdirAll(h.livePath, 0o755); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("parquet").Inc()
			return types.NewJobError(types.ErrKindCommit, "create live directory", err)
		}
		if err := os.Rename(h.stgPath, partPath); err != nil {
			metrics.SinkCommitFailures.WithLabelValues("parquet").Inc()
			return types.NewJobError(types.ErrKindCommit, "promote parquet staging", err)
		}

	default:
		return types.Errorf(types.ErrKindConfig, "unknown write mode %q", h.dest.Mode)
	}

	metrics.SinkCommits.WithLabelValues("parquet", string(h.dest.Mode)).Inc()
	return nil
}

func (h *parquetHandle) Destroy(ctx context.Context) error {
	_ = h.close()
	if err := os.RemoveAll(h.stgPath); err != nil {
		return types.NewJobError(types.ErrKindTransientIO, "destroy parquet staging", err)
	}
	return nil
}

func (h *parquetHandle) Destination() string { return h.livePath }

func (h *parquetHandle) Rows() int64 { return h.rows }
