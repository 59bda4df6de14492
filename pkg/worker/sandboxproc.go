package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/apache/arrow/go/v16/arrow/ipc"

	"github.com/sl224/casparianflow/pkg/protocol"
	"github.com/sl224/casparianflow/pkg/sandbox"
	"github.com/sl224/casparianflow/pkg/types"
)

const (
	acceptTimeout = 30 * time.Second
	killGrace     = 5 * time.Second
)

// runSandbox spawns the bridge subprocess for one job and streams its
// record batches into the context's staging handles. It returns the
// CONCLUDE payload on success and a classified error otherwise.
func runSandbox(ctx context.Context, python, bridgePath string, env sandbox.Envelope, wctx *Context) (*protocol.ConcludePayload, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "bind data channel", err)
	}
	defer listener.Close()
	env.DataAddr = listener.Addr().String()

	envelope, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "encode envelope", err)
	}

	cmd := exec.Command(python, bridgePath)
	cmd.Stdin = bytes.NewReader(envelope)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, types.NewJobError(types.ErrKindTransientIO, "spawn sandbox", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// Abort path: cooperative SIGTERM, then SIGKILL after the grace
	// window.
	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-waitCh:
				waitCh <- nil // keep the channel readable for the main path
			case <-time.After(killGrace):
				_ = cmd.Process.Kill()
			}
		case <-killed:
		}
	}()
	defer close(killed)

	conclude, streamErr := streamResults(ctx, listener, env.JobID, wctx)

	waitErr := <-waitCh
	if ctx.Err() != nil {
		var je *types.JobError
		if errors.As(context.Cause(ctx), &je) && je.Kind == types.ErrKindLeaseLost {
			return nil, je
		}
		return nil, types.NewJobError(types.ErrKindTimeout, "job wall-clock budget exceeded", ctx.Err())
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if conclude == nil {
		msg := "sandbox exited without CONCLUDE"
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s: %s", msg, truncate(stderr.String(), 2048))
		}
		return nil, types.Errorf(types.ErrKindPluginError, "%s", msg)
	}
	if waitErr != nil {
		return nil, types.NewJobError(types.ErrKindPluginError, "sandbox exited non-zero after CONCLUDE", waitErr)
	}
	return conclude, nil
}

// streamResults accepts the bridge's data connection and consumes
// frames until CONCLUDE, ERROR, or disconnect
func streamResults(ctx context.Context, listener net.Listener, jobID int64, wctx *Context) (*protocol.ConcludePayload, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var raw net.Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			return nil, types.NewJobError(types.ErrKindPluginError, "sandbox never connected", res.err)
		}
		raw = res.conn
	case <-time.After(acceptTimeout):
		return nil, types.Errorf(types.ErrKindPluginError, "sandbox did not open data channel within %s", acceptTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn := protocol.NewConn(raw)
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg, err := conn.Read()
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				// Malformed frame: tear the session down; the job
				// fails as transient_io per the taxonomy.
				return nil, types.NewJobError(types.ErrKindTransientIO, "protocol violation on data channel", err)
			}
			// Disconnect without CONCLUDE: the exit status decides.
			return nil, nil
		}
		if msg.Header.JobID != uint64(jobID) {
			return nil, types.NewJobError(types.ErrKindTransientIO, "protocol violation on data channel",
				&protocol.Error{Reason: fmt.Sprintf("frame for job %d on channel of job %d", msg.Header.JobID, jobID)})
		}

		switch msg.Header.Op {
		case protocol.OpData:
			if err := consumeBatch(ctx, msg, wctx); err != nil {
				return nil, err
			}

		case protocol.OpConclude:
			var payload protocol.ConcludePayload
			if err := msg.JSON(&payload); err != nil {
				return nil, types.NewJobError(types.ErrKindTransientIO, "malformed CONCLUDE", err)
			}
			return &payload, nil

		case protocol.OpError:
			var payload protocol.ErrorPayload
			if err := msg.JSON(&payload); err != nil {
				return nil, types.NewJobError(types.ErrKindTransientIO, "malformed ERROR frame", err)
			}
			kind := types.ErrorKind(payload.Kind)
			switch kind {
			case types.ErrKindPluginError, types.ErrKindValidation, types.ErrKindTransientIO, types.ErrKindTimeout:
			default:
				kind = types.ErrKindPluginError
			}
			return nil, types.Errorf(kind, "%s", payload.Message)

		default:
			return nil, types.NewJobError(types.ErrKindTransientIO, "protocol violation on data channel",
				&protocol.Error{Reason: "unexpected " + msg.Header.Op.String() + " from sandbox"})
		}
	}
}

// consumeBatch unpacks one DATA frame (an Arrow IPC stream) and routes
// its records to the topic's staging handles
func consumeBatch(ctx context.Context, msg protocol.Message, wctx *Context) error {
	if ct := msg.Header.Flags.ContentType(); ct != protocol.ContentArrow {
		return types.Errorf(types.ErrKindValidation, "DATA frame with content type %d, want arrow", ct)
	}

	reader, err := ipc.NewReader(bytes.NewReader(msg.Payload))
	if err != nil {
		return types.NewJobError(types.ErrKindValidation, "unreadable Arrow stream", err)
	}
	defer reader.Release()

	topic, ok := reader.Schema().Metadata().GetValue("topic")
	if !ok || topic == "" {
		return types.Errorf(types.ErrKindValidation, "DATA frame without topic metadata")
	}

	handle, err := wctx.HandleFor(ctx, topic)
	if err != nil {
		return err
	}

	for reader.Next() {
		if err := wctx.Publish(ctx, handle, reader.Record()); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		return types.NewJobError(types.ErrKindValidation, "truncated Arrow stream", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
