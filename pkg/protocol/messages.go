package protocol

import (
	"encoding/json"
	"fmt"
)

// SinkBinding is one resolved destination carried inside a DISPATCH
type SinkBinding struct {
	Topic string `json:"topic"`
	URI   string `json:"uri"`
	Mode  string `json:"mode"`
}

// IdentifyPayload announces a worker and its capabilities
type IdentifyPayload struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
	CurrentJobID *int64   `json:"current_job_id,omitempty"`
}

// DispatchPayload hands a job to a worker (push mode)
type DispatchPayload struct {
	PluginName    string        `json:"plugin_name"`
	FilePath      string        `json:"file_path"`
	FileVersionID int64         `json:"file_version_id"`
	Sinks         []SinkBinding `json:"sinks"`
	EnvHash       string        `json:"env_hash"`
	SourceCode    string        `json:"source_code"`
}

// HeartbeatPayload reports worker liveness
type HeartbeatPayload struct {
	Status       string `json:"status"` // IDLE or BUSY
	CurrentJobID *int64 `json:"current_job_id,omitempty"`
}

// ConcludePayload ends a successful job on the data channel
type ConcludePayload struct {
	RowsPerTopic map[string]int64 `json:"rows_per_topic"`
}

// ErrorPayload carries a classified failure
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Message is one decoded frame pair
type Message struct {
	Header  Header
	Payload []byte
}

// JSON decodes the payload into v, requiring the JSON content type
func (m *Message) JSON(v any) error {
	if ct := m.Header.Flags.ContentType(); ct != ContentJSON {
		return protoErrorf("%s payload has content type %d, want JSON", m.Header.Op, ct)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return protoErrorf("decode %s payload: %v", m.Header.Op, err)
	}
	return nil
}

func jsonMessage(op OpCode, jobID uint64, v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Message{
		Header: Header{
			Version:       Version,
			Op:            op,
			Flags:         NewFlags(ContentJSON, false),
			JobID:         jobID,
			PayloadLength: uint32(len(payload)),
		},
		Payload: payload,
	}, nil
}

// NewIdentify builds an IDENTIFY message
func NewIdentify(p IdentifyPayload) (Message, error) {
	return jsonMessage(OpIdentify, 0, p)
}

// NewDispatch builds a DISPATCH message
func NewDispatch(jobID int64, p DispatchPayload) (Message, error) {
	return jsonMessage(OpDispatch, uint64(jobID), p)
}

// NewHeartbeat builds a HEARTBEAT message
func NewHeartbeat(jobID uint64, p HeartbeatPayload) (Message, error) {
	return jsonMessage(OpHeartbeat, jobID, p)
}

// NewConclude builds a CONCLUDE message
func NewConclude(jobID int64, p ConcludePayload) (Message, error) {
	return jsonMessage(OpConclude, uint64(jobID), p)
}

// NewError builds an ERROR message
func NewError(jobID int64, p ErrorPayload) (Message, error) {
	return jsonMessage(OpError, uint64(jobID), p)
}

// NewCancel builds a CANCEL message for one job
func NewCancel(jobID int64) (Message, error) {
	return jsonMessage(OpCancel, uint64(jobID), struct{}{})
}

// NewReload builds a RELOAD message
func NewReload() (Message, error) {
	return jsonMessage(OpReload, 0, struct{}{})
}

// NewData wraps an Arrow IPC stream as a DATA message
func NewData(jobID int64, ipcStream []byte) Message {
	return Message{
		Header: Header{
			Version:       Version,
			Op:            OpData,
			Flags:         NewFlags(ContentArrow, false),
			JobID:         uint64(jobID),
			PayloadLength: uint32(len(ipcStream)),
		},
		Payload: ipcStream,
	}
}
