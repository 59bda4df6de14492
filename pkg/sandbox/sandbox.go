package sandbox

import (
	_ "embed"
)

// BridgeSource is the guest-side bridge script. It is written into each
// prepared environment by the env manager so the guest protocol always
// matches the host binary.
//
//go:embed bridge.py
var BridgeSource []byte

// Envelope is the job description handed to the bridge on stdin. The
// sandbox receives everything it needs through this value and the data
// channel; it never touches the metadata store.
type Envelope struct {
	JobID         int64          `json:"job_id"`
	FileVersionID int64          `json:"file_version_id"`
	PluginName    string         `json:"plugin_name"`
	FilePath      string         `json:"file_path"`
	Params        map[string]any `json:"params"`
	DataAddr      string         `json:"data_addr"`
	Source        string         `json:"source"`
}
