package model

import "encoding/json"

// ExecutorSystemJvmConfig is the immutable launch configuration for an
// executor system. It is opaque to the scheduling core and forwarded
// unchanged to the launcher.
type ExecutorSystemJvmConfig struct {
	ClassPath        []string        `json:"class_path"`
	JvmArguments     []string        `json:"jvm_arguments"`
	PackagedArtifact string          `json:"packaged_artifact,omitempty"`
	Username         string          `json:"username"`
	BackendConfig    json.RawMessage `json:"backend_config,omitempty"`
}

// Session is the scheduler's bookkeeping unit for one client's in-flight
// capacity request stream. Requestor is the opaque reply subject of the
// original caller; it doubles as the session key in the scheduler's agent
// table. A session has no destructor: it dies when its table entry is
// removed, after which messages referencing it are dropped.
type Session struct {
	ID        string                  `json:"id"`
	Requestor string                  `json:"requestor"`
	Config    ExecutorSystemJvmConfig `json:"config"`
}
