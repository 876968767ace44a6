package model

// Protocol envelopes exchanged over NATS. Every message that expects a reply
// carries an explicit ReplyTo subject which intermediaries propagate
// unchanged, so reply routing never depends on the immediate sender.

// StartExecutorSystemsRequest asks the scheduler for one executor system per
// eventual worker grant covering the listed resource requests.
type StartExecutorSystemsRequest struct {
	Resources []ResourceRequest       `json:"resources"`
	Config    ExecutorSystemJvmConfig `json:"config"`
	ReplyTo   string                  `json:"reply_to"`
}

// StopExecutorSystemRequest asks the scheduler to shut a running system down.
// Fire-and-forget; there is no reply.
type StopExecutorSystemRequest struct {
	System ExecutorSystem `json:"system"`
}

// ExecutorSystemStartedReply is delivered to the requestor once per
// successfully launched system.
type ExecutorSystemStartedReply struct {
	System ExecutorSystem `json:"system"`
}

// StartExecutorSystemTimeoutReply tells the requestor that an allocation or
// launch attempt timed out.
type StartExecutorSystemTimeoutReply struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// RequestResourceMessage is sent to the master. ReplyTo is the inbox subject
// of the agent that owns the request.
type RequestResourceMessage struct {
	AppID   string          `json:"app_id"`
	Request ResourceRequest `json:"request"`
	ReplyTo string          `json:"reply_to"`
}

// ResourceAllocatedMessage is the master's answer. One request may be
// answered by any number of these, each carrying one or more allocations.
type ResourceAllocatedMessage struct {
	Allocations []ResourceAllocation `json:"allocations"`
}

// LaunchDirective instructs a worker daemon to start one executor system.
type LaunchDirective struct {
	Worker   WorkerInfo              `json:"worker"`
	SystemID int64                   `json:"system_id"`
	Resource ResourceAllocation      `json:"resource"`
	Config   ExecutorSystemJvmConfig `json:"config"`
	Session  Session                 `json:"session"`
	ReplyTo  string                  `json:"reply_to"`
}

// LaunchStatus is the terminal state of one launch attempt.
type LaunchStatus string

const (
	LaunchStatusDispatched LaunchStatus = "dispatched"
	LaunchStatusSuccess    LaunchStatus = "success"
	LaunchStatusTimeout    LaunchStatus = "timeout"
	LaunchStatusRejected   LaunchStatus = "rejected"
)

// LaunchOutcome reports the result of a launch attempt, tagged with the
// originating session so the scheduler can re-check liveness on receipt.
type LaunchOutcome struct {
	Status   LaunchStatus        `json:"status"`
	SystemID int64               `json:"system_id"`
	System   *ExecutorSystem     `json:"system,omitempty"`
	Resource *ResourceAllocation `json:"resource,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Session  Session             `json:"session"`
}

// ShutdownCommand is published on a system's control subject.
type ShutdownCommand struct {
	SystemID int64  `json:"system_id"`
	Reason   string `json:"reason,omitempty"`
}

// SystemExited is published on a system's exit subject when its process dies.
type SystemExited struct {
	SystemID int64      `json:"system_id"`
	Worker   WorkerInfo `json:"worker"`
	Slots    int        `json:"slots"`
	ExitCode int        `json:"exit_code"`
	Error    string     `json:"error,omitempty"`
}
