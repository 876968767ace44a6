package model

// ExecutorSystem is the handle to a running execution context, returned to
// the original requestor on a successful launch. SystemID is assigned by the
// scheduler and is unique for the scheduler's lifetime. ControlSubject
// accepts shutdown commands; ExitSubject carries a single message when the
// underlying process dies, which is how lifecycle binding is observed.
type ExecutorSystem struct {
	SystemID       int64      `json:"system_id"`
	Worker         WorkerInfo `json:"worker"`
	Slots          int        `json:"slots"`
	ControlSubject string     `json:"control_subject"`
	ExitSubject    string     `json:"exit_subject"`
}
