package scheduler

import "errors"

var (
	// ErrSchedulerStopped is returned when starting a scheduler that has
	// already shut down
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrAgentStopped is returned when a request is submitted to an agent
	// whose session has already been abandoned
	ErrAgentStopped = errors.New("resource agent stopped")

	// ErrAgentBusy is returned when an agent's inbox is full. Request never
	// blocks: the scheduler loop calls it, and a blocking send there could
	// deadlock against the agent sending into the scheduler's inbox
	ErrAgentBusy = errors.New("resource agent inbox full")

	// ErrMissingReplyTo is returned when a start request carries no reply
	// subject to route results back to
	ErrMissingReplyTo = errors.New("start request has no reply subject")
)
