package model

import "fmt"

// NATS subject layout shared by the scheduler, master, and worker daemons.
const (
	SchedulerStartSubject = "scheduler.start"
	SchedulerStopSubject  = "scheduler.stop"

	MasterRequestSubject = "master.resource.request"

	WorkerHeartbeatSubject = "worker.heartbeat"

	EventStreamName = "EVENTS"
	EventSubjects   = "event.*"
)

// WorkerLaunchSubject is where a worker daemon listens for launch directives.
func WorkerLaunchSubject(workerID string) string {
	return fmt.Sprintf("worker.%s.launch", workerID)
}

// SystemControlSubject accepts shutdown commands for one executor system.
func SystemControlSubject(systemID int64) string {
	return fmt.Sprintf("executor.system.%d.control", systemID)
}

// SystemExitSubject carries the exit notification for one executor system.
func SystemExitSubject(systemID int64) string {
	return fmt.Sprintf("executor.system.%d.exit", systemID)
}

// EventSubject returns the subject for one event kind, e.g. "event.session".
func EventSubject(kind string) string {
	return "event." + kind
}
