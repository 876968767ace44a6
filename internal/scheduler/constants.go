package scheduler

import "time"

const (
	// DefaultAllocationTimeout is how long an agent waits after its most
	// recent resource request before declaring the allocation abandoned.
	// Every new request restarts the clock.
	DefaultAllocationTimeout = 15 * time.Second

	inboxBuffer = 128
)
