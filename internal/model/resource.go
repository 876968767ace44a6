package model

import "time"

// ResourceRequest names a worker-independent amount of capacity the
// requestor wants. Slots are the unit of schedulable capacity.
type ResourceRequest struct {
	Slots int `json:"slots"`
}

// WorkerInfo identifies a cluster node capable of hosting executor systems.
type WorkerInfo struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

// ResourceAllocation is a grant of slots on one specific worker. The
// allocator may split a single logical request into several allocations,
// possibly delivered in several messages over time.
type ResourceAllocation struct {
	Worker WorkerInfo `json:"worker"`
	Slots  int        `json:"slots"`
}

// WorkerStatus represents the health of a worker as seen by the registry.
type WorkerStatus string

const (
	WorkerStatusHealthy   WorkerStatus = "healthy"
	WorkerStatusUnhealthy WorkerStatus = "unhealthy"
	WorkerStatusOffline   WorkerStatus = "offline"
)

// WorkerStats carries a worker's self-reported load figures.
type WorkerStats struct {
	SystemCount int       `json:"system_count"`
	UsedSlots   int       `json:"used_slots"`
	TotalSlots  int       `json:"total_slots"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// WorkerHeartbeat is published periodically by every worker daemon.
type WorkerHeartbeat struct {
	Worker    WorkerInfo  `json:"worker"`
	Stats     WorkerStats `json:"stats"`
	Timestamp time.Time   `json:"timestamp"`
}
