package model

import "time"

// EventType classifies cluster events published to the EVENTS stream.
type EventType string

const (
	EventSessionTimeout  EventType = "session_timeout"
	EventLaunchDispatch  EventType = "launch_dispatch"
	EventLaunchRejected  EventType = "launch_rejected"
	EventLaunchTimeout   EventType = "launch_timeout"
	EventSystemStarted   EventType = "system_started"
	EventSystemExited    EventType = "system_exited"
	EventWorkerUnhealthy EventType = "worker_unhealthy"
	EventWorkerRecovered EventType = "worker_recovered"
)

// ClusterEvent is the durable record of something operators care about.
type ClusterEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	SystemID  int64                  `json:"system_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AlertSeverity represents the severity level of an alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertRule maps an event type to an alert, optionally only after the event
// has been seen Threshold times within Window.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Event     EventType     `json:"event"`
	Threshold int           `json:"threshold,omitempty"`
	Window    time.Duration `json:"window,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
}

// Alert is a fired rule.
type Alert struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	Event     EventType     `json:"event"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
