package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/events"
	"github.com/streamfleet/execsched/internal/model"
)

// NotificationChannel delivers fired alerts somewhere operators look.
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// LogChannel writes alerts to the process log. It is the default channel.
type LogChannel struct {
	Logger *zap.Logger
}

// Send implements NotificationChannel.
func (c *LogChannel) Send(alert *model.Alert) error {
	c.Logger.Warn("ALERT",
		zap.String("alert_id", alert.ID),
		zap.String("event", string(alert.Event)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	return nil
}

// AlertManager turns cluster events into alerts. A rule fires when its event
// type is seen; a rule with a threshold fires only once the event has been
// seen that many times within the rule's window.
type AlertManager struct {
	logger   *zap.Logger
	events   *events.Publisher
	mu       sync.RWMutex
	rules    map[string]*model.AlertRule
	seen     map[string][]time.Time
	channels []NotificationChannel
	stop     chan struct{}
}

// NewAlertManager creates an alert manager consuming the event stream.
func NewAlertManager(eventPublisher *events.Publisher, logger *zap.Logger) *AlertManager {
	m := &AlertManager{
		logger: logger.Named("alert-manager"),
		events: eventPublisher,
		rules:  make(map[string]*model.AlertRule),
		seen:   make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}
	m.channels = append(m.channels, &LogChannel{Logger: m.logger})
	return m
}

// AddChannel registers an additional notification channel.
func (m *AlertManager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// AddRule adds a new alert rule.
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Event == "" {
		return fmt.Errorf("rule %q has no event type", rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// GetRule returns a rule by ID.
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return rule, nil
}

// DeleteRule deletes an alert rule.
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	delete(m.rules, id)
	return nil
}

// Start subscribes the alert manager to the event stream.
func (m *AlertManager) Start(ctx context.Context) error {
	if err := m.events.Subscribe(ctx, m.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager.
func (m *AlertManager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// HandleEvent evaluates all rules against one cluster event.
func (m *AlertManager) HandleEvent(ev model.ClusterEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rule := range m.rules {
		if rule.Event != ev.Type || rule.Silenced {
			continue
		}
		if rule.Threshold > 1 && !m.thresholdReached(rule, ev) {
			continue
		}
		m.fire(rule, ev)
	}
}

// thresholdReached records this occurrence and reports whether the rule's
// count within its window has been reached. Caller holds the lock.
func (m *AlertManager) thresholdReached(rule *model.AlertRule, ev model.ClusterEvent) bool {
	now := time.Now()
	window := rule.Window
	if window <= 0 {
		window = 5 * time.Minute
	}

	occurrences := append(m.seen[rule.ID], now)
	pruned := occurrences[:0]
	for _, t := range occurrences {
		if now.Sub(t) <= window {
			pruned = append(pruned, t)
		}
	}
	m.seen[rule.ID] = pruned

	if len(pruned) < rule.Threshold {
		return false
	}
	m.seen[rule.ID] = nil
	return true
}

func (m *AlertManager) fire(rule *model.AlertRule, ev model.ClusterEvent) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Event:     ev.Type,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("Rule %q triggered by %s event", rule.Name, ev.Type),
		CreatedAt: time.Now(),
	}

	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			m.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
}
