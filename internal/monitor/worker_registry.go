package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/events"
	"github.com/streamfleet/execsched/internal/model"
)

// WorkerView is one worker as seen by the registry.
type WorkerView struct {
	Info          model.WorkerInfo
	Stats         model.WorkerStats
	Status        model.WorkerStatus
	LastHeartbeat time.Time
}

// WorkerRegistry tracks worker liveness and load from heartbeat messages.
// A worker that misses heartbeats for the liveness window is marked
// unhealthy and excluded from placement until it reports again.
type WorkerRegistry struct {
	logger  *zap.Logger
	conn    *nats.Conn
	events  *events.Publisher
	window  time.Duration
	mu      sync.RWMutex
	workers map[string]*WorkerView
	sub     *nats.Subscription
	stop    chan struct{}
}

// NewWorkerRegistry creates a registry. window is the liveness window;
// eventPublisher may be nil.
func NewWorkerRegistry(conn *nats.Conn, window time.Duration, eventPublisher *events.Publisher, logger *zap.Logger) *WorkerRegistry {
	if window <= 0 {
		window = 15 * time.Second
	}
	return &WorkerRegistry{
		logger:  logger.Named("worker-registry"),
		conn:    conn,
		events:  eventPublisher,
		window:  window,
		workers: make(map[string]*WorkerView),
		stop:    make(chan struct{}),
	}
}

// Start subscribes to worker heartbeats and runs the health check loop.
func (r *WorkerRegistry) Start(ctx context.Context) error {
	r.logger.Info("Starting worker registry",
		zap.Duration("liveness_window", r.window))

	sub, err := r.conn.Subscribe(model.WorkerHeartbeatSubject, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	r.sub = sub

	go r.healthCheckLoop(ctx)
	return nil
}

// Stop stops the registry.
func (r *WorkerRegistry) Stop() {
	r.logger.Info("Stopping worker registry")
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *WorkerRegistry) handleHeartbeat(msg *nats.Msg) {
	var heartbeat model.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &heartbeat); err != nil {
		r.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	view, known := r.workers[heartbeat.Worker.ID]
	if !known {
		view = &WorkerView{Info: heartbeat.Worker}
		r.workers[heartbeat.Worker.ID] = view
		r.logger.Info("Worker registered",
			zap.String("worker_id", heartbeat.Worker.ID),
			zap.Int("total_slots", heartbeat.Stats.TotalSlots))
	}

	recovered := known && view.Status == model.WorkerStatusUnhealthy

	view.Stats = heartbeat.Stats
	view.Status = model.WorkerStatusHealthy
	view.LastHeartbeat = time.Now()

	if recovered {
		r.logger.Info("Worker recovered",
			zap.String("worker_id", heartbeat.Worker.ID))
		r.publishEvent(model.EventWorkerRecovered, heartbeat.Worker.ID)
	}
}

// Healthy returns a snapshot of all healthy workers.
func (r *WorkerRegistry) Healthy() []WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]WorkerView, 0, len(r.workers))
	for _, view := range r.workers {
		if view.Status == model.WorkerStatusHealthy {
			views = append(views, *view)
		}
	}
	return views
}

// Get returns one worker's view, if known.
func (r *WorkerRegistry) Get(workerID string) (WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view, ok := r.workers[workerID]
	if !ok {
		return WorkerView{}, false
	}
	return *view, true
}

func (r *WorkerRegistry) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(r.window / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkWorkerHealth()
		}
	}
}

func (r *WorkerRegistry) checkWorkerHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, view := range r.workers {
		if now.Sub(view.LastHeartbeat) > r.window && view.Status == model.WorkerStatusHealthy {
			view.Status = model.WorkerStatusUnhealthy
			r.logger.Warn("Worker marked as unhealthy",
				zap.String("worker_id", id),
				zap.Time("last_heartbeat", view.LastHeartbeat))
			r.publishEvent(model.EventWorkerUnhealthy, id)
		}
	}
}

func (r *WorkerRegistry) publishEvent(eventType model.EventType, workerID string) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(model.ClusterEvent{
		Type:     eventType,
		WorkerID: workerID,
	}); err != nil {
		r.logger.Debug("Event publish failed", zap.Error(err))
	}
}
