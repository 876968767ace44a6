package master

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
	"github.com/streamfleet/execsched/internal/monitor"
)

// Allocator is the cluster's resource authority. It accepts additive
// resource requests, grants slots on healthy workers, and keeps per-worker
// accounting. Requests that cannot be placed immediately stay pending and
// are granted as capacity frees up or workers join, so a single request may
// be answered by several partial grants over time.
type Allocator struct {
	logger   *zap.Logger
	conn     *nats.Conn
	registry *monitor.WorkerRegistry
	strategy PlacementStrategy

	mu       sync.Mutex
	used     map[string]int
	pending  []*pendingRequest
	subs     []*nats.Subscription
	stop     chan struct{}
}

type pendingRequest struct {
	appID     string
	replyTo   string
	remaining int
	received  time.Time
}

// NewAllocator creates an allocator backed by the given worker registry.
func NewAllocator(conn *nats.Conn, registry *monitor.WorkerRegistry, strategy PlacementStrategy, logger *zap.Logger) *Allocator {
	if strategy == nil {
		strategy = &LeastLoadStrategy{}
	}
	return &Allocator{
		logger:   logger.Named("allocator"),
		conn:     conn,
		registry: registry,
		strategy: strategy,
		used:     make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Start subscribes the request subject and the system exit subjects, and
// runs the pending retry loop.
func (a *Allocator) Start(ctx context.Context) error {
	a.logger.Info("Starting allocator")

	sub, err := a.conn.Subscribe(model.MasterRequestSubject, a.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to resource requests: %w", err)
	}
	a.subs = append(a.subs, sub)

	// Slots come back when systems die.
	exitSub, err := a.conn.Subscribe("executor.system.*.exit", a.handleSystemExit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to system exits: %w", err)
	}
	a.subs = append(a.subs, exitSub)

	go a.retryLoop(ctx)
	return nil
}

// Stop stops the allocator.
func (a *Allocator) Stop() {
	a.logger.Info("Stopping allocator")
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

// UsedSlots returns the slots currently granted on one worker.
func (a *Allocator) UsedSlots(workerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[workerID]
}

func (a *Allocator) handleRequest(msg *nats.Msg) {
	var req model.RequestResourceMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.logger.Error("Failed to unmarshal resource request", zap.Error(err))
		return
	}
	if req.ReplyTo == "" {
		a.logger.Error("Dropping resource request without reply subject",
			zap.String("app_id", req.AppID))
		return
	}

	a.logger.Info("Resource requested",
		zap.String("app_id", req.AppID),
		zap.Int("slots", req.Request.Slots))

	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.place(req.Request.Slots, req.ReplyTo)
	if remaining > 0 {
		a.pending = append(a.pending, &pendingRequest{
			appID:     req.AppID,
			replyTo:   req.ReplyTo,
			remaining: remaining,
			received:  time.Now(),
		})
		a.logger.Info("Request partially pending",
			zap.String("app_id", req.AppID),
			zap.Int("pending_slots", remaining))
	}
}

// place grants as much as the cluster can take right now and sends the
// allocations to replyTo. It returns the unplaced remainder. Caller holds
// the lock.
func (a *Allocator) place(slots int, replyTo string) int {
	candidates := a.candidates()
	allocations := a.strategy.Place(candidates, slots)
	if len(allocations) == 0 {
		return slots
	}

	granted := 0
	for _, alloc := range allocations {
		a.used[alloc.Worker.ID] += alloc.Slots
		granted += alloc.Slots
	}

	a.send(replyTo, allocations)
	return slots - granted
}

func (a *Allocator) candidates() []Candidate {
	healthy := a.registry.Healthy()
	candidates := make([]Candidate, 0, len(healthy))
	for _, view := range healthy {
		free := view.Stats.TotalSlots - a.used[view.Info.ID]
		if free <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			Worker:    view.Info,
			FreeSlots: free,
			CPUUsage:  view.Stats.CPUUsage,
		})
	}
	return candidates
}

func (a *Allocator) send(replyTo string, allocations []model.ResourceAllocation) {
	msg := model.ResourceAllocatedMessage{Allocations: allocations}
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to marshal allocation reply", zap.Error(err))
		return
	}
	if err := a.conn.Publish(replyTo, data); err != nil {
		a.logger.Error("Failed to publish allocation reply",
			zap.String("reply_to", replyTo),
			zap.Error(err))
		return
	}

	total := 0
	for _, alloc := range allocations {
		total += alloc.Slots
	}
	a.logger.Info("Resource allocated",
		zap.Int("slots", total),
		zap.Int("workers", len(allocations)))
}

func (a *Allocator) handleSystemExit(msg *nats.Msg) {
	var exited model.SystemExited
	if err := json.Unmarshal(msg.Data, &exited); err != nil {
		a.logger.Error("Failed to unmarshal system exit", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.used[exited.Worker.ID] -= exited.Slots
	if a.used[exited.Worker.ID] < 0 {
		a.used[exited.Worker.ID] = 0
	}

	a.logger.Info("Slots released",
		zap.String("worker_id", exited.Worker.ID),
		zap.Int("slots", exited.Slots))

	a.drainPending()
}

// retryLoop periodically retries pending requests, since capacity can also
// appear through new workers joining.
func (a *Allocator) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.mu.Lock()
			a.drainPending()
			a.mu.Unlock()
		}
	}
}

// drainPending re-attempts placement for queued requests in arrival order.
// Caller holds the lock.
func (a *Allocator) drainPending() {
	if len(a.pending) == 0 {
		return
	}

	var still []*pendingRequest
	for _, p := range a.pending {
		p.remaining = a.place(p.remaining, p.replyTo)
		if p.remaining > 0 {
			still = append(still, p)
		}
	}
	a.pending = still
}
