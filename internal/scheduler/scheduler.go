package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/events"
	"github.com/streamfleet/execsched/internal/model"
	"github.com/streamfleet/execsched/internal/storage"
)

// Config carries the scheduler's tunables.
type Config struct {
	// AppID identifies the owning application towards the master.
	AppID string

	// AllocationTimeout is each agent's abandonment window. Zero means
	// DefaultAllocationTimeout.
	AllocationTimeout time.Duration
}

// Inbox messages decoded from NATS subscriptions.
type startExecutorSystems struct {
	Request model.StartExecutorSystemsRequest
}

type stopExecutorSystem struct {
	Request model.StopExecutorSystemRequest
}

type launchOutcome struct {
	Outcome model.LaunchOutcome
}

type systemExited struct {
	Exited model.SystemExited
}

// ExecutorSystemScheduler turns capacity requests into running, cluster-wide
// unique executor systems. One instance per application.
//
// The scheduler is a single goroutine draining one inbox; resourceAgents and
// currentSystemID are owned by that goroutine and never shared. A session is
// live iff its requestor has an entry in resourceAgents, re-checked on every
// inbound message since the table can change between send and receipt.
type ExecutorSystemScheduler struct {
	logger  *zap.Logger
	conn    *nats.Conn
	cfg     Config
	history storage.LaunchHistoryStorage
	events  *events.Publisher

	inbox          chan interface{}
	outcomeSubject string
	subs           []*nats.Subscription
	stop           chan struct{}

	// Owned by the scheduler goroutine (and by direct handler calls in tests).
	currentSystemID int64
	resourceAgents  map[string]*ResourceAgent
	launchRecords   map[int64]string

	// newAgent exists so tests can substitute agent construction.
	newAgent func(session model.Session) *ResourceAgent
}

// NewExecutorSystemScheduler creates a scheduler. history and eventPublisher
// may be nil; the protocol does not depend on either.
func NewExecutorSystemScheduler(conn *nats.Conn, cfg Config, history storage.LaunchHistoryStorage, eventPublisher *events.Publisher, logger *zap.Logger) *ExecutorSystemScheduler {
	s := &ExecutorSystemScheduler{
		logger:         logger.Named("executor-system-scheduler"),
		conn:           conn,
		cfg:            cfg,
		history:        history,
		events:         eventPublisher,
		inbox:          make(chan interface{}, inboxBuffer),
		outcomeSubject: fmt.Sprintf("scheduler.%s.launch.outcome", cfg.AppID),
		stop:           make(chan struct{}),
		resourceAgents: make(map[string]*ResourceAgent),
		launchRecords:  make(map[int64]string),
	}
	s.newAgent = func(session model.Session) *ResourceAgent {
		return NewResourceAgent(s.conn, s.cfg.AppID, session, s.inbox, s.cfg.AllocationTimeout, s.logger)
	}
	return s
}

// Start subscribes the scheduler's subjects and runs the message loop.
func (s *ExecutorSystemScheduler) Start(ctx context.Context) error {
	select {
	case <-s.stop:
		return ErrSchedulerStopped
	default:
	}

	s.logger.Info("Starting executor system scheduler",
		zap.String("app_id", s.cfg.AppID))

	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{model.SchedulerStartSubject, s.onStartMsg},
		{model.SchedulerStopSubject, s.onStopMsg},
		{s.outcomeSubject, s.onOutcomeMsg},
	}

	for _, sub := range subscriptions {
		ns, err := s.conn.Subscribe(sub.subject, sub.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, ns)
	}

	go s.loop(ctx)
	return nil
}

// Stop shuts the scheduler and all its agents down.
func (s *ExecutorSystemScheduler) Stop() {
	s.logger.Info("Stopping executor system scheduler")
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// OutcomeSubject is where launchers report back; it is carried in every
// launch directive as the reply address.
func (s *ExecutorSystemScheduler) OutcomeSubject() string {
	return s.outcomeSubject
}

func (s *ExecutorSystemScheduler) onStartMsg(msg *nats.Msg) {
	var req model.StartExecutorSystemsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("Failed to unmarshal start request", zap.Error(err))
		return
	}
	// A bare request/reply caller leaves ReplyTo empty and sets msg.Reply.
	if req.ReplyTo == "" {
		req.ReplyTo = msg.Reply
	}
	s.enqueue(startExecutorSystems{Request: req})
}

func (s *ExecutorSystemScheduler) onStopMsg(msg *nats.Msg) {
	var req model.StopExecutorSystemRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("Failed to unmarshal stop request", zap.Error(err))
		return
	}
	s.enqueue(stopExecutorSystem{Request: req})
}

func (s *ExecutorSystemScheduler) onOutcomeMsg(msg *nats.Msg) {
	var outcome model.LaunchOutcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		s.logger.Error("Failed to unmarshal launch outcome", zap.Error(err))
		return
	}
	s.enqueue(launchOutcome{Outcome: outcome})
}

func (s *ExecutorSystemScheduler) enqueue(ev interface{}) {
	select {
	case s.inbox <- ev:
	case <-s.stop:
	}
}

func (s *ExecutorSystemScheduler) loop(ctx context.Context) {
	defer func() {
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		for _, agent := range s.resourceAgents {
			agent.Stop()
		}
	}()

	for {
		select {
		case ev := <-s.inbox:
			s.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *ExecutorSystemScheduler) dispatch(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case startExecutorSystems:
		s.handleStart(ev.Request)
	case stopExecutorSystem:
		s.handleStop(ev.Request)
	case resourceAllocatedForSession:
		s.handleResourceAllocated(ctx, ev)
	case resourceAllocationTimeout:
		s.handleAllocationTimeout(ctx, ev)
	case launchOutcome:
		s.handleLaunchOutcome(ctx, ev.Outcome)
	case systemExited:
		s.handleSystemExited(ctx, ev.Exited)
	default:
		s.logger.Error("Unknown inbox message", zap.Any("message", ev))
	}
}

// sessionLive reports whether the session's requestor still has an agent
// entry. This is the sole liveness test: removal of the entry is the sole
// cancellation mechanism, so every handler consults the table on receipt.
func (s *ExecutorSystemScheduler) sessionLive(session model.Session) bool {
	_, ok := s.resourceAgents[session.Requestor]
	return ok
}

// handleStart looks up or creates the requestor's agent and forwards one
// resource request per entry. No acknowledgement is sent; results arrive
// later as started or timeout replies.
func (s *ExecutorSystemScheduler) handleStart(req model.StartExecutorSystemsRequest) {
	if req.ReplyTo == "" {
		s.logger.Error("Dropping start request", zap.Error(ErrMissingReplyTo))
		return
	}

	agent, ok := s.resourceAgents[req.ReplyTo]
	if !ok {
		session := model.Session{
			ID:        uuid.New().String(),
			Requestor: req.ReplyTo,
			Config:    req.Config,
		}
		agent = s.newAgent(session)
		if err := agent.Start(); err != nil {
			s.logger.Error("Failed to start resource agent",
				zap.String("requestor", req.ReplyTo),
				zap.Error(err))
			return
		}
		s.resourceAgents[req.ReplyTo] = agent
		s.logger.Info("Resource agent created",
			zap.String("session_id", session.ID),
			zap.String("requestor", req.ReplyTo))
	}

	for _, r := range req.Resources {
		if err := agent.Request(r); err != nil {
			s.logger.Error("Failed to forward resource request",
				zap.String("requestor", req.ReplyTo),
				zap.Error(err))
		}
	}
}

// handleStop invokes shutdown on a previously granted system handle.
func (s *ExecutorSystemScheduler) handleStop(req model.StopExecutorSystemRequest) {
	s.shutdownSystem(req.System, "stop requested")
}

// handleResourceAllocated groups a batch of allocations by worker, merges
// each worker's grants into one combined grant, and dispatches exactly one
// launch attempt per worker with the next system id.
func (s *ExecutorSystemScheduler) handleResourceAllocated(ctx context.Context, ev resourceAllocatedForSession) {
	if !s.sessionLive(ev.Session) {
		s.logger.Debug("Dropping allocations for dead session",
			zap.String("session_id", ev.Session.ID))
		return
	}

	type workerGroup struct {
		worker model.WorkerInfo
		slots  int
	}
	groups := make(map[string]*workerGroup)
	for _, alloc := range ev.Allocations {
		g, ok := groups[alloc.Worker.ID]
		if !ok {
			g = &workerGroup{worker: alloc.Worker}
			groups[alloc.Worker.ID] = g
		}
		g.slots += alloc.Slots
	}

	for _, g := range groups {
		systemID := s.currentSystemID
		s.currentSystemID++

		directive := model.LaunchDirective{
			Worker:   g.worker,
			SystemID: systemID,
			Resource: model.ResourceAllocation{Worker: g.worker, Slots: g.slots},
			Config:   ev.Session.Config,
			Session:  ev.Session,
			ReplyTo:  s.outcomeSubject,
		}

		data, err := json.Marshal(directive)
		if err != nil {
			s.logger.Error("Failed to marshal launch directive", zap.Error(err))
			continue
		}
		if err := s.conn.Publish(model.WorkerLaunchSubject(g.worker.ID), data); err != nil {
			s.logger.Error("Failed to publish launch directive",
				zap.String("worker_id", g.worker.ID),
				zap.Error(err))
			continue
		}

		s.logger.Info("Launch dispatched",
			zap.Int64("system_id", systemID),
			zap.String("worker_id", g.worker.ID),
			zap.Int("slots", g.slots),
			zap.String("session_id", ev.Session.ID))

		s.recordDispatch(ctx, systemID, ev.Session, g.worker, g.slots)
		s.publishEvent(model.ClusterEvent{
			Type:      model.EventLaunchDispatch,
			SessionID: ev.Session.ID,
			SystemID:  systemID,
			WorkerID:  g.worker.ID,
		})
	}
}

// handleAllocationTimeout kills the session and tells the requestor. A dead
// session's timeout is a stale message and dropped.
func (s *ExecutorSystemScheduler) handleAllocationTimeout(ctx context.Context, ev resourceAllocationTimeout) {
	if !s.sessionLive(ev.Session) {
		return
	}

	delete(s.resourceAgents, ev.Session.Requestor)

	s.logger.Warn("Session abandoned after allocation timeout",
		zap.String("session_id", ev.Session.ID),
		zap.String("requestor", ev.Session.Requestor))

	s.replyTimeout(ev.Session, "resource allocation timed out")
	s.publishEvent(model.ClusterEvent{
		Type:      model.EventSessionTimeout,
		SessionID: ev.Session.ID,
	})
}

func (s *ExecutorSystemScheduler) handleLaunchOutcome(ctx context.Context, outcome model.LaunchOutcome) {
	switch outcome.Status {
	case model.LaunchStatusSuccess:
		s.handleLaunchSuccess(ctx, outcome)
	case model.LaunchStatusTimeout:
		s.handleLaunchTimeout(ctx, outcome)
	case model.LaunchStatusRejected:
		s.handleLaunchRejected(ctx, outcome)
	default:
		s.logger.Error("Unknown launch outcome status",
			zap.String("status", string(outcome.Status)))
	}
}

// handleLaunchSuccess hands the system to the requestor, binding its
// lifecycle to the scheduler first. A system launched under a dead session
// must not be handed to anyone; it is shut down to avoid leaking a process.
func (s *ExecutorSystemScheduler) handleLaunchSuccess(ctx context.Context, outcome model.LaunchOutcome) {
	system := outcome.System
	if system == nil {
		s.logger.Error("Launch success without system handle",
			zap.String("session_id", outcome.Session.ID))
		return
	}

	if !s.sessionLive(outcome.Session) {
		s.logger.Warn("Shutting down system launched under dead session",
			zap.Int64("system_id", system.SystemID),
			zap.String("session_id", outcome.Session.ID))
		s.shutdownSystem(*system, "session no longer live")
		return
	}

	if err := s.bindLifecycle(*system); err != nil {
		s.logger.Error("Failed to bind system lifecycle",
			zap.Int64("system_id", system.SystemID),
			zap.Error(err))
	}

	reply := model.ExecutorSystemStartedReply{System: *system}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal started reply", zap.Error(err))
		return
	}
	if err := s.conn.Publish(outcome.Session.Requestor, data); err != nil {
		s.logger.Error("Failed to publish started reply",
			zap.String("requestor", outcome.Session.Requestor),
			zap.Error(err))
	}

	s.logger.Info("Executor system started",
		zap.Int64("system_id", system.SystemID),
		zap.String("worker_id", system.Worker.ID),
		zap.String("session_id", outcome.Session.ID))

	s.recordOutcome(ctx, system.SystemID, model.LaunchStatusSuccess, "")
	s.publishEvent(model.ClusterEvent{
		Type:      model.EventSystemStarted,
		SessionID: outcome.Session.ID,
		SystemID:  system.SystemID,
		WorkerID:  system.Worker.ID,
	})
}

// handleLaunchTimeout tells the requestor the attempt timed out. The granted
// resource is abandoned; the session stays live, there is no automatic retry
// for timeouts.
func (s *ExecutorSystemScheduler) handleLaunchTimeout(ctx context.Context, outcome model.LaunchOutcome) {
	if !s.sessionLive(outcome.Session) {
		return
	}

	s.logger.Warn("Launch attempt timed out",
		zap.String("session_id", outcome.Session.ID))

	s.replyTimeout(outcome.Session, "executor system launch timed out")
	s.recordOutcome(ctx, outcome.SystemID, model.LaunchStatusTimeout, "")
	s.publishEvent(model.ClusterEvent{
		Type:      model.EventLaunchTimeout,
		SessionID: outcome.Session.ID,
		SystemID:  outcome.SystemID,
	})
}

// handleLaunchRejected re-requests the same amount through the session's
// agent, giving the master a chance to place it elsewhere. This is the only
// automatic retry path; it is bounded by the agent's abandonment timer on
// the fresh request, not by a retry count.
func (s *ExecutorSystemScheduler) handleLaunchRejected(ctx context.Context, outcome model.LaunchOutcome) {
	agent, ok := s.resourceAgents[outcome.Session.Requestor]
	if !ok {
		return
	}
	if outcome.Resource == nil {
		s.logger.Error("Launch rejection without resource",
			zap.String("session_id", outcome.Session.ID))
		return
	}

	s.logger.Warn("Launch attempt rejected, re-requesting resource",
		zap.String("session_id", outcome.Session.ID),
		zap.Int("slots", outcome.Resource.Slots),
		zap.String("reason", outcome.Reason))

	if err := agent.Request(model.ResourceRequest{Slots: outcome.Resource.Slots}); err != nil {
		s.logger.Error("Failed to re-request rejected resource",
			zap.String("session_id", outcome.Session.ID),
			zap.Error(err))
	}

	s.recordOutcome(ctx, outcome.SystemID, model.LaunchStatusRejected, outcome.Reason)
	s.publishEvent(model.ClusterEvent{
		Type:      model.EventLaunchRejected,
		SessionID: outcome.Session.ID,
		SystemID:  outcome.SystemID,
		WorkerID:  outcome.Resource.Worker.ID,
		Message:   outcome.Reason,
	})
}

func (s *ExecutorSystemScheduler) handleSystemExited(ctx context.Context, exited model.SystemExited) {
	s.logger.Info("Executor system exited",
		zap.Int64("system_id", exited.SystemID),
		zap.String("worker_id", exited.Worker.ID),
		zap.Int("exit_code", exited.ExitCode))

	s.publishEvent(model.ClusterEvent{
		Type:     model.EventSystemExited,
		SystemID: exited.SystemID,
		WorkerID: exited.Worker.ID,
		Message:  exited.Error,
	})
}

// bindLifecycle subscribes the system's exit subject so the scheduler hears
// about the system dying after it was handed out.
func (s *ExecutorSystemScheduler) bindLifecycle(system model.ExecutorSystem) error {
	sub, err := s.conn.Subscribe(system.ExitSubject, func(msg *nats.Msg) {
		var exited model.SystemExited
		if err := json.Unmarshal(msg.Data, &exited); err != nil {
			s.logger.Error("Failed to unmarshal exit notification", zap.Error(err))
			return
		}
		s.enqueue(systemExited{Exited: exited})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe exit subject: %w", err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		s.logger.Error("Failed to limit exit subscription",
			zap.Int64("system_id", system.SystemID),
			zap.Error(err))
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *ExecutorSystemScheduler) shutdownSystem(system model.ExecutorSystem, reason string) {
	cmd := model.ShutdownCommand{SystemID: system.SystemID, Reason: reason}
	data, err := json.Marshal(cmd)
	if err != nil {
		s.logger.Error("Failed to marshal shutdown command", zap.Error(err))
		return
	}
	if err := s.conn.Publish(system.ControlSubject, data); err != nil {
		s.logger.Error("Failed to publish shutdown command",
			zap.Int64("system_id", system.SystemID),
			zap.Error(err))
	}
}

func (s *ExecutorSystemScheduler) replyTimeout(session model.Session, reason string) {
	reply := model.StartExecutorSystemTimeoutReply{
		SessionID: session.ID,
		Reason:    reason,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal timeout reply", zap.Error(err))
		return
	}
	if err := s.conn.Publish(session.Requestor, data); err != nil {
		s.logger.Error("Failed to publish timeout reply",
			zap.String("requestor", session.Requestor),
			zap.Error(err))
	}
}

func (s *ExecutorSystemScheduler) recordDispatch(ctx context.Context, systemID int64, session model.Session, worker model.WorkerInfo, slots int) {
	if s.history == nil {
		return
	}
	record := &storage.LaunchRecord{
		ID:           uuid.New().String(),
		SystemID:     systemID,
		SessionID:    session.ID,
		WorkerID:     worker.ID,
		Slots:        slots,
		Status:       model.LaunchStatusDispatched,
		DispatchedAt: time.Now(),
	}
	if err := s.history.Store(ctx, record); err != nil {
		s.logger.Error("Failed to store launch record", zap.Error(err))
		return
	}
	s.launchRecords[systemID] = record.ID
}

func (s *ExecutorSystemScheduler) recordOutcome(ctx context.Context, systemID int64, status model.LaunchStatus, errMsg string) {
	if s.history == nil {
		return
	}
	recordID, ok := s.launchRecords[systemID]
	if !ok {
		return
	}
	delete(s.launchRecords, systemID)

	now := time.Now()
	record := &storage.LaunchRecord{
		ID:          recordID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: &now,
	}
	if err := s.history.Update(ctx, record); err != nil {
		s.logger.Error("Failed to update launch record", zap.Error(err))
	}
}

func (s *ExecutorSystemScheduler) publishEvent(ev model.ClusterEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev); err != nil {
		s.logger.Debug("Event publish failed", zap.Error(err))
	}
}
