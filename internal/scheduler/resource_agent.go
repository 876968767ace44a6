package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// Events an agent delivers into the scheduler's inbox. The session is
// carried on every event so the scheduler can re-check liveness on receipt.
type resourceAllocatedForSession struct {
	Allocations []model.ResourceAllocation
	Session     model.Session
}

type resourceAllocationTimeout struct {
	Session model.Session
}

// Internal agent inbox messages.
type agentRequestResource struct {
	Request model.ResourceRequest
}

type agentResourceAllocated struct {
	Allocations []model.ResourceAllocation
}

// ResourceAgent owns one session's outstanding resource requests. It forwards
// each request to the master with its own inbox subject as the reply address,
// keeps a running count of requested-but-not-granted slots, and runs a single
// renewable abandonment timer. All state is confined to the agent goroutine.
//
// When the timer fires with slots still outstanding the agent notifies the
// scheduler and terminates; it never processes another allocation after that
// point. A firing with nothing outstanding is stale and ignored.
type ResourceAgent struct {
	logger  *zap.Logger
	conn    *nats.Conn
	appID   string
	session model.Session
	timeout time.Duration

	scheduler    chan<- interface{}
	inbox        chan interface{}
	inboxSubject string
	sub          *nats.Subscription
	stop         chan struct{}

	// Owned by the agent goroutine (and by direct handler calls in tests).
	unallocatedSlots int
}

// NewResourceAgent creates an agent for one session. schedulerInbox is the
// owning scheduler's inbox channel; the agent never touches scheduler state
// directly.
func NewResourceAgent(conn *nats.Conn, appID string, session model.Session, schedulerInbox chan<- interface{}, timeout time.Duration, logger *zap.Logger) *ResourceAgent {
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}
	return &ResourceAgent{
		logger:       logger.Named("resource-agent").With(zap.String("session_id", session.ID)),
		conn:         conn,
		appID:        appID,
		session:      session,
		timeout:      timeout,
		scheduler:    schedulerInbox,
		inbox:        make(chan interface{}, inboxBuffer),
		inboxSubject: fmt.Sprintf("agent.%s.allocated", session.ID),
		stop:         make(chan struct{}),
	}
}

// Start subscribes the agent's allocation inbox and runs its message loop.
func (a *ResourceAgent) Start() error {
	sub, err := a.conn.Subscribe(a.inboxSubject, func(msg *nats.Msg) {
		var allocated model.ResourceAllocatedMessage
		if err := json.Unmarshal(msg.Data, &allocated); err != nil {
			a.logger.Error("Failed to unmarshal allocation reply", zap.Error(err))
			return
		}
		a.enqueue(agentResourceAllocated{Allocations: allocated.Allocations})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe agent inbox: %w", err)
	}
	a.sub = sub

	go a.loop()
	return nil
}

// Request submits one resource request through this agent's session. It
// never blocks; a full inbox returns ErrAgentBusy instead of stalling the
// calling scheduler loop.
func (a *ResourceAgent) Request(req model.ResourceRequest) error {
	select {
	case <-a.stop:
		return ErrAgentStopped
	default:
	}
	select {
	case a.inbox <- agentRequestResource{Request: req}:
		return nil
	case <-a.stop:
		return ErrAgentStopped
	default:
		return ErrAgentBusy
	}
}

// Session returns the session this agent serves.
func (a *ResourceAgent) Session() model.Session {
	return a.session
}

// Stop terminates the agent without notifying the scheduler. Used on
// scheduler shutdown; the abandonment path terminates the agent itself.
func (a *ResourceAgent) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

func (a *ResourceAgent) enqueue(ev interface{}) {
	select {
	case a.inbox <- ev:
	case <-a.stop:
	}
}

func (a *ResourceAgent) loop() {
	defer a.sub.Unsubscribe()

	// The timer is created stopped; it only runs once a request arrives.
	timer := time.NewTimer(a.timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case ev := <-a.inbox:
			switch ev := ev.(type) {
			case agentRequestResource:
				a.handleRequest(ev, timer)
			case agentResourceAllocated:
				a.handleAllocated(ev)
			}
		case <-timer.C:
			if a.handleTimerFired() {
				a.Stop()
				return
			}
		case <-a.stop:
			return
		}
	}
}

// handleRequest adds the request to the outstanding count, restarts the
// abandonment timer, and forwards the request to the master with this
// agent's inbox as the reply address.
func (a *ResourceAgent) handleRequest(ev agentRequestResource, timer *time.Timer) {
	a.unallocatedSlots += ev.Request.Slots
	resetTimer(timer, a.timeout)

	msg := model.RequestResourceMessage{
		AppID:   a.appID,
		Request: ev.Request,
		ReplyTo: a.inboxSubject,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to marshal resource request", zap.Error(err))
		return
	}
	if err := a.conn.Publish(model.MasterRequestSubject, data); err != nil {
		a.logger.Error("Failed to publish resource request", zap.Error(err))
		return
	}

	a.logger.Debug("Resource requested",
		zap.Int("slots", ev.Request.Slots),
		zap.Int("unallocated", a.unallocatedSlots))
}

// handleAllocated subtracts the granted slots and relays the allocations to
// the scheduler tagged with the session, preserving the original requestor.
func (a *ResourceAgent) handleAllocated(ev agentResourceAllocated) {
	granted := 0
	for _, alloc := range ev.Allocations {
		granted += alloc.Slots
	}
	a.unallocatedSlots -= granted

	a.logger.Debug("Resource allocated",
		zap.Int("granted", granted),
		zap.Int("unallocated", a.unallocatedSlots))

	select {
	case a.scheduler <- resourceAllocatedForSession{Allocations: ev.Allocations, Session: a.session}:
	case <-a.stop:
	}
}

// handleTimerFired reports whether the agent must terminate. A firing with
// zero outstanding slots is a stale timer and leaves the agent alive.
func (a *ResourceAgent) handleTimerFired() bool {
	if a.unallocatedSlots <= 0 {
		a.logger.Debug("Stale abandonment timer ignored")
		return false
	}

	a.logger.Warn("Resource allocation timed out",
		zap.Int("unallocated", a.unallocatedSlots),
		zap.Duration("timeout", a.timeout))

	select {
	case a.scheduler <- resourceAllocationTimeout{Session: a.session}:
	case <-a.stop:
	}
	return true
}

// resetTimer restarts a timer from the calling goroutine. Safe only because
// the timer is never touched outside the agent loop.
func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
