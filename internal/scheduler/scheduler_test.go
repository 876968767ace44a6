package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
	"github.com/streamfleet/execsched/internal/testutil"
)

func newTestScheduler(nc *nats.Conn, allocationTimeout time.Duration) *ExecutorSystemScheduler {
	return NewExecutorSystemScheduler(nc, Config{
		AppID:             "app-test",
		AllocationTimeout: allocationTimeout,
	}, nil, nil, zap.NewNop())
}

// collectDirectives captures every launch directive published to any worker.
func collectDirectives(t *testing.T, nc *nats.Conn) chan model.LaunchDirective {
	t.Helper()

	directives := make(chan model.LaunchDirective, 16)
	_, err := nc.Subscribe("worker.*.launch", func(msg *nats.Msg) {
		var directive model.LaunchDirective
		require.NoError(t, json.Unmarshal(msg.Data, &directive))
		directives <- directive
	})
	require.NoError(t, err)
	return directives
}

func TestSchedulerGroupsAllocationsByWorker(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	s := newTestScheduler(nc, time.Minute)
	directives := collectDirectives(t, nc)

	session := testSession("client.inbox")
	s.resourceAgents[session.Requestor] = s.newAgent(session)

	// The allocator split one request into three grants across two workers.
	s.handleResourceAllocated(context.Background(), resourceAllocatedForSession{
		Session: session,
		Allocations: []model.ResourceAllocation{
			{Worker: model.WorkerInfo{ID: "w1"}, Slots: 2},
			{Worker: model.WorkerInfo{ID: "w2"}, Slots: 3},
			{Worker: model.WorkerInfo{ID: "w1"}, Slots: 2},
		},
	})

	byWorker := make(map[string]model.LaunchDirective)
	for i := 0; i < 2; i++ {
		select {
		case d := <-directives:
			byWorker[d.Worker.ID] = d
		case <-time.After(2 * time.Second):
			t.Fatal("missing launch directive")
		}
	}
	select {
	case d := <-directives:
		t.Fatalf("extra launch directive for worker %s", d.Worker.ID)
	case <-time.After(200 * time.Millisecond):
	}

	// One attempt per worker per batch, slots merged.
	require.Len(t, byWorker, 2)
	assert.Equal(t, 4, byWorker["w1"].Resource.Slots)
	assert.Equal(t, 3, byWorker["w2"].Resource.Slots)

	ids := []int64{byWorker["w1"].SystemID, byWorker["w2"].SystemID}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{0, 1}, ids)
}

func TestSchedulerSystemIDsMonotonicAcrossSessions(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	s := newTestScheduler(nc, time.Minute)
	directives := collectDirectives(t, nc)

	first := testSession("client.a")
	second := model.Session{ID: "session-2", Requestor: "client.b"}
	s.resourceAgents[first.Requestor] = s.newAgent(first)
	s.resourceAgents[second.Requestor] = s.newAgent(second)

	for i, session := range []model.Session{first, second, first} {
		s.handleResourceAllocated(context.Background(), resourceAllocatedForSession{
			Session: session,
			Allocations: []model.ResourceAllocation{
				{Worker: model.WorkerInfo{ID: "w1"}, Slots: i + 1},
			},
		})
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		select {
		case d := <-directives:
			ids = append(ids, d.SystemID)
		case <-time.After(2 * time.Second):
			t.Fatal("missing launch directive")
		}
	}
	assert.Equal(t, []int64{0, 1, 2}, ids)
}

func TestSchedulerDropsAllocationsForDeadSession(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	s := newTestScheduler(nc, time.Minute)
	directives := collectDirectives(t, nc)

	// No agent entry: the session is dead.
	s.handleResourceAllocated(context.Background(), resourceAllocatedForSession{
		Session: testSession("client.gone"),
		Allocations: []model.ResourceAllocation{
			{Worker: model.WorkerInfo{ID: "w1"}, Slots: 2},
		},
	})

	select {
	case d := <-directives:
		t.Fatalf("launch dispatched for dead session, worker %s", d.Worker.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSchedulerStartToSuccess(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	// Master: answers every request with one grant split in two allocations
	// on the same worker.
	_, err := nc.Subscribe(model.MasterRequestSubject, func(msg *nats.Msg) {
		var req model.RequestResourceMessage
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		half := req.Request.Slots / 2
		grant := model.ResourceAllocatedMessage{Allocations: []model.ResourceAllocation{
			{Worker: model.WorkerInfo{ID: "w1"}, Slots: half},
			{Worker: model.WorkerInfo{ID: "w1"}, Slots: req.Request.Slots - half},
		}}
		data, merr := json.Marshal(grant)
		require.NoError(t, merr)
		require.NoError(t, nc.Publish(req.ReplyTo, data))
	})
	require.NoError(t, err)

	// Launcher: reports success for every directive.
	_, err = nc.Subscribe(model.WorkerLaunchSubject("w1"), func(msg *nats.Msg) {
		var directive model.LaunchDirective
		require.NoError(t, json.Unmarshal(msg.Data, &directive))
		system := model.ExecutorSystem{
			SystemID:       directive.SystemID,
			Worker:         directive.Worker,
			Slots:          directive.Resource.Slots,
			ControlSubject: model.SystemControlSubject(directive.SystemID),
			ExitSubject:    model.SystemExitSubject(directive.SystemID),
		}
		outcome := model.LaunchOutcome{
			Status:   model.LaunchStatusSuccess,
			SystemID: directive.SystemID,
			System:   &system,
			Session:  directive.Session,
		}
		data, merr := json.Marshal(outcome)
		require.NoError(t, merr)
		require.NoError(t, nc.Publish(directive.ReplyTo, data))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScheduler(nc, time.Minute)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	inbox := nats.NewInbox()
	started := make(chan model.ExecutorSystemStartedReply, 4)
	_, err = nc.Subscribe(inbox, func(msg *nats.Msg) {
		var reply model.ExecutorSystemStartedReply
		if json.Unmarshal(msg.Data, &reply) == nil && reply.System.ControlSubject != "" {
			started <- reply
		}
	})
	require.NoError(t, err)

	req := model.StartExecutorSystemsRequest{
		Resources: []model.ResourceRequest{{Slots: 4}},
		Config:    model.ExecutorSystemJvmConfig{Username: "streamer"},
		ReplyTo:   inbox,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(model.SchedulerStartSubject, data))

	select {
	case reply := <-started:
		// The split grant was merged into one system covering all 4 slots.
		assert.Equal(t, int64(0), reply.System.SystemID)
		assert.Equal(t, "w1", reply.System.Worker.ID)
		assert.Equal(t, 4, reply.System.Slots)
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the started reply")
	}

	select {
	case reply := <-started:
		t.Fatalf("second started reply for system %d", reply.System.SystemID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSchedulerAllocationTimeoutKillsSession(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No master: the request is never answered.
	s := newTestScheduler(nc, 300*time.Millisecond)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	inbox := nats.NewInbox()
	timeouts := make(chan model.StartExecutorSystemTimeoutReply, 4)
	_, err := nc.Subscribe(inbox, func(msg *nats.Msg) {
		var reply model.StartExecutorSystemTimeoutReply
		if json.Unmarshal(msg.Data, &reply) == nil && reply.SessionID != "" {
			timeouts <- reply
		}
	})
	require.NoError(t, err)

	req := model.StartExecutorSystemsRequest{
		Resources: []model.ResourceRequest{{Slots: 4}},
		ReplyTo:   inbox,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(model.SchedulerStartSubject, data))

	var sessionID string
	select {
	case reply := <-timeouts:
		sessionID = reply.SessionID
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the timeout reply")
	}

	select {
	case <-timeouts:
		t.Fatal("timeout reply delivered twice")
	case <-time.After(300 * time.Millisecond):
	}

	// A launch that completes after the session died must not reach the
	// client; the scheduler shuts the orphaned system down instead.
	system := model.ExecutorSystem{
		SystemID:       7,
		Worker:         model.WorkerInfo{ID: "w1"},
		Slots:          4,
		ControlSubject: model.SystemControlSubject(7),
		ExitSubject:    model.SystemExitSubject(7),
	}

	shutdowns := make(chan model.ShutdownCommand, 1)
	_, err = nc.Subscribe(system.ControlSubject, func(msg *nats.Msg) {
		var cmd model.ShutdownCommand
		require.NoError(t, json.Unmarshal(msg.Data, &cmd))
		shutdowns <- cmd
	})
	require.NoError(t, err)

	outcome := model.LaunchOutcome{
		Status:   model.LaunchStatusSuccess,
		SystemID: system.SystemID,
		System:   &system,
		Session:  model.Session{ID: sessionID, Requestor: inbox},
	}
	data, err = json.Marshal(outcome)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(s.OutcomeSubject(), data))

	select {
	case cmd := <-shutdowns:
		assert.Equal(t, int64(7), cmd.SystemID)
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned system was never shut down")
	}
}

func TestSchedulerRejectionTriggersSingleReRequest(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	requests := make(chan model.RequestResourceMessage, 4)
	_, err := nc.Subscribe(model.MasterRequestSubject, func(msg *nats.Msg) {
		var req model.RequestResourceMessage
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		requests <- req
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScheduler(nc, time.Minute)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	inbox := nats.NewInbox()
	clientMsgs := make(chan []byte, 4)
	_, err = nc.Subscribe(inbox, func(msg *nats.Msg) {
		clientMsgs <- msg.Data
	})
	require.NoError(t, err)

	req := model.StartExecutorSystemsRequest{
		Resources: []model.ResourceRequest{{Slots: 4}},
		ReplyTo:   inbox,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(model.SchedulerStartSubject, data))

	var first model.RequestResourceMessage
	select {
	case first = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("master never saw the initial request")
	}

	// The worker refused the attempt.
	session := model.Session{ID: "ignored", Requestor: inbox}
	rejected := model.LaunchOutcome{
		Status:   model.LaunchStatusRejected,
		SystemID: 0,
		Resource: &model.ResourceAllocation{Worker: model.WorkerInfo{ID: "w1"}, Slots: 4},
		Reason:   "worker at capacity",
		Session:  session,
	}
	data, err = json.Marshal(rejected)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(s.OutcomeSubject(), data))

	// Exactly one fresh request of the same size, through the same agent.
	select {
	case second := <-requests:
		assert.Equal(t, first.Request.Slots, second.Request.Slots)
		assert.Equal(t, first.ReplyTo, second.ReplyTo)
	case <-time.After(5 * time.Second):
		t.Fatal("rejection did not trigger a re-request")
	}

	select {
	case extra := <-requests:
		t.Fatalf("unexpected extra request for %d slots", extra.Request.Slots)
	case <-time.After(300 * time.Millisecond):
	}

	// Nothing client-visible happened yet.
	select {
	case msg := <-clientMsgs:
		t.Fatalf("unexpected client message: %s", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSchedulerLaunchTimeoutKeepsSessionAlive(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	s := newTestScheduler(nc, time.Minute)

	inbox := nats.NewInbox()
	timeouts := make(chan model.StartExecutorSystemTimeoutReply, 4)
	_, err := nc.Subscribe(inbox, func(msg *nats.Msg) {
		var reply model.StartExecutorSystemTimeoutReply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		timeouts <- reply
	})
	require.NoError(t, err)

	session := testSession(inbox)
	s.resourceAgents[session.Requestor] = s.newAgent(session)

	s.handleLaunchOutcome(context.Background(), model.LaunchOutcome{
		Status:   model.LaunchStatusTimeout,
		SystemID: 0,
		Session:  session,
	})

	select {
	case reply := <-timeouts:
		assert.Equal(t, session.ID, reply.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the launch timeout reply")
	}

	// The attempt's resource is gone but the session itself survived; no
	// automatic retry, no abandonment.
	_, alive := s.resourceAgents[session.Requestor]
	assert.True(t, alive)
}
