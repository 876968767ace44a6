package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
	"github.com/streamfleet/execsched/internal/testutil"
)

// stubProcess exits when its exit channel receives a code, or when killed.
type stubProcess struct {
	exit   chan int
	killed sync.Once
}

func newStubProcess() *stubProcess {
	return &stubProcess{exit: make(chan int, 1)}
}

func (p *stubProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *stubProcess) Kill() error {
	p.killed.Do(func() { p.exit <- 137 })
	return nil
}

// stubRuntime hands out stub processes, or fails/blocks on demand.
type stubRuntime struct {
	mu        sync.Mutex
	processes []*stubProcess
	launchErr error
	block     bool
}

func (r *stubRuntime) Launch(ctx context.Context, directive model.LaunchDirective) (Process, error) {
	r.mu.Lock()
	block := r.block
	launchErr := r.launchErr
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if launchErr != nil {
		return nil, launchErr
	}

	p := newStubProcess()
	r.mu.Lock()
	r.processes = append(r.processes, p)
	r.mu.Unlock()
	return p, nil
}

func startLauncher(t *testing.T, nc *nats.Conn, runtime Runtime, totalSlots int, launchTimeout time.Duration) *Launcher {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := NewLauncher(nc, Config{
		Worker:        model.WorkerInfo{ID: "w1", Host: "127.0.0.1"},
		TotalSlots:    totalSlots,
		LaunchTimeout: launchTimeout,
	}, runtime, nil, zap.NewNop())
	require.NoError(t, l.Start(ctx))
	t.Cleanup(l.Stop)
	return l
}

func sendDirective(t *testing.T, nc *nats.Conn, systemID int64, slots int, replyTo string) {
	t.Helper()

	directive := model.LaunchDirective{
		Worker:   model.WorkerInfo{ID: "w1"},
		SystemID: systemID,
		Resource: model.ResourceAllocation{Worker: model.WorkerInfo{ID: "w1"}, Slots: slots},
		Session:  model.Session{ID: "session-1", Requestor: "client.inbox"},
		ReplyTo:  replyTo,
	}
	data, err := json.Marshal(directive)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(model.WorkerLaunchSubject("w1"), data))
}

func subscribeOutcomes(t *testing.T, nc *nats.Conn) (string, chan model.LaunchOutcome) {
	t.Helper()

	replyTo := nats.NewInbox()
	outcomes := make(chan model.LaunchOutcome, 8)
	_, err := nc.Subscribe(replyTo, func(msg *nats.Msg) {
		var outcome model.LaunchOutcome
		require.NoError(t, json.Unmarshal(msg.Data, &outcome))
		outcomes <- outcome
	})
	require.NoError(t, err)
	return replyTo, outcomes
}

func waitOutcome(t *testing.T, outcomes chan model.LaunchOutcome) model.LaunchOutcome {
	t.Helper()

	select {
	case outcome := <-outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("launch outcome never arrived")
		return model.LaunchOutcome{}
	}
}

func TestLauncherReportsSuccessWithSystemHandle(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	runtime := &stubRuntime{}
	l := startLauncher(t, nc, runtime, 8, time.Minute)
	replyTo, outcomes := subscribeOutcomes(t, nc)

	sendDirective(t, nc, 5, 4, replyTo)

	outcome := waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusSuccess, outcome.Status)
	assert.Equal(t, int64(5), outcome.SystemID)
	require.NotNil(t, outcome.System)
	assert.Equal(t, model.SystemControlSubject(5), outcome.System.ControlSubject)
	assert.Equal(t, model.SystemExitSubject(5), outcome.System.ExitSubject)
	assert.Equal(t, 4, outcome.System.Slots)
	assert.Equal(t, "session-1", outcome.Session.ID)

	assert.Equal(t, []int64{5}, l.RunningSystems())
}

func TestLauncherRejectsOverCapacity(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	runtime := &stubRuntime{}
	startLauncher(t, nc, runtime, 2, time.Minute)
	replyTo, outcomes := subscribeOutcomes(t, nc)

	sendDirective(t, nc, 1, 4, replyTo)

	outcome := waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusRejected, outcome.Status)
	assert.Equal(t, int64(1), outcome.SystemID)
	require.NotNil(t, outcome.Resource)
	assert.Equal(t, 4, outcome.Resource.Slots)
	assert.Contains(t, outcome.Reason, "insufficient slots")
}

func TestLauncherReleasesSlotsOnFailedLaunch(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	runtime := &stubRuntime{launchErr: errors.New("image pull failed")}
	startLauncher(t, nc, runtime, 4, time.Minute)
	replyTo, outcomes := subscribeOutcomes(t, nc)

	sendDirective(t, nc, 1, 4, replyTo)
	outcome := waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusRejected, outcome.Status)
	assert.Equal(t, "image pull failed", outcome.Reason)

	// The failed attempt's reservation was rolled back; the same amount
	// fits again.
	runtime.mu.Lock()
	runtime.launchErr = nil
	runtime.mu.Unlock()

	sendDirective(t, nc, 2, 4, replyTo)
	outcome = waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusSuccess, outcome.Status)
}

func TestLauncherReportsTimeout(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	runtime := &stubRuntime{block: true}
	startLauncher(t, nc, runtime, 8, 200*time.Millisecond)
	replyTo, outcomes := subscribeOutcomes(t, nc)

	sendDirective(t, nc, 1, 2, replyTo)

	outcome := waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusTimeout, outcome.Status)
	assert.Equal(t, int64(1), outcome.SystemID)
}

func TestLauncherShutdownCommandKillsSystemAndPublishesExit(t *testing.T) {
	nc, cleanup := testutil.StartServer(t)
	defer cleanup()

	runtime := &stubRuntime{}
	l := startLauncher(t, nc, runtime, 8, time.Minute)
	replyTo, outcomes := subscribeOutcomes(t, nc)

	sendDirective(t, nc, 9, 4, replyTo)
	outcome := waitOutcome(t, outcomes)
	require.Equal(t, model.LaunchStatusSuccess, outcome.Status)

	exits := make(chan model.SystemExited, 1)
	_, err := nc.Subscribe(outcome.System.ExitSubject, func(msg *nats.Msg) {
		var exited model.SystemExited
		require.NoError(t, json.Unmarshal(msg.Data, &exited))
		exits <- exited
	})
	require.NoError(t, err)

	cmd := model.ShutdownCommand{SystemID: 9, Reason: "stop requested"}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(outcome.System.ControlSubject, data))

	select {
	case exited := <-exits:
		assert.Equal(t, int64(9), exited.SystemID)
		assert.Equal(t, "w1", exited.Worker.ID)
		assert.Equal(t, 4, exited.Slots)
		assert.Equal(t, 137, exited.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("exit notification never arrived")
	}

	// Slots freed: the same amount fits again immediately.
	require.True(t, testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(l.RunningSystems()) == 0
	}))

	sendDirective(t, nc, 10, 8, replyTo)
	outcome = waitOutcome(t, outcomes)
	assert.Equal(t, model.LaunchStatusSuccess, outcome.Status)
}

func TestBuildJvmArgs(t *testing.T) {
	directive := model.LaunchDirective{
		SystemID: 3,
		Resource: model.ResourceAllocation{Slots: 2},
		Config: model.ExecutorSystemJvmConfig{
			ClassPath:    []string{"/opt/app/lib/a.jar", "/opt/app/lib/b.jar"},
			JvmArguments: []string{"-Xmx2g", "-XX:+UseG1GC"},
		},
	}

	args := buildJvmArgs(directive, "io.streamfleet.executor.ExecutorSystemMain")
	assert.Equal(t, []string{
		"-Xmx2g", "-XX:+UseG1GC",
		"-cp", "/opt/app/lib/a.jar:/opt/app/lib/b.jar",
		"io.streamfleet.executor.ExecutorSystemMain",
		"-systemid", "3",
		"-slots", "2",
	}, args)
}
