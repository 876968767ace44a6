package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// ErrInsufficientSlots rejects a launch directive that exceeds the worker's
// remaining capacity
var ErrInsufficientSlots = errors.New("insufficient slots on worker")

// Config defines one worker daemon.
type Config struct {
	Worker            model.WorkerInfo
	TotalSlots        int
	LaunchTimeout     time.Duration
	HeartbeatInterval time.Duration
}

// Launcher is the per-worker launching daemon. It accepts launch directives,
// enforces the worker's slot capacity, starts executor systems through a
// Runtime, and reports exactly one outcome per attempt to the directive's
// reply subject. Each running system gets a control subject for shutdown and
// publishes its exit subject when the underlying process dies.
type Launcher struct {
	logger  *zap.Logger
	conn    *nats.Conn
	config  Config
	runtime Runtime
	logs    *LogManager

	mu        sync.Mutex
	usedSlots int
	systems   map[int64]*runningSystem

	subs []*nats.Subscription
	stop chan struct{}
}

type runningSystem struct {
	system  model.ExecutorSystem
	process Process
	control *nats.Subscription
}

// NewLauncher creates a worker daemon. logs may be nil.
func NewLauncher(conn *nats.Conn, config Config, runtime Runtime, logs *LogManager, logger *zap.Logger) *Launcher {
	if config.LaunchTimeout <= 0 {
		config.LaunchTimeout = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	return &Launcher{
		logger:  logger.Named("launcher").With(zap.String("worker_id", config.Worker.ID)),
		conn:    conn,
		config:  config,
		runtime: runtime,
		logs:    logs,
		systems: make(map[int64]*runningSystem),
		stop:    make(chan struct{}),
	}
}

// Start subscribes the worker's launch subject and starts heartbeating.
func (l *Launcher) Start(ctx context.Context) error {
	l.logger.Info("Starting launcher",
		zap.Int("total_slots", l.config.TotalSlots))

	sub, err := l.conn.Subscribe(model.WorkerLaunchSubject(l.config.Worker.ID), func(msg *nats.Msg) {
		var directive model.LaunchDirective
		if err := json.Unmarshal(msg.Data, &directive); err != nil {
			l.logger.Error("Failed to unmarshal launch directive", zap.Error(err))
			return
		}
		go l.handleDirective(directive)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to launch subject: %w", err)
	}
	l.subs = append(l.subs, sub)

	go l.heartbeatLoop(ctx)
	return nil
}

// Stop kills all running systems and stops the daemon.
func (l *Launcher) Stop() {
	l.logger.Info("Stopping launcher")

	select {
	case <-l.stop:
		return
	default:
		close(l.stop)
	}

	for _, sub := range l.subs {
		sub.Unsubscribe()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rs := range l.systems {
		if err := rs.process.Kill(); err != nil {
			l.logger.Error("Failed to kill executor system",
				zap.Int64("system_id", id),
				zap.Error(err))
		}
	}
}

// RunningSystems returns the ids of systems currently hosted on this worker.
func (l *Launcher) RunningSystems() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int64, 0, len(l.systems))
	for id := range l.systems {
		ids = append(ids, id)
	}
	return ids
}

// handleDirective performs one launch attempt. Every path reports exactly
// one outcome to the directive's reply subject.
func (l *Launcher) handleDirective(directive model.LaunchDirective) {
	slots := directive.Resource.Slots

	if err := l.reserveSlots(slots); err != nil {
		l.logger.Warn("Launch rejected",
			zap.Int64("system_id", directive.SystemID),
			zap.Int("slots", slots),
			zap.Error(err))
		l.reportOutcome(directive, model.LaunchOutcome{
			Status:   model.LaunchStatusRejected,
			SystemID: directive.SystemID,
			Resource: &directive.Resource,
			Reason:   err.Error(),
			Session:  directive.Session,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.config.LaunchTimeout)
	defer cancel()

	process, err := l.runtime.Launch(ctx, directive)
	if err != nil {
		l.releaseSlots(slots)

		outcome := model.LaunchOutcome{
			SystemID: directive.SystemID,
			Resource: &directive.Resource,
			Session:  directive.Session,
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			outcome.Status = model.LaunchStatusTimeout
			l.logger.Error("Launch timed out",
				zap.Int64("system_id", directive.SystemID))
		} else {
			outcome.Status = model.LaunchStatusRejected
			outcome.Reason = err.Error()
			l.logger.Error("Launch failed",
				zap.Int64("system_id", directive.SystemID),
				zap.Error(err))
		}
		l.reportOutcome(directive, outcome)
		return
	}

	system := model.ExecutorSystem{
		SystemID:       directive.SystemID,
		Worker:         l.config.Worker,
		Slots:          slots,
		ControlSubject: model.SystemControlSubject(directive.SystemID),
		ExitSubject:    model.SystemExitSubject(directive.SystemID),
	}

	rs := &runningSystem{system: system, process: process}

	control, err := l.conn.Subscribe(system.ControlSubject, func(msg *nats.Msg) {
		var cmd model.ShutdownCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			l.logger.Error("Failed to unmarshal shutdown command", zap.Error(err))
			return
		}
		l.logger.Info("Shutting down executor system",
			zap.Int64("system_id", system.SystemID),
			zap.String("reason", cmd.Reason))
		if err := process.Kill(); err != nil {
			l.logger.Error("Failed to kill executor system",
				zap.Int64("system_id", system.SystemID),
				zap.Error(err))
		}
	})
	if err != nil {
		l.logger.Error("Failed to subscribe control subject",
			zap.Int64("system_id", system.SystemID),
			zap.Error(err))
	}
	rs.control = control

	l.mu.Lock()
	l.systems[system.SystemID] = rs
	l.mu.Unlock()

	go l.watchExit(rs)

	l.reportOutcome(directive, model.LaunchOutcome{
		Status:   model.LaunchStatusSuccess,
		SystemID: system.SystemID,
		System:   &system,
		Session:  directive.Session,
	})
}

// watchExit waits for the system's process to die, then publishes the exit
// notification and releases the system's slots.
func (l *Launcher) watchExit(rs *runningSystem) {
	exitCode, err := rs.process.Wait()

	l.mu.Lock()
	delete(l.systems, rs.system.SystemID)
	l.usedSlots -= rs.system.Slots
	l.mu.Unlock()

	if rs.control != nil {
		rs.control.Unsubscribe()
	}
	if l.logs != nil {
		l.logs.CloseSystem(rs.system.SystemID)
	}

	exited := model.SystemExited{
		SystemID: rs.system.SystemID,
		Worker:   rs.system.Worker,
		Slots:    rs.system.Slots,
		ExitCode: exitCode,
	}
	if err != nil {
		exited.Error = err.Error()
	}

	data, merr := json.Marshal(exited)
	if merr != nil {
		l.logger.Error("Failed to marshal exit notification", zap.Error(merr))
		return
	}
	if perr := l.conn.Publish(rs.system.ExitSubject, data); perr != nil {
		l.logger.Error("Failed to publish exit notification",
			zap.Int64("system_id", rs.system.SystemID),
			zap.Error(perr))
	}

	l.logger.Info("Executor system exited",
		zap.Int64("system_id", rs.system.SystemID),
		zap.Int("exit_code", exitCode))
}

func (l *Launcher) reserveSlots(slots int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.usedSlots+slots > l.config.TotalSlots {
		return fmt.Errorf("%w: %d requested, %d free",
			ErrInsufficientSlots, slots, l.config.TotalSlots-l.usedSlots)
	}
	l.usedSlots += slots
	return nil
}

func (l *Launcher) releaseSlots(slots int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usedSlots -= slots
}

func (l *Launcher) reportOutcome(directive model.LaunchDirective, outcome model.LaunchOutcome) {
	data, err := json.Marshal(outcome)
	if err != nil {
		l.logger.Error("Failed to marshal launch outcome", zap.Error(err))
		return
	}
	if err := l.conn.Publish(directive.ReplyTo, data); err != nil {
		l.logger.Error("Failed to publish launch outcome",
			zap.Int64("system_id", directive.SystemID),
			zap.Error(err))
	}
}

// heartbeatLoop publishes this worker's load figures so the master's
// registry can place new systems.
func (l *Launcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.publishHeartbeat()
		}
	}
}

func (l *Launcher) publishHeartbeat() {
	stats := model.WorkerStats{
		TotalSlots:  l.config.TotalSlots,
		CollectedAt: time.Now(),
	}

	l.mu.Lock()
	stats.UsedSlots = l.usedSlots
	stats.SystemCount = len(l.systems)
	l.mu.Unlock()

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		l.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		l.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	heartbeat := model.WorkerHeartbeat{
		Worker:    l.config.Worker,
		Stats:     stats,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		l.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}
	if err := l.conn.Publish(model.WorkerHeartbeatSubject, data); err != nil {
		l.logger.Error("Failed to publish heartbeat", zap.Error(err))
	}
}
