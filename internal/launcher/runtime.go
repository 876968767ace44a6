package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// Process is one running executor system as seen by the launcher.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Kill terminates the process.
	Kill() error
}

// Runtime launches executor systems. The launcher is agnostic to whether a
// system runs as a bare JVM process or inside a container.
type Runtime interface {
	Launch(ctx context.Context, directive model.LaunchDirective) (Process, error)
}

// ProcessRuntime launches executor systems as JVM processes on the worker
// host. The JVM configuration is forwarded opaquely from the directive.
type ProcessRuntime struct {
	logger *zap.Logger
	logs   *LogManager

	// JavaCommand defaults to "java"; MainClass is the executor system
	// entry point baked into the worker's deployment.
	JavaCommand string
	MainClass   string
}

// NewProcessRuntime creates a process-based runtime. logs may be nil.
func NewProcessRuntime(javaCommand, mainClass string, logs *LogManager, logger *zap.Logger) *ProcessRuntime {
	if javaCommand == "" {
		javaCommand = "java"
	}
	return &ProcessRuntime{
		logger:      logger.Named("process-runtime"),
		logs:        logs,
		JavaCommand: javaCommand,
		MainClass:   mainClass,
	}
}

// Launch implements Runtime.
func (r *ProcessRuntime) Launch(ctx context.Context, directive model.LaunchDirective) (Process, error) {
	args := buildJvmArgs(directive, r.MainClass)

	cmd := exec.Command(r.JavaCommand, args...)
	if r.logs != nil {
		w := r.logs.SystemWriter(directive.SystemID)
		cmd.Stdout = w
		cmd.Stderr = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor system process: %w", err)
	}

	r.logger.Info("Executor system process started",
		zap.Int64("system_id", directive.SystemID),
		zap.Int("pid", cmd.Process.Pid))

	return &osProcess{cmd: cmd}, nil
}

func buildJvmArgs(directive model.LaunchDirective, mainClass string) []string {
	args := make([]string, 0, len(directive.Config.JvmArguments)+8)
	args = append(args, directive.Config.JvmArguments...)
	if len(directive.Config.ClassPath) > 0 {
		args = append(args, "-cp", strings.Join(directive.Config.ClassPath, ":"))
	}
	if mainClass != "" {
		args = append(args, mainClass)
	}
	args = append(args,
		"-systemid", strconv.FormatInt(directive.SystemID, 10),
		"-slots", strconv.Itoa(directive.Resource.Slots),
	)
	return args
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
