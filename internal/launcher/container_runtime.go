package launcher

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// ContainerRuntime launches executor systems inside Docker containers, for
// deployments that isolate systems from the worker host.
type ContainerRuntime struct {
	logger *zap.Logger
	docker *client.Client
	logs   *LogManager

	// Image is the executor system image; MainClass the entry point inside
	// the container.
	Image     string
	MainClass string
}

// NewContainerRuntime creates a Docker-based runtime. logs may be nil.
func NewContainerRuntime(image, mainClass string, logs *LogManager, logger *zap.Logger) (*ContainerRuntime, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerRuntime{
		logger:    logger.Named("container-runtime"),
		docker:    docker,
		logs:      logs,
		Image:     image,
		MainClass: mainClass,
	}, nil
}

// Launch implements Runtime.
func (r *ContainerRuntime) Launch(ctx context.Context, directive model.LaunchDirective) (Process, error) {
	cmd := append([]string{"java"}, buildJvmArgs(directive, r.MainClass)...)

	created, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image: r.Image,
		Cmd:   cmd,
		User:  directive.Config.Username,
		Labels: map[string]string{
			"execsched.system_id":  fmt.Sprintf("%d", directive.SystemID),
			"execsched.session_id": directive.Session.ID,
		},
	}, nil, nil, nil, fmt.Sprintf("executor-system-%d", directive.SystemID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if r.logs != nil {
		if err := r.logs.CollectContainerLogs(context.Background(), r.docker, created.ID, directive.SystemID); err != nil {
			r.logger.Error("Failed to collect container logs",
				zap.Int64("system_id", directive.SystemID),
				zap.Error(err))
		}
	}

	r.logger.Info("Executor system container started",
		zap.Int64("system_id", directive.SystemID),
		zap.String("container_id", created.ID))

	return &containerProcess{
		docker:      r.docker,
		containerID: created.ID,
	}, nil
}

type containerProcess struct {
	docker      *client.Client
	containerID string
}

func (p *containerProcess) Wait() (int, error) {
	statusCh, errCh := p.docker.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	}
}

func (p *containerProcess) Kill() error {
	return p.docker.ContainerKill(context.Background(), p.containerID, "SIGKILL")
}
