package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// LogConfig defines configuration for executor system log management.
type LogConfig struct {
	LogDir      string        // Directory to store log files
	MaxFileSize int64         // Maximum size of a log file in bytes
	MaxAge      time.Duration // Maximum age of log files
}

// LogManager captures the stdout/stderr of launched executor systems into
// per-system log files and enforces size/age retention.
type LogManager struct {
	logger *zap.Logger
	config LogConfig
	mu     sync.Mutex
	files  map[int64]*os.File
	stop   chan struct{}
}

// NewLogManager creates a log manager rooted at config.LogDir.
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &LogManager{
		logger: logger.Named("log-manager"),
		config: config,
		files:  make(map[int64]*os.File),
		stop:   make(chan struct{}),
	}, nil
}

// Start starts the retention loop.
func (lm *LogManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting log manager",
		zap.String("log_dir", lm.config.LogDir))

	go lm.rotateLoop(ctx)
	return nil
}

// Stop closes all open log files.
func (lm *LogManager) Stop() {
	lm.logger.Info("Stopping log manager")

	select {
	case <-lm.stop:
	default:
		close(lm.stop)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, file := range lm.files {
		file.Close()
	}
}

// SystemWriter returns a writer capturing one system's output. The writer is
// safe for use from the process's own output goroutines.
func (lm *LogManager) SystemWriter(systemID int64) io.Writer {
	return &systemWriter{lm: lm, systemID: systemID}
}

// CollectContainerLogs follows a container's combined output into the
// system's log file.
func (lm *LogManager) CollectContainerLogs(ctx context.Context, docker *client.Client, containerID string, systemID int64) error {
	reader, err := docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to get container logs: %w", err)
	}

	go func() {
		defer reader.Close()
		w := lm.SystemWriter(systemID)
		scanner := newDockerLogScanner(reader)
		for scanner.Scan() {
			fmt.Fprintln(w, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			lm.logger.Error("Failed to read container logs",
				zap.Int64("system_id", systemID),
				zap.Error(err))
		}
	}()

	return nil
}

// ReadLogs returns the current contents of one system's log file.
func (lm *LogManager) ReadLogs(systemID int64) ([]byte, error) {
	data, err := os.ReadFile(lm.logPath(systemID))
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return data, nil
}

// CloseSystem closes the log file of a system that has exited.
func (lm *LogManager) CloseSystem(systemID int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if file, ok := lm.files[systemID]; ok {
		file.Close()
		delete(lm.files, systemID)
	}
}

func (lm *LogManager) logPath(systemID int64) string {
	return filepath.Join(lm.config.LogDir, fmt.Sprintf("system-%d.log", systemID))
}

func (lm *LogManager) write(systemID int64, p []byte) (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	file, ok := lm.files[systemID]
	if !ok {
		var err error
		file, err = os.OpenFile(lm.logPath(systemID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to create log file: %w", err)
		}
		lm.files[systemID] = file
	}

	return file.Write(p)
}

type systemWriter struct {
	lm       *LogManager
	systemID int64
}

func (w *systemWriter) Write(p []byte) (int, error) {
	return w.lm.write(w.systemID, p)
}

// rotateLoop periodically enforces size and age limits on log files.
func (lm *LogManager) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.rotateLogs()
		}
	}
}

func (lm *LogManager) rotateLogs() {
	now := time.Now()

	err := filepath.Walk(lm.config.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if lm.config.MaxAge > 0 && now.Sub(info.ModTime()) > lm.config.MaxAge {
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}

		if lm.config.MaxFileSize > 0 && info.Size() > lm.config.MaxFileSize {
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file",
					zap.String("path", path),
					zap.Error(err))
			}
		}

		return nil
	})

	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}
}

// dockerLogScanner splits the Docker multiplexed log stream into lines.
type dockerLogScanner struct {
	reader io.Reader
	buffer []byte
	err    error
}

func newDockerLogScanner(reader io.Reader) *dockerLogScanner {
	return &dockerLogScanner{
		reader: reader,
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances to the next log frame.
func (s *dockerLogScanner) Scan() bool {
	// Frame header: [8]byte{STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4}
	header := make([]byte, 8)
	if _, err := io.ReadFull(s.reader, header); err != nil {
		s.err = err
		return false
	}

	// The frame size is a big-endian uint32.
	size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		s.err = err
		return false
	}

	return true
}

func (s *dockerLogScanner) Text() string {
	return string(s.buffer)
}

func (s *dockerLogScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
