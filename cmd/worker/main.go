package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/launcher"
	"github.com/streamfleet/execsched/internal/model"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("worker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("worker.total_slots", 8)
	viper.SetDefault("worker.launch_timeout", 30*time.Second)
	viper.SetDefault("worker.heartbeat_interval", 5*time.Second)
	viper.SetDefault("worker.runtime", "process")
	viper.SetDefault("worker.java_command", "java")
	viper.SetDefault("logs.dir", "./logs/systems")
	viper.SetDefault("logs.max_file_size", int64(100*1024*1024))
	viper.SetDefault("logs.max_age", 7*24*time.Hour)
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	workerID := viper.GetString("worker.id")
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			logger.Fatal("Failed to determine worker id", zap.Error(err))
		}
		workerID = hostname
	}

	opts := []nats.Option{
		nats.Name("execsched-worker-" + workerID),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DrainTimeout(30 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(viper.GetString("nats.url"), opts...)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs, err := launcher.NewLogManager(launcher.LogConfig{
		LogDir:      viper.GetString("logs.dir"),
		MaxFileSize: viper.GetInt64("logs.max_file_size"),
		MaxAge:      viper.GetDuration("logs.max_age"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create log manager", zap.Error(err))
	}
	if err := logs.Start(ctx); err != nil {
		logger.Fatal("Failed to start log manager", zap.Error(err))
	}
	defer logs.Stop()

	var runtime launcher.Runtime
	switch viper.GetString("worker.runtime") {
	case "container":
		runtime, err = launcher.NewContainerRuntime(
			viper.GetString("worker.container_image"),
			viper.GetString("worker.main_class"),
			logs, logger)
		if err != nil {
			logger.Fatal("Failed to create container runtime", zap.Error(err))
		}
	default:
		runtime = launcher.NewProcessRuntime(
			viper.GetString("worker.java_command"),
			viper.GetString("worker.main_class"),
			logs, logger)
	}

	daemon := launcher.NewLauncher(nc, launcher.Config{
		Worker: model.WorkerInfo{
			ID:   workerID,
			Host: viper.GetString("worker.host"),
		},
		TotalSlots:        viper.GetInt("worker.total_slots"),
		LaunchTimeout:     viper.GetDuration("worker.launch_timeout"),
		HeartbeatInterval: viper.GetDuration("worker.heartbeat_interval"),
	}, runtime, logs, logger)

	if err := daemon.Start(ctx); err != nil {
		logger.Fatal("Failed to start launcher", zap.Error(err))
	}
	defer daemon.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	running := daemon.RunningSystems()
	if len(running) > 0 {
		logger.Info("Shutting down with systems still running",
			zap.Int("count", len(running)))
	}
}
