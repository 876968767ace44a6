package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/events"
	"github.com/streamfleet/execsched/internal/master"
	"github.com/streamfleet/execsched/internal/model"
	"github.com/streamfleet/execsched/internal/monitor"
	"github.com/streamfleet/execsched/internal/scheduler"
	"github.com/streamfleet/execsched/internal/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("scheduler")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("app.id", "default")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("scheduler.allocation_timeout", scheduler.DefaultAllocationTimeout)
	viper.SetDefault("registry.liveness_window", 15*time.Second)
	viper.SetDefault("history.path", "launch_history.db")
	viper.SetDefault("history.retention_days", 30)
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	opts := []nats.Option{
		nats.Name("execsched-scheduler"),
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

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	eventPublisher, err := events.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}

	history, err := storage.NewSQLiteLaunchHistory(logger, viper.GetString("history.path"))
	if err != nil {
		logger.Fatal("Failed to open launch history", zap.Error(err))
	}
	defer history.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := monitor.NewWorkerRegistry(nc, viper.GetDuration("registry.liveness_window"), eventPublisher, logger)
	if err := registry.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker registry", zap.Error(err))
	}
	defer registry.Stop()

	allocator := master.NewAllocator(nc, registry, &master.LeastLoadStrategy{}, logger)
	if err := allocator.Start(ctx); err != nil {
		logger.Fatal("Failed to start allocator", zap.Error(err))
	}
	defer allocator.Stop()

	sched := scheduler.NewExecutorSystemScheduler(nc, scheduler.Config{
		AppID:             viper.GetString("app.id"),
		AllocationTimeout: viper.GetDuration("scheduler.allocation_timeout"),
	}, history, eventPublisher, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	alerts := monitor.NewAlertManager(eventPublisher, logger)
	defaultRules := []*model.AlertRule{
		{Name: "session-timeout", Event: model.EventSessionTimeout, Severity: model.AlertSeverityError},
		{Name: "worker-unhealthy", Event: model.EventWorkerUnhealthy, Severity: model.AlertSeverityWarning},
		{Name: "repeated-rejections", Event: model.EventLaunchRejected, Threshold: 3, Window: time.Minute, Severity: model.AlertSeverityWarning},
	}
	for _, rule := range defaultRules {
		if err := alerts.AddRule(rule); err != nil {
			logger.Error("Failed to add alert rule", zap.String("rule", rule.Name), zap.Error(err))
		}
	}
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	defer alerts.Stop()

	// Maintenance jobs
	c := cron.New()
	retention := viper.GetInt("history.retention_days")
	if _, err := c.AddFunc("@daily", func() {
		cutoff := time.Now().AddDate(0, 0, -retention)
		if err := history.DeleteBefore(context.Background(), cutoff); err != nil {
			logger.Error("Failed to clean up launch history", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Failed to schedule history cleanup", zap.Error(err))
	}
	if _, err := c.AddFunc("@every 1m", func() {
		healthy := registry.Healthy()
		logger.Info("Cluster snapshot", zap.Int("healthy_workers", len(healthy)))
	}); err != nil {
		logger.Fatal("Failed to schedule cluster snapshot", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
}
