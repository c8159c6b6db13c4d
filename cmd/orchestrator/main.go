// Command orchestrator runs the rulefleet control loop: it drains
// lifecycle requests, manages rulebook process containers and
// reconciles runtime drift.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rulefleet/rulefleet/pkg/config"
	"github.com/rulefleet/rulefleet/pkg/engine"
	"github.com/rulefleet/rulefleet/pkg/engine/kubernetes"
	"github.com/rulefleet/rulefleet/pkg/engine/podman"
	"github.com/rulefleet/rulefleet/pkg/engine/process"
	"github.com/rulefleet/rulefleet/pkg/events"
	"github.com/rulefleet/rulefleet/pkg/manager"
	"github.com/rulefleet/rulefleet/pkg/metrics"
	"github.com/rulefleet/rulefleet/pkg/observability"
	"github.com/rulefleet/rulefleet/pkg/orchestrator"
	"github.com/rulefleet/rulefleet/pkg/queuehealth"
	"github.com/rulefleet/rulefleet/pkg/requests"
	"github.com/rulefleet/rulefleet/pkg/store"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "rulefleet.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	observability.SetupLogging(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewPrometheus("rulefleet")
	obs := observability.NewManager(observability.Config{
		ServiceName:    "rulefleet-orchestrator",
		ServiceVersion: version,
		MetricsPort:    cfg.Observability.MetricsPort,
		Gatherer:       collector.Registry(),
		EnableTracing:  cfg.Observability.EnableTracing,
		TraceExporter:  cfg.Observability.TraceExporter,
	})
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	st, err := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()
	locker := store.NewPostgresLocker(st.Pool())

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	registry := queuehealth.NewRegistry(rdb)
	heartbeatTimeout := 2 * time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second
	selector := queuehealth.NewSelector(registry, st, cfg.Worker.Queues, heartbeatTimeout)

	bus, err := events.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer bus.Close()
	heartbeatSub, err := bus.SubscribeHeartbeats(ctx, st)
	if err != nil {
		return fmt.Errorf("subscribe to heartbeats: %w", err)
	}
	defer heartbeatSub.Unsubscribe()

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	sched := orchestrator.NewScheduler()
	mgr := manager.New(st, eng, selector, sched, bus, collector, manager.Settings{
		WebsocketURL:           cfg.Worker.WebsocketURL,
		WebsocketSSLVerify:     cfg.Worker.WebsocketSSLVerify,
		HeartbeatSeconds:       cfg.Worker.HeartbeatSeconds,
		WorkerLogLevel:         cfg.Worker.LogLevel,
		SkipAuditEvents:        cfg.Worker.SkipAuditEvents,
		LivenessTimeout:        cfg.Worker.LivenessTimeout.Std(),
		RestartDelayOnFailure:  cfg.Worker.RestartDelayOnFailure.Std(),
		RestartDelayOnComplete: cfg.Worker.RestartDelayOnComplete.Std(),
		MaxRunningProcesses:    cfg.Dispatch.MaxRunningProcesses,
		MemLimit:               cfg.Worker.MemLimit,
	})

	orch := orchestrator.New(st, locker, requests.New(st), mgr, sched, collector,
		orchestrator.Options{
			Workers:       cfg.Dispatch.Workers,
			SweepInterval: cfg.Dispatch.SweepInterval.Std(),
			Health:        selector,
		})

	slog.Info("rulefleet orchestrator starting",
		"version", version, "engine", cfg.Engine.Kind,
		"queues", cfg.Worker.Queues)

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch engine.Kind(cfg.Engine.Kind) {
	case engine.KindProcess:
		eng := process.New()
		eng.BinaryPath = cfg.Engine.BinaryPath
		return eng, nil
	case engine.KindPodman:
		return podman.New(cfg.Engine.PodmanSocket, 30*time.Second), nil
	case engine.KindKubernetes:
		return kubernetes.New(cfg.Engine.Namespace)
	default:
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownEngineKind, cfg.Engine.Kind)
	}
}
