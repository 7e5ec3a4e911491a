package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nevindra/relay/internal/agent"
	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/discord"
	"github.com/nevindra/relay/internal/dm"
	"github.com/nevindra/relay/internal/observe"
	"github.com/nevindra/relay/internal/outbound"
	"github.com/nevindra/relay/internal/reconcile"
	"github.com/nevindra/relay/internal/sandbox"
	"github.com/nevindra/relay/internal/schedule"
	"github.com/nevindra/relay/internal/worker"
)

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	settingsPath := fs.String("settings", "settings.json", "path to the settings file")
	dataDir := fs.String("data-dir", config.DataDir, "root of persisted state")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observe.Metrics
	if settings.Metrics {
		var shutdown func(context.Context) error
		metrics, shutdown, err = observe.Init(ctx)
		if err != nil {
			return fmt.Errorf("metrics init: %w", err)
		}
		defer shutdown(context.Background())
		logger.Info("daemon: metrics enabled")
	}

	store, err := bus.Open(config.EventStorePath(*dataDir), bus.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	gateway, err := buildGateway(settings, *dataDir, logger)
	if err != nil {
		return err
	}
	gateway.Start(ctx)

	sup := discord.NewSupervisor(env.BotToken, settings, discord.WithSupervisorLogger(logger))
	ticker := reconcile.NewTicker(store, reconcile.WithLogger(logger), reconcile.WithMetrics(metrics))
	sup.OnReady(func() {
		metrics.Reconnect(ctx)
		ticker.TriggerRecovery(ctx)
	})

	ingest := dm.NewIngest(store, env.AllowedUsers, logger, metrics)
	if err := sup.Start(ctx, ingest.HandleMessage); err != nil {
		return fmt.Errorf("gateway login: %w", err)
	}
	defer sup.Stop()

	client := discord.NewSessionClient(sup)
	notifyUser := env.AllowedUsers[0]

	w := worker.New(store, sup, worker.WithLogger(logger), worker.WithMetrics(metrics))
	w.Register(bus.EventDMIncoming, dm.NewHandler(store, client, gateway, *dataDir,
		dm.WithLogger(logger), dm.WithMetrics(metrics)))
	w.Register(bus.EventOutboundDMRequest, outbound.NewSender(client,
		outbound.WithLogger(logger), outbound.WithFallbackMessage(settings.FallbackMessage)))
	w.Register(bus.EventSchedulerTriggered, schedule.NewRunner(store, gateway, *settingsPath, *dataDir, notifyUser,
		schedule.WithRunnerLogger(logger), schedule.WithRunnerMetrics(metrics)))
	w.Register(bus.EventDMReconcileRun, reconcile.NewRepairer(store, logger))
	w.Register(bus.EventDMRecoverRun, reconcile.NewRecoverer(store, client, env.AllowedUsers, logger))

	cronRunner, err := schedule.NewScheduler(store, settings.Schedules,
		schedule.WithSchedulerLogger(logger), schedule.WithSchedulerMetrics(metrics))
	if err != nil {
		return err
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	go ticker.Run(ctx)
	go w.Run(ctx)

	logger.Info("daemon: running", "allowed_users", len(env.AllowedUsers),
		"schedules", len(settings.Schedules), "sandbox", settings.SandboxEnabled())
	<-ctx.Done()
	logger.Info("daemon: shutting down")
	return nil
}

// buildGateway assembles the agent gateway on the sandbox or, when
// disabled, directly on the host.
func buildGateway(settings config.Settings, dataDir string, logger *slog.Logger) (*agent.Gateway, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var backend agent.Backend
	if settings.SandboxEnabled() {
		manager, err := sandbox.New(workspace, config.SandboxIDFilePath(dataDir),
			sandbox.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		backend = agent.NewSandboxBackend(manager)
	} else {
		backend = agent.NewHostBackend(workspace)
	}
	return agent.NewGateway(backend, settings, dataDir, agent.WithLogger(logger)), nil
}
