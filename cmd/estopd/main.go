// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetsafe/estopd/internal/api"
	"github.com/fleetsafe/estopd/internal/broadcast"
	"github.com/fleetsafe/estopd/internal/config"
	"github.com/fleetsafe/estopd/internal/daemon"
	"github.com/fleetsafe/estopd/internal/estop"
	"github.com/fleetsafe/estopd/internal/health"
	"github.com/fleetsafe/estopd/internal/journal"
	xlog "github.com/fleetsafe/estopd/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "estopd",
		Version: version,
	})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := xlog.WithComponent("main")

	// Broadcast transports: every configured channel gets the stop
	// command; with nothing configured the command is logged only.
	var transports []broadcast.Transport
	var closers []func() error

	if cfg.RedisAddr != "" {
		rt, err := broadcast.NewRedisTransport(broadcast.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Topic:    cfg.BroadcastTopic,
		}, xlog.WithComponent("broadcast.redis"))
		if err != nil {
			return fmt.Errorf("redis transport: %w", err)
		}
		transports = append(transports, rt)
		closers = append(closers, rt.Close)
	}
	if cfg.MQTTBroker != "" {
		mt, err := broadcast.NewMQTTTransport(broadcast.MQTTConfig{
			BrokerURL: cfg.MQTTBroker,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.BroadcastTopic,
		}, xlog.WithComponent("broadcast.mqtt"))
		if err != nil {
			return fmt.Errorf("mqtt transport: %w", err)
		}
		transports = append(transports, mt)
		closers = append(closers, mt.Close)
	}
	if len(transports) == 0 {
		logger.Warn().Msg("no broadcast transport configured, stop commands are logged only")
		transports = append(transports, broadcast.NewLogTransport(xlog.WithComponent("broadcast")))
	}
	transport := broadcast.NewMulti(xlog.WithComponent("broadcast"), transports...)

	controller, err := estop.NewController(estop.Options{
		StopTimeout:       cfg.StopTimeout,
		RecoveryTimeout:   cfg.RecoveryTimeout,
		AutoRecovery:      cfg.AutoRecovery,
		AutoRecoveryGrace: cfg.AutoRecoveryGrace,
		Transport:         transport,
		Logger:            xlog.WithComponent("estop"),
	})
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewEmergencyChecker(controller.IsEmergencyActive))
	for _, t := range transports {
		if probe, ok := t.(interface{ HealthCheck(context.Context) error }); ok {
			healthMgr.RegisterChecker(health.NewCheckFunc("broadcast_"+t.Name(), probe.HealthCheck))
		}
	}

	// Durable episode journal, wired as stop/recovery hooks.
	var store *journal.Store
	if cfg.JournalPath != "" {
		store, err = journal.Open(cfg.JournalPath, xlog.WithComponent("journal"))
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		recorder := journal.NewRecorder(store, xlog.WithComponent("journal"))
		controller.Hooks().RegisterStopHook(recorder)
		controller.Hooks().RegisterRecoveryHook(recorder)
		healthMgr.RegisterChecker(health.NewCheckFunc("journal", store.HealthCheck))
	}

	var snapshots api.SnapshotSink
	if cfg.StateFile != "" {
		snapshots = journal.NewSnapshotWriter(cfg.StateFile)
	}

	feed := estop.NewSignalFeed()
	monitor, err := estop.NewMonitor(estop.MonitorOptions{
		Interval:  cfg.HeartbeatInterval,
		MissLimit: cfg.HeartbeatMissLimit,
		Feed:      feed,
		Stopper:   controller,
		Logger:    xlog.WithComponent("heartbeat"),
	})
	if err != nil {
		return fmt.Errorf("heartbeat monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("heartbeat monitor: %w", err)
	}

	server := api.NewServer(api.Options{
		Controller:   controller,
		Health:       healthMgr,
		Snapshots:    snapshots,
		Heartbeats:   feed,
		RateLimitRPM: cfg.RateLimitRPM,
		Logger:       xlog.WithComponent("api"),
	})

	mgr, err := daemon.NewManager(daemon.Config{
		ListenAddr:      cfg.ListenAddr,
		MetricsAddr:     cfg.MetricsAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, server.Router(), promhttp.Handler(), xlog.WithComponent("daemon"))
	if err != nil {
		return fmt.Errorf("daemon manager: %w", err)
	}

	mgr.RegisterShutdownHook("heartbeat_monitor", monitor.Stop)
	mgr.RegisterShutdownHook("controller", controller.Close)
	if snapshots != nil {
		mgr.RegisterShutdownHook("state_snapshot", func(context.Context) error {
			return snapshots.Write(controller.Snapshot())
		})
	}
	if store != nil {
		mgr.RegisterShutdownHook("journal", func(context.Context) error {
			return store.Close()
		})
	}
	for i, closeFn := range closers {
		name := fmt.Sprintf("transport_%d", i)
		fn := closeFn
		mgr.RegisterShutdownHook(name, func(context.Context) error { return fn() })
	}

	logger.Info().
		Dur("stop_timeout", cfg.StopTimeout).
		Dur("recovery_timeout", cfg.RecoveryTimeout).
		Bool("auto_recovery", cfg.AutoRecovery).
		Str("broadcast_topic", cfg.BroadcastTopic).
		Msg("emergency stop daemon ready")

	start := time.Now()
	err = mgr.Start(ctx)
	logger.Info().Dur("uptime", time.Since(start)).Msg("daemon exited")
	return err
}
