// Package main implements amppctl, a command line client for the AMPP
// platform notification fabric. It authenticates with the platform,
// connects the SignalR push channel, optionally starts a polled mailbox
// fallback and a NATS bridge, and streams control notifications until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axm06051/AmppControlSdk-0.9.32/amppcontrol"
	"github.com/axm06051/AmppControlSdk-0.9.32/auth"
	"github.com/axm06051/AmppControlSdk-0.9.32/bridge"
	"github.com/axm06051/AmppControlSdk-0.9.32/config"
	"github.com/axm06051/AmppControlSdk-0.9.32/correlation"
	"github.com/axm06051/AmppControlSdk-0.9.32/mailbox"
	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
	"github.com/axm06051/AmppControlSdk-0.9.32/pushchannel"
	"github.com/axm06051/AmppControlSdk-0.9.32/renewal"
)

// Build information constants
const (
	Version   = "0.9.32"
	BuildTime = "dev"
	appName   = "amppctl"
)

const pingTimeout = 10 * time.Second

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger := setupLogger(effectiveLog(cliCfg, cfg))
	slog.SetDefault(logger)

	slog.Info("Starting amppctl",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"platform_url", cfg.Platform.URL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runClient(ctx, cliCfg, cfg, logger)
}

// effectiveLog resolves log settings: CLI flags win over the config file.
func effectiveLog(cliCfg *CLIConfig, cfg *config.Config) (string, string) {
	level := cfg.Log.Level
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	format := cfg.Log.Format
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	return level, format
}

// runClient wires the SDK stack together and blocks until ctx is cancelled.
func runClient(ctx context.Context, cliCfg *CLIConfig, cfg *config.Config, logger *slog.Logger) error {
	apiKey, err := cfg.Platform.APIKey()
	if err != nil {
		return err
	}

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	session, err := auth.NewSession(cfg.Platform.URL, apiKey,
		auth.WithScopes(cfg.Platform.Scopes...),
		auth.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := session.Login(ctx); err != nil {
		return fmt.Errorf("platform login: %w", err)
	}
	defer session.Close()

	rest, err := platform.NewClient(session, platform.WithLogger(logger))
	if err != nil {
		return err
	}

	corr := correlation.NewRegistry(
		correlation.WithLogger(logger),
		correlation.WithMetrics(metrics))
	registry := notification.NewRegistry()
	router := notification.NewRouter(registry,
		notification.WithResolver(corr),
		notification.WithLogger(logger),
		notification.WithMetrics(metrics))

	renewer := renewal.NewRenewer(
		renewal.WithInterval(cfg.Renewal.Interval),
		renewal.WithLogger(logger),
		renewal.WithMetrics(metrics))

	channel, err := pushchannel.NewChannel(session,
		pushchannel.WithDispatcher(router),
		pushchannel.WithSource(cfg.Push.Source),
		pushchannel.WithPublishTTL(cfg.Push.PublishTTLMs),
		pushchannel.WithReconnectWait(cfg.Push.ReconnectWait, cfg.Push.MaxReconnectWait),
		pushchannel.WithOnReconnected(renewer.RunNow),
		pushchannel.WithLogger(logger),
		pushchannel.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	defer func() { _ = channel.Close() }()

	control, err := amppcontrol.NewClient(rest, channel, corr,
		amppcontrol.WithLogger(logger))
	if err != nil {
		return err
	}

	if cliCfg.Workload != "" {
		if err := watchWorkload(ctx, control, registry, cliCfg.Workload); err != nil {
			return err
		}
	}

	if cfg.Mailbox.Enabled {
		box, err := startMailbox(ctx, cfg, rest, router, metrics, logger, cliCfg.Workload)
		if err != nil {
			return err
		}
		if box != nil {
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
				defer stopCancel()
				box.Stop(stopCtx)
			}()
		}
	}

	if cfg.Bridge.Enabled {
		fwd, err := startBridge(ctx, cfg, registry, logger)
		if err != nil {
			return err
		}
		defer func() { _ = fwd.Close() }()
	}

	renewer.Start()
	defer renewer.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		slog.Info("Serving metrics", "address", server.Address())
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("amppctl running; press Ctrl+C to stop")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout)
	return nil
}

// watchWorkload subscribes to a workload's control traffic, logs every
// notify and status message, and pings the workload once to prove the
// correlation path end to end.
func watchWorkload(ctx context.Context, control *amppcontrol.Client, registry *notification.Registry, workload string) error {
	if err := control.SubscribeWorkload(ctx, workload); err != nil {
		return fmt.Errorf("subscribe workload %s: %w", workload, err)
	}

	amppcontrol.OnNotify(registry, func(ev amppcontrol.NotifyEvent) {
		slog.Info("Control notify",
			"workload", ev.Workload,
			"command", ev.Command,
			"key", ev.Key,
			"payload", string(ev.Payload))
	})
	amppcontrol.OnStatus(registry, func(ev amppcontrol.StatusEvent) {
		slog.Info("Control status",
			"workload", ev.Workload,
			"command", ev.Command,
			"status", ev.Status,
			"error", ev.Error)
	})

	alive, err := control.Ping(ctx, workload, pingTimeout)
	if err != nil {
		return fmt.Errorf("ping workload %s: %w", workload, err)
	}
	slog.Info("Workload ping", "workload", workload, "alive", alive)
	return nil
}

// startMailbox starts the polled fallback channel, subscribed to the same
// workload traffic as the push channel when a workload is given.
func startMailbox(ctx context.Context, cfg *config.Config, rest *platform.Client,
	router *notification.Router, metrics *metric.Metrics, logger *slog.Logger, workload string) (*mailbox.Mailbox, error) {

	if workload == "" {
		slog.Warn("Mailbox enabled but no workload given; skipping fallback channel")
		return nil, nil
	}

	box, err := mailbox.NewMailbox(rest,
		mailbox.WithDispatcher(router),
		mailbox.WithIDPrefix(cfg.Mailbox.IDPrefix),
		mailbox.WithTTL(cfg.Mailbox.TTL),
		mailbox.WithLogger(logger),
		mailbox.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	topic := fmt.Sprintf("gv.ampp.control.%s.*.*", workload)
	if err := box.Subscribe(ctx, topic); err != nil {
		return nil, fmt.Errorf("mailbox subscribe %s: %w", topic, err)
	}
	if err := box.Start(); err != nil {
		return nil, err
	}
	slog.Info("Mailbox fallback polling", "mailbox_id", box.ID(), "topic", topic)
	return box, nil
}

// startBridge connects the NATS forwarder and binds it to every
// notification family.
func startBridge(ctx context.Context, cfg *config.Config, registry *notification.Registry,
	logger *slog.Logger) (*bridge.Bridge, error) {

	opts := []bridge.Option{
		bridge.WithSubjectPrefix(cfg.Bridge.SubjectPrefix),
		bridge.WithName(appName),
		bridge.WithLogger(logger),
	}
	if cfg.Bridge.Stream != "" {
		opts = append(opts, bridge.WithJetStream(cfg.Bridge.Stream))
	}

	fwd, err := bridge.NewBridge(cfg.Bridge.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := fwd.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect bridge: %w", err)
	}
	fwd.Bind(registry)
	slog.Info("Forwarding notifications to NATS",
		"url", cfg.Bridge.URL,
		"subject_prefix", cfg.Bridge.SubjectPrefix,
		"jetstream", cfg.Bridge.Stream != "")
	return fwd, nil
}
