// relaygate - man-in-the-middle relay for the game's reliable-UDP protocol.
//
// relaygate answers the client's HTTPS bootstrap with its own address,
// accepts the client's reliable-UDP connection, dials the real backend and
// relays every message in both directions, rewriting a handful of them on
// the way through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate-project/relaygate/internal/api"
	"github.com/relaygate-project/relaygate/internal/cli"
	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/metrics"
	"github.com/relaygate-project/relaygate/internal/network"
	"github.com/relaygate-project/relaygate/internal/relay"
	"github.com/relaygate-project/relaygate/internal/telemetry"
	"github.com/relaygate-project/relaygate/internal/util"
)

const (
	AppName    = "relaygate"
	AppVersion = "1.0.0"
	Banner     = `
            _                       _
  _ __ ___ | | __ _ _   _  __ _  __ _| |_ ___
 | '__/ _ \| |/ _' | | | |/ _' |/ _' | __/ _ \
 | | |  __/| | (_| | |_| | (_| | (_| | ||  __/
 |_|  \___||_|\__,_|\__, |\__, |\__,_|\__\___|
                    |___/ |___/  v%s
 Reliable-UDP game relay
`
	shutdownTimeout = 30 * time.Second
	bindRetries     = 15
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the config file is read.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + AppName)

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:       logging.Level,
		Directory:   logging.Directory,
		MaxBackups:  logging.MaxBackups,
		Console:     logging.Console,
		DumpPackets: logging.DumpPackets,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	resolvePublicHost(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	eventBus := events.NewEventBus()

	relayCfg := cfg.GetRelay()
	inbound, err := network.NewKCPHost(ctx, network.HostConfig{
		Name:          "inbound",
		ListenAddr:    relayCfg.ListenAddr(),
		MaxPeers:      relayCfg.MaxPeers,
		MaxConnPerSec: relayCfg.MaxConnPerSec,
		IdleTimeout:   relayCfg.IdleTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relay listener")
	}
	outbound, err := network.NewKCPHost(ctx, network.HostConfig{
		Name:        "outbound",
		MaxPeers:    relayCfg.MaxPeers,
		IdleTimeout: relayCfg.IdleTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create backend dialer")
	}

	upstream := cfg.GetUpstream()
	lookup := connector.NewLookupClient(upstream, m)

	rewrite := cfg.GetRewrite()
	handoff := cfg.GetHandoff()
	engine := relay.NewEngine(relay.Config{
		PublicHost:       relayCfg.PublicHost,
		ListenPort:       relayCfg.ListenPort,
		Country:          rewrite.Country,
		ConsolePrefix:    rewrite.ConsolePrefix,
		PendingQueueSize: relayCfg.PendingQueueSize,
		LookupTimeout:    upstream.Timeout(),
		HandoffTTL:       handoff.TTL(),
		SweepInterval:    handoff.SweepInterval(),
		DumpPackets:      logging.DumpPackets,
	}, inbound, outbound, lookup, eventBus, m)

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", relayCfg.ListenAddr()).Msg("starting relay engine")
		if err := engine.Run(gctx); err != nil {
			return fmt.Errorf("relay engine: %w", err)
		}
		return nil
	})

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, engine, lookup, m, AppVersion)
		g.Go(func() error {
			log.Info().Str("addr", cfg.GetAPI().ListenAddr()).Msg("starting bootstrap API server")
			if err := startWithRetry(gctx, "API server", apiServer.Start, bindRetries); err != nil && gctx.Err() == nil {
				// Clients that already know the relay address can still connect.
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Msg("starting interactive CLI")
		cli.NewCLI(cfg, eventBus, engine, cancel, os.Stdin, os.Stdout).Start(gctx)
		return nil
	})

	g.Go(func() error {
		return stopSignalHandler(gctx, cancel, eventBus)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("critical error, relaygate terminated")
		}
	case <-gctx.Done():
		log.Info().Msg("initiating graceful shutdown...")
		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("critical error, relaygate terminated")
			} else {
				log.Info().Msg("all tasks stopped gracefully")
			}
		case <-time.After(shutdownTimeout):
			log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
		}
	}

	if err := inbound.Close(); err != nil {
		log.Debug().Err(err).Msg("closing relay listener")
	}
	if err := outbound.Close(); err != nil {
		log.Debug().Err(err).Msg("closing backend dialer")
	}

	// Stop the event bus last so shutdown events still reach subscribers.
	eventBus.Stop()

	log.Info().Msg("relaygate stopped")
}

// stopSignalHandler cancels the root context on SIGINT or SIGTERM.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, eventBus *events.EventBus) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		eventBus.Emit(context.Background(), events.Event{
			Type:   events.EventShutdown,
			Source: "main",
		})
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// startWithRetry runs startFn, retrying on failure at a fixed interval.
// Sockets released by a killed predecessor can take a few seconds to free.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	return startWithRetryInterval(ctx, name, startFn, maxRetries, 3*time.Second)
}

func startWithRetryInterval(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int, interval time.Duration) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).
				Dur("interval", interval).Msg("bind failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return lastErr
}
