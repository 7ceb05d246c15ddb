package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/metrics"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/stack"
	"zigbee-go-stack/internal/sys"
	"zigbee-go-stack/internal/web"
)

// appEndpoint receives application frames; they are published as data
// events.
const appEndpoint = 1

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device described by the config file",
	Long: `Run opens the radio co-processor and the persistent data file, restores
the stored network or forms/joins one, and serves the HTTP API, the
WebSocket event stream, Prometheus metrics and the optional MQTT bridge
until interrupted.

Examples:
  zigbee-stack run -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runStack(cfg)
	},
}

func runStack(cfg *Config) error {
	logger, logFile := newLogger(cfg)
	defer logFile.Close()
	slog.SetDefault(logger)
	logger.Info("zigbee-stack starting", "version", version, "device_type", cfg.Network.DeviceType)

	sc, err := cfg.stackConfig()
	if err != nil {
		return err
	}

	env := sys.NewEnv(logger)
	fatalCh := make(chan sys.FatalCode, 1)
	env.Fatal.Reset = func(code sys.FatalCode) {
		select {
		case fatalCh <- code:
		default:
		}
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	radio, err := mac.OpenSerialRadio(openCtx, env, cfg.Radio.Port, cfg.Radio.Baud, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	defer radio.Close()

	db, err := pds.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st, err := stack.New(env, radio, db, sc, logger)
	if err != nil {
		return fmt.Errorf("create stack: %w", err)
	}
	st.RegisterEndpoint(appEndpoint, nil)

	// Run persists the stack on return, so it must finish before the
	// store closes.
	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- st.Run(runCtx) }()
	stopStack := func() error {
		stopRun()
		return <-runDone
	}

	startCtx, cancel := context.WithTimeout(runCtx, 2*time.Minute)
	err = st.Start(startCtx)
	cancel()
	if err != nil {
		stopStack()
		return err
	}

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.metricsEnabled() {
		collector := metrics.NewCollector(st, logger)
		unobserve := collector.Observe(st.Events())
		defer unobserve()
		reg := metrics.NewRegistry(collector)
		webOpts = append(webOpts, web.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	webServer := web.NewServer(st, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// No-op when built with the no_mqtt tag.
	mqtt := initMQTT(st, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var exitErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case code := <-fatalCh:
		logger.Error("shutting down after fatal error", "code", code.String())
		exitErr = fmt.Errorf("fatal error: %s", code)
	case err := <-runDone:
		// Run only returns early on a task manager failure.
		runDone <- err
		logger.Error("stack stopped", "err", err)
		exitErr = fmt.Errorf("stack stopped: %w", err)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := stopStack(); err != nil {
		logger.Error("stack run", "err", err)
	}

	logger.Info("goodbye")
	return exitErr
}
