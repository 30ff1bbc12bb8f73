// Command orchestratord is the Stream Orchestration Engine daemon: it
// wires BrokerSupervisor, DeviceService, StreamManager, ListenerProxy,
// AdminGuard, and HealthProbe together behind the Admin HTTP API and
// listener surface (spec.md §6), and runs them under a suture-backed
// supervision tree (internal/supervisor).
//
// Configuration is entirely environment-variable driven (spec.md §6);
// see internal/orchconfig for the full list and defaults.
//
// Exit codes (spec.md §6): 0 graceful shutdown, 1 fatal initialization
// failure, 2 unrecoverable runtime failure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/adminguard"
	"github.com/jerryagenyi/streamorchestratorgo/internal/broker"
	"github.com/jerryagenyi/streamorchestratorgo/internal/configstore"
	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/healthprobe"
	"github.com/jerryagenyi/streamorchestratorgo/internal/httpapi"
	"github.com/jerryagenyi/streamorchestratorgo/internal/listenerproxy"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orchconfig"
	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
	"github.com/jerryagenyi/streamorchestratorgo/internal/streammanager"
	"github.com/jerryagenyi/streamorchestratorgo/internal/supervisor"
)

// Build information (set by ldflags).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := orchconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: load configuration: %v\n", err)
		return 1
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.SlogLevel())); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log.Info("starting orchestratord", "version", Version, "commit", Commit, "port", cfg.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Error("failed to create data directory", "dir", cfg.DataDir, "err", err)
		return 1
	}

	capability := platform.NewCapability()
	store := configstore.New(cfg.DataDir)
	devices := device.NewService(capability, 10*time.Second)

	brokerSup := broker.New(broker.Options{
		ExePathOverride:    cfg.BrokerExePath,
		ConfigPathOverride: cfg.BrokerConfigPath,
		WatchDebounce:      cfg.BrokerWatchDebounce,
		Logger:             log.With("component", "broker"),
	})

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := brokerSup.Initialize(initCtx); err != nil {
		log.Error("broker initialization failed", "err", err)
	}
	initCancel()

	manager := streammanager.New(store, devices, brokerSup, capability, findFFmpegPath(), log.With("component", "stream-manager"))
	manager.SetArchiveDir(fmt.Sprintf("%s/encoder-logs", cfg.DataDir))

	reconcileCtx, reconcileCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.LoadAndReconcile(reconcileCtx); err != nil {
		log.Error("failed to load persisted streams", "err", err)
	}
	reconcileCancel()

	proxy := listenerproxy.New(brokerAuthority{brokerSup}, cfg.ListenerMaxConcurrent, log.With("component", "listener-proxy"))
	probe := healthprobe.New(brokerSup, manager, cfg.HealthProbeInterval, log.With("component", "health-probe"))

	guard := adminguard.New(cfg.Port)
	var tokens *adminguard.TokenIssuer
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if cfg.TokenSigningSecret == "" {
			log.Warn("TOKEN_SIGNING_SECRET is unset; using a process-lifetime random secret, admin tokens will not survive a restart")
		}
		tokens = adminguard.NewTokenIssuer(cfg.AdminUsername, cfg.AdminPassword, cfg.TokenSigningSecret)
		guard.Tokens = tokens
	} else {
		log.Warn("ADMIN_USERNAME/ADMIN_PASSWORD not set; admin bearer-token login is disabled, only loopback and LAN-whitelisted routes are reachable")
	}

	server := &httpapi.Server{
		Streams: &httpapi.StreamHandlers{Manager: manager, Log: log},
		Broker:  &httpapi.BrokerHandlers{Broker: brokerSup, Probe: probe, Log: log},
		Devices: &httpapi.DeviceHandlers{Devices: devices, Log: log},
		System:  &httpapi.SystemHandlers{Port: cfg.Port, Probe: probe, Tokens: tokens, Log: log},
		Proxy:   proxy,
		Guard:   guard,
		Tokens:  tokens,
		Log:     log,
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := supervisor.New(supervisor.Config{
		Name:            "orchestratord",
		ShutdownTimeout: 15 * time.Second,
		Logger:          log,
	})

	if err := sup.Add(supervisor.NamedService{ServiceName: "broker", Fn: brokerSup.Serve}); err != nil {
		log.Error("failed to register broker service", "err", err)
		return 1
	}
	if err := sup.Add(supervisor.NamedService{ServiceName: "health-probe", Fn: probe.Serve}); err != nil {
		log.Error("failed to register health-probe service", "err", err)
		return 1
	}
	if err := sup.Add(supervisor.NamedService{ServiceName: "http-server", Fn: func(ctx context.Context) error {
		return serveHTTP(ctx, httpSrv, log)
	}}); err != nil {
		log.Error("failed to register http service", "err", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("serving", "addr", httpSrv.Addr)
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		log.Error("supervisor exited with error", "err", err)
		return 2
	}

	log.Info("shutdown complete")
	return 0
}

// serveHTTP runs httpSrv until ctx is cancelled, then shuts it down
// gracefully. It mirrors the suture.Service contract: returning nil on
// a clean, context-driven stop and a non-nil error on anything else.
func serveHTTP(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "err", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// brokerAuthority adapts broker.Supervisor's parsed Config to
// listenerproxy.BrokerSource, since the proxy only needs the
// source-protocol host:port, not the whole BrokerSupervisor API.
type brokerAuthority struct {
	sup *broker.Supervisor
}

func (b brokerAuthority) Authority() (string, bool) {
	cfg := b.sup.Config()
	if cfg == nil || cfg.Port == 0 {
		return "", false
	}
	host := cfg.Hostname
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Port), true
}

// findFFmpegPath locates the ffmpeg binary EncoderProcess spawns,
// trying common install locations before falling back to PATH lookup.
func findFFmpegPath() string {
	paths := []string{
		"/usr/bin/ffmpeg",
		"/usr/local/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		return p
	}
	return "ffmpeg"
}
