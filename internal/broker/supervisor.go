package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is BrokerSupervisor's lifecycle state (spec.md §4.1 state
// machine).
type State int32

const (
	StateUninitialized State = iota
	StateStopped
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "uninitialized"
	}
}

// ErrInstallationNotFound is returned by Initialize when no detection
// strategy locates the broker executable.
var ErrInstallationNotFound = errors.New("broker installation not found")

// Options configures a Supervisor.
type Options struct {
	// ExePathOverride is checked first (env var BROKER_EXE_PATH).
	ExePathOverride string
	// ConfigPathOverride is checked first (env var BROKER_CONFIG_PATH).
	ConfigPathOverride string
	// CustomPath is a user-recorded path from a previous successful
	// detection, tried after PATH lookup.
	CustomPath string
	// WatchDebounce coalesces rapid successive file-change events
	// (spec.md §9: "coalesce file-change events with a short debounce
	// (≤500 ms)").
	WatchDebounce time.Duration
	Logger        *slog.Logger
}

// Supervisor is BrokerSupervisor: it owns the broker executable's
// lifecycle and exposes its currently-parsed Config.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	exePath    string
	configPath string

	state          atomic.Int32
	manuallyStopped atomic.Bool

	mu     sync.Mutex // serializes start/stop/restart/configure
	cmd    *exec.Cmd
	config atomic.Pointer[Config]

	statsClient atomic.Pointer[AdminClient]

	watcherStop chan struct{}
	watcherDone chan struct{}
}

// New creates an uninitialized Supervisor.
func New(opts Options) *Supervisor {
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, log: opts.Logger}
}

// standardPaths lists platform-conventional broker install locations,
// tried in order after env-var overrides and before a bare PATH lookup.
func standardPaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files (x86)\Icecast2 Win32\icecast.exe`,
			`C:\Program Files\Icecast\icecast.exe`,
		}
	case "darwin":
		return []string{"/usr/local/bin/icecast", "/opt/homebrew/bin/icecast"}
	default:
		return []string{"/usr/bin/icecast2", "/usr/bin/icecast", "/usr/local/bin/icecast"}
	}
}

// Initialize detects the broker installation, parses its config, and
// starts watching the config file. It is idempotent: calling it again
// after a successful call is a no-op.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if State(s.state.Load()) != StateUninitialized {
		return nil
	}

	exePath, err := s.detectExecutable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallationNotFound, err)
	}
	s.exePath = exePath

	configPath := s.opts.ConfigPathOverride
	if configPath == "" {
		configPath = defaultConfigPathFor(exePath)
	}
	s.configPath = configPath

	cfg, err := ParseXML(configPath)
	if err != nil {
		return fmt.Errorf("parse broker config during initialize: %w", err)
	}
	s.config.Store(cfg)
	s.refreshStatsClient(cfg)

	if err := s.startWatcher(); err != nil {
		s.log.Warn("broker config watcher failed to start", "error", err)
	}

	if s.isProcessRunning(ctx) {
		s.state.Store(int32(StateRunning))
	} else {
		s.state.Store(int32(StateStopped))
	}

	return nil
}

func (s *Supervisor) detectExecutable() (string, error) {
	if s.opts.ExePathOverride != "" {
		if _, err := os.Stat(s.opts.ExePathOverride); err == nil {
			return s.opts.ExePathOverride, nil
		}
	}
	for _, p := range standardPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	name := "icecast"
	if runtime.GOOS == "windows" {
		name = "icecast.exe"
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	if s.opts.CustomPath != "" {
		if _, err := os.Stat(s.opts.CustomPath); err == nil {
			return s.opts.CustomPath, nil
		}
	}
	return "", fmt.Errorf("no broker executable found via override, standard paths, PATH, or recorded custom path")
}

func defaultConfigPathFor(exePath string) string {
	return filepath.Join(filepath.Dir(exePath), "icecast.xml")
}

// Config returns a snapshot of the currently-parsed BrokerConfig.
// Readers never observe a partially-updated value (spec.md §5).
func (s *Supervisor) Config() *Config {
	return s.config.Load()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Start starts the broker process. manual=true records a sticky
// manuallyStopped=false transition (starting clears the sticky stop
// flag); manual=false (e.g. an automated retry) refuses if the broker
// was last stopped manually.
func (s *Supervisor) Start(ctx context.Context, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateRunning || State(s.state.Load()) == StateStarting {
		return nil
	}
	if !manual && s.manuallyStopped.Load() {
		return fmt.Errorf("broker was manually stopped; refusing automatic start")
	}

	if err := s.ensureConfigExists(); err != nil {
		return err
	}

	s.state.Store(int32(StateStarting))

	cmd := exec.CommandContext(context.Background(), s.exePath, "-c", s.configPath)
	if err := cmd.Start(); err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("spawn broker: %w", err)
	}
	s.cmd = cmd
	s.manuallyStopped.Store(false)

	go func() {
		_ = cmd.Wait()
		if State(s.state.Load()) != StateStopping {
			s.state.Store(int32(StateStopped))
		}
	}()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if client := s.statsClient.Load(); client != nil {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := client.Ping(pctx)
			cancel()
			if err == nil {
				s.state.Store(int32(StateRunning))
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}

	// Process is up but admin HTTP never answered within the window;
	// leave it in "starting" per spec.md §4.1 getStatus() semantics
	// rather than declaring failure outright.
	return nil
}

// Stop terminates the broker process: SIGTERM with a 10s timeout, then
// SIGKILL, verified with up to 10 retries of 500ms.
func (s *Supervisor) Stop(ctx context.Context, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		s.state.Store(int32(StateStopped))
		if manual {
			s.manuallyStopped.Store(true)
		}
		return nil
	}

	s.state.Store(int32(StateStopping))
	_ = s.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	}

	for i := 0; i < 10; i++ {
		if !s.isProcessRunning(ctx) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	s.state.Store(int32(StateStopped))
	if manual {
		s.manuallyStopped.Store(true)
	}
	return nil
}

// Restart stops (observing its own stop complete) then starts.
func (s *Supervisor) Restart(ctx context.Context, manual bool) error {
	if err := s.Stop(ctx, false); err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Second)
	for s.State() != StateStopped && time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
	}
	return s.Start(ctx, manual)
}

// Configure edits the broker's XML config in place and re-parses it.
// It auto-restarts the broker only if it is currently running and was
// not manually stopped, per spec.md §4.1.
func (s *Supervisor) Configure(ctx context.Context, patch Config) (*Config, error) {
	newCfg, err := Update(s.configPath, patch)
	if err != nil {
		return nil, err
	}
	s.config.Store(newCfg)
	s.refreshStatsClient(newCfg)

	if State(s.state.Load()) == StateRunning && !s.manuallyStopped.Load() {
		if err := s.Restart(ctx, false); err != nil {
			return newCfg, fmt.Errorf("config applied but restart failed: %w", err)
		}
	}
	return newCfg, nil
}

// GetStatus is the authoritative, OS-process-first status check:
// spec.md §4.1 requires OS process liveness to win any disagreement
// with cached HTTP state.
func (s *Supervisor) GetStatus(ctx context.Context) State {
	if !s.isProcessRunning(ctx) {
		s.state.Store(int32(StateStopped))
		return StateStopped
	}
	if client := s.statsClient.Load(); client != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pctx)
		cancel()
		if err != nil {
			s.state.Store(int32(StateStarting))
			return StateStarting
		}
	}
	s.state.Store(int32(StateRunning))
	return StateRunning
}

func (s *Supervisor) isProcessRunning(ctx context.Context) bool {
	return s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil
}

func (s *Supervisor) ensureConfigExists() error {
	if _, err := os.Stat(s.configPath); err == nil {
		return nil
	}
	return fmt.Errorf("broker config file %s does not exist; generate a template before starting", s.configPath)
}

func (s *Supervisor) refreshStatsClient(cfg *Config) {
	if cfg == nil || cfg.Port == 0 {
		return
	}
	host := cfg.Hostname
	if host == "" {
		host = "localhost"
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, cfg.Port)
	client := NewAdminClient(baseURL, "admin", cfg.AdminPassword)
	s.statsClient.Store(client)
}

// startWatcher begins watching the broker's XML config file for
// changes, re-parsing (but never auto-restarting — that only happens
// via Configure) on each debounced change event. Grounded on the
// teacher's internal/config/koanf.go Watch(ctx, callback) shape, using
// raw fsnotify directly since this file is XML, not YAML; carries the
// same class of goroutine-lifecycle caveat the teacher documents for
// koanf's file.Provider.
func (s *Supervisor) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.configPath); err != nil {
		_ = watcher.Close()
		return err
	}

	s.watcherStop = make(chan struct{})
	s.watcherDone = make(chan struct{})

	go func() {
		defer close(s.watcherDone)
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			cfg, err := ParseXML(s.configPath)
			if err != nil {
				s.log.Warn("broker config reload failed", "error", err)
				return
			}
			s.config.Store(cfg)
			s.refreshStatsClient(cfg)
			s.log.Info("broker config reloaded", "port", cfg.Port)
		}

		for {
			select {
			case <-s.watcherStop:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(s.opts.WatchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("broker config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the config watcher. Safe to call multiple times.
func (s *Supervisor) Close() {
	if s.watcherStop == nil {
		return
	}
	select {
	case <-s.watcherStop:
	default:
		close(s.watcherStop)
		<-s.watcherDone
	}
}

// Serve implements suture.Service so the top-level supervisor tree
// (internal/supervisor) can own this Supervisor's config-watcher
// goroutine lifecycle alongside every EncoderProcess and HealthProbe.
func (s *Supervisor) Serve(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Close()
	return ctx.Err()
}
