// Package supervisor provides a supervision tree for managing the
// orchestrator's long-running services (the broker, per-stream
// encoders, the health probe).
//
// The supervisor implements Erlang/OTP-style process supervision on
// top of github.com/thejerf/suture/v4, providing:
//   - Automatic restart of failed services with exponential backoff
//   - Graceful shutdown with timeout
//   - Dynamic service registration
//   - Health status reporting
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(brokerService)
//	sup.Add(healthProbeService)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an
// error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// NamedService adapts a bare `func(ctx) error` — the shape exposed by
// broker.Supervisor.Serve and healthprobe.Probe.Serve — into a Service.
type NamedService struct {
	ServiceName string
	Fn          func(ctx context.Context) error
}

func (n NamedService) Name() string                      { return n.ServiceName }
func (n NamedService) Run(ctx context.Context) error      { return n.Fn(ctx) }

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervisor in logs.
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop
	// gracefully. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// RestartDelay is the delay before the first restart of a failed
	// service. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential restart backoff.
	// Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier scales RestartDelay after each consecutive
	// failure, capped at MaxRestartDelay. Default: 2.0.
	RestartMultiplier float64

	// Logger is optional; if set, supervisor events are logged here.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// successRunThreshold is how long a service must run before a
// subsequent failure resets its restart delay back to RestartDelay,
// mirroring the run/reset shape of this codebase's stream restart
// backoff (internal/stream.Backoff.RecordSuccess).
const successRunThreshold = 300 * time.Second

// Supervisor manages a collection of services on top of a suture
// supervision tree, restarting them on failure with per-service
// exponential backoff.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
}

// serviceEntry tracks a single service's lifecycle.
type serviceEntry struct {
	service Service
	token   suture.ServiceToken
	hasToken bool

	mu        sync.Mutex
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
	nextDelay time.Duration
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "orchestrator"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier <= 0 {
		cfg.RestartMultiplier = 2.0
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}

	// FailureBackoff is deliberately near-zero: restart pacing is owned
	// by this type's own per-entry backoff (below), not suture's.
	s.suture = suture.New(cfg.Name, suture.Spec{
		Timeout:           cfg.ShutdownTimeout,
		FailureBackoff:    time.Millisecond,
		FailureThreshold:  1e6,
		PassThroughPanics: true,
		Log:               func(msg string) { s.logf("%s", msg) },
	})

	return s
}

// logf writes a formatted log message if Logger is configured (thread-safe).
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// Add registers a service with the supervisor.
// If the supervisor is already running, the service is started immediately.
// Returns an error if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{
		service:   svc,
		state:     ServiceStateIdle,
		nextDelay: s.cfg.RestartDelay,
	}
	s.services[name] = entry
	s.logf("added service: %s", name)

	if s.running {
		entry.token = s.suture.Add(s.adapt(entry))
		entry.hasToken = true
	}

	return nil
}

// Remove unregisters and stops a service.
// Blocks until the service has stopped (up to ShutdownTimeout).
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.services, name)
	hasToken, token := entry.hasToken, entry.token
	s.mu.Unlock()

	if hasToken {
		entry.mu.Lock()
		entry.state = ServiceStateStopping
		entry.mu.Unlock()

		if err := s.suture.Remove(token); err != nil {
			return err
		}
	}

	entry.mu.Lock()
	entry.state = ServiceStateStopped
	entry.mu.Unlock()

	s.logf("removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.services))
	now := time.Now()

	for name, entry := range s.services {
		entry.mu.Lock()
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}
		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
		entry.mu.Unlock()
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Run starts all registered services and blocks until ctx is cancelled.
// When ctx is cancelled, all services are stopped gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true

	for _, entry := range s.services {
		entry.token = s.suture.Add(s.adapt(entry))
		entry.hasToken = true
	}
	count := len(s.services)
	s.mu.Unlock()

	s.logf("supervisor %q started with %d services", s.cfg.Name, count)

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logf("supervisor %q stopped", s.cfg.Name)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// adapt wraps a registered Service as a suture.Service, tracking its
// state and applying this supervisor's exponential restart backoff
// around suture's own restart loop.
func (s *Supervisor) adapt(entry *serviceEntry) *adaptedService {
	return &adaptedService{sup: s, entry: entry}
}

type adaptedService struct {
	sup   *Supervisor
	entry *serviceEntry
}

func (a *adaptedService) String() string { return a.entry.service.Name() }

func (a *adaptedService) Serve(ctx context.Context) error {
	e := a.entry

	e.mu.Lock()
	e.state = ServiceStateRunning
	e.startTime = time.Now()
	e.mu.Unlock()

	err := e.service.Run(ctx)
	ran := time.Since(e.startTime)

	if ctx.Err() != nil {
		e.mu.Lock()
		e.state = ServiceStateStopped
		e.mu.Unlock()
		return suture.ErrDoNotRestart
	}

	e.mu.Lock()
	e.state = ServiceStateFailed
	e.lastError = err
	e.restarts++
	delay := e.nextDelay
	if ran > successRunThreshold {
		e.nextDelay = a.sup.cfg.RestartDelay
	} else {
		next := time.Duration(float64(e.nextDelay) * a.sup.cfg.RestartMultiplier)
		if next > a.sup.cfg.MaxRestartDelay {
			next = a.sup.cfg.MaxRestartDelay
		}
		e.nextDelay = next
	}
	restarts := e.restarts
	name := e.service.Name()
	e.mu.Unlock()

	a.sup.logf("service %s failed (restarts=%d): %v", name, restarts, err)

	select {
	case <-ctx.Done():
		return suture.ErrDoNotRestart
	case <-time.After(delay):
	}

	return err
}
