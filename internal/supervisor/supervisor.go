// Package supervisor provides a supervision tree for managing virtual
// devices and the discovery loop, backed by thejerf/suture.
//
// The supervisor implements Erlang/OTP-style process supervision, providing:
//   - Automatic restart of failed services, pausing for a fixed backoff
//     (RestartDelay) once failures pass suture's threshold
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
//	sup.Add(virtualDevice1)
//	sup.Add(virtualDevice2)
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
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

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
	// Name identifies this supervisor in suture's event log.
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop gracefully.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// RestartDelay is the pause suture takes before further restarts once
	// the failure score passes its threshold; below it, restarts are
	// immediate. Default: 1 second. Mapped onto suture's FailureBackoff.
	RestartDelay time.Duration

	// MaxRestartDelay is operator-facing metadata only.
	// Default: 5 minutes. suture decays the failure score over time rather
	// than tracking a per-service delay ceiling, so this value is not
	// passed to suture.
	MaxRestartDelay time.Duration

	// RestartMultiplier is retained for operator-facing metadata; suture's
	// own FailureDecay/FailureThreshold model approximates escalating
	// backoff without an explicit multiplier knob.
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

// Supervisor manages a collection of services, restarting them on failure
// via an embedded suture.Supervisor.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
}

// serviceEntry tracks a single service's lifecycle for Status() reporting.
type serviceEntry struct {
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
	token     suture.ServiceToken
	hasToken  bool
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier == 0 {
		cfg.RestartMultiplier = 2.0
	}

	name := cfg.Name
	if name == "" {
		name = "bridge-supervisor"
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}

	s.suture = suture.New(name, suture.Spec{
		Timeout:          cfg.ShutdownTimeout,
		FailureBackoff:   cfg.RestartDelay,
		FailureDecay:     30,
		FailureThreshold: 5,
		EventHook:        s.onSutureEvent,
	})

	return s
}

func (s *Supervisor) onSutureEvent(ev suture.Event) {
	name, failErr, terminal := "", error(nil), false

	switch e := ev.(type) {
	case suture.EventServicePanic:
		name = e.ServiceName
		failErr = fmt.Errorf("panic: %v", e.PanicMsg)
	case suture.EventServiceTerminate:
		name = e.ServiceName
		if e.Err != nil {
			failErr = fmt.Errorf("%v", e.Err)
		}
		terminal = !e.Restarting
	case suture.EventBackoff:
		s.logf("supervisor %s entering backoff", e.SupervisorName)
		return
	case suture.EventResume:
		s.logf("supervisor %s resuming from backoff", e.SupervisorName)
		return
	case suture.EventStopTimeout:
		name = e.ServiceName
		failErr = errors.New("stop timeout exceeded")
	default:
		return
	}

	s.mu.Lock()
	entry, ok := s.services[name]
	if ok {
		entry.restarts++
		entry.lastError = failErr
		if terminal {
			entry.state = ServiceStateStopped
		} else {
			entry.state = ServiceStateFailed
		}
	}
	s.mu.Unlock()

	s.logf("service %s event: %s", name, ev.String())
}

// logf writes a formatted log message if Logger is configured.
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// sutureAdapter bridges our Service interface to suture.Service and tags
// each Serve() invocation as a (re)start against the entry's bookkeeping.
type sutureAdapter struct {
	sup   *Supervisor
	name  string
	inner Service
}

func (a *sutureAdapter) Serve(ctx context.Context) error {
	a.sup.mu.Lock()
	if entry, ok := a.sup.services[a.name]; ok {
		entry.state = ServiceStateRunning
		entry.startTime = time.Now()
	}
	a.sup.mu.Unlock()

	return a.inner.Run(ctx)
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
		service: svc,
		state:   ServiceStateIdle,
	}
	s.services[name] = entry
	s.logf("added service: %s", name)

	if s.running {
		token := s.suture.Add(&sutureAdapter{sup: s, name: name, inner: svc})
		entry.token = token
		entry.hasToken = true
	}

	return nil
}

// Remove unregisters and stops a service.
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
		if err := s.suture.Remove(token); err != nil {
			return fmt.Errorf("remove service %q: %w", name, err)
		}
	}

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
// When ctx is cancelled, all services are stopped gracefully (up to
// ShutdownTimeout).
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true

	for name, entry := range s.services {
		token := s.suture.Add(&sutureAdapter{sup: s, name: name, inner: entry.service})
		entry.token = token
		entry.hasToken = true
	}
	s.mu.Unlock()

	s.logf("supervisor started with %d services", s.ServiceCount())

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	for _, entry := range s.services {
		if entry.state != ServiceStateStopped {
			entry.state = ServiceStateStopped
		}
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
