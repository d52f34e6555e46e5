package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/me-verner/sockstun/internal/probe"
	"github.com/me-verner/sockstun/internal/remote"
	"github.com/me-verner/sockstun/internal/socks5"
)

// Status is the supervisor state machine.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusRecovering Status = "recovering"
	StatusFailed     Status = "failed"
)

// Sentinel errors surfaced by Create.
var (
	// ErrProbeFailed means the engine or tunnel came up but did not pass
	// health checks.
	ErrProbeFailed = errors.New("tunnel: health probes failed")
	// ErrSpawnFailed means the SSH child exited during the startup grace
	// window.
	ErrSpawnFailed = errors.New("tunnel: ssh child died during startup")
)

const (
	// engineSettle is the pause between engine start and its first probe.
	engineSettle = 1 * time.Second
	// spawnGrace is how long the SSH child must survive before probing.
	spawnGrace = 3 * time.Second
	// childStopGrace is the SIGTERM window before SIGKILL.
	childStopGrace = 5 * time.Second
	// startupProbeRounds / startupProbeSpacing bound the combined probing
	// that follows a successful spawn.
	startupProbeRounds  = 3
	startupProbeSpacing = 2 * time.Second
)

// Options carries the per-fleet settings a supervisor needs beyond its
// endpoint.
type Options struct {
	SOCKSAuthRequired bool
	SOCKSUsername     string
	SOCKSPassword     string
	MaxConnections    int
	BufferSize        int

	PIDDir        string
	RecoveryDelay time.Duration

	// Child authentication.
	Password   string
	UseKeyAuth bool
	UseAutossh bool
}

// Supervisor orchestrates the co-lifetime of one SOCKS5 engine and one SSH
// reverse-tunnel child. Create, Stop, and Recover are serialized by an
// operation mutex; state reads take the state mutex only.
type Supervisor struct {
	ep     Endpoint
	opts   Options
	runner remote.Runner
	log    zerolog.Logger

	opMu sync.Mutex // serializes Create / Stop / Recover

	mu           sync.Mutex // guards the fields below
	status       Status
	startTime    time.Time
	failureCount int
	lastError    string
	engine       *socks5.Server
	proc         *Process
}

// New builds a stopped supervisor for one endpoint.
func New(ep Endpoint, opts Options, runner remote.Runner, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		ep:     ep,
		opts:   opts,
		runner: runner,
		log:    log,
		status: StatusStopped,
	}
}

// Endpoint returns the immutable endpoint description.
func (s *Supervisor) Endpoint() Endpoint { return s.ep }

// Status returns the current state variant.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// FailureCount returns the consecutive-failure counter.
func (s *Supervisor) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

// Create starts the engine, spawns the SSH child, and probes both halves.
func (s *Supervisor) Create(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.createLocked(ctx)
}

// Stop tears down both halves. Idempotent.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked()
}

// Recover stops, waits the recovery delay, and re-creates the endpoint.
func (s *Supervisor) Recover(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.log.Info().Msg("starting recovery")
	s.stopLocked()
	s.setStatus(StatusRecovering)

	select {
	case <-time.After(s.opts.RecoveryDelay):
	case <-ctx.Done():
		s.setStatus(StatusStopped)
		return ctx.Err()
	}

	if err := s.createLocked(ctx); err != nil {
		s.log.Error().Msgf("recovery failed: %v", err)
		return err
	}
	s.log.Info().Msg("recovery successful")
	return nil
}

// createLocked implements Create; the caller holds opMu.
func (s *Supervisor) createLocked(ctx context.Context) error {
	s.setStatus(StatusStarting)

	engine := socks5.New(socks5.Config{
		Host:           "127.0.0.1",
		Port:           s.ep.LocalSocksPort,
		AuthRequired:   s.opts.SOCKSAuthRequired,
		Username:       s.opts.SOCKSUsername,
		Password:       s.opts.SOCKSPassword,
		MaxConnections: s.opts.MaxConnections,
		BufferSize:     s.opts.BufferSize,
	}, s.log)

	if err := engine.Start(); err != nil {
		s.fail(fmt.Sprintf("SOCKS5 bind failed: %v", err))
		return err
	}
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	if !s.sleep(ctx, engineSettle) {
		s.stopLocked()
		return ctx.Err()
	}

	if !s.checker().Run(ctx).OverallHealthy {
		engine.Stop()
		s.mu.Lock()
		s.engine = nil
		s.mu.Unlock()
		s.fail("SOCKS5 proxy failed its startup health check")
		return fmt.Errorf("%w: local engine on port %d", ErrProbeFailed, s.ep.LocalSocksPort)
	}

	proc, err := StartProcess(ProcessConfig{
		Endpoint:   s.ep,
		Password:   s.opts.Password,
		UseKeyAuth: s.opts.UseKeyAuth,
		UseAutossh: s.opts.UseAutossh,
	})
	if err != nil {
		engine.Stop()
		s.mu.Lock()
		s.engine = nil
		s.mu.Unlock()
		s.fail(fmt.Sprintf("spawn ssh child: %v", err))
		return err
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	if err := WritePIDFile(s.opts.PIDDir, s.ep.RemotePort, proc.PID()); err != nil {
		s.log.Warn().Msgf("cannot persist pid file: %v", err)
	}

	if !s.sleep(ctx, spawnGrace) {
		s.stopLocked()
		return ctx.Err()
	}

	if !proc.Alive() {
		out := proc.LastOutput()
		if out == "" {
			out = "ssh child exited immediately"
		}
		s.stopLocked()
		s.fail(out)
		return fmt.Errorf("%w: %s", ErrSpawnFailed, out)
	}

	for attempt := 0; attempt < startupProbeRounds; attempt++ {
		sshOK := s.SSHHealthy(ctx)
		socksOK := s.SOCKSHealthy(ctx)
		if sshOK && socksOK {
			s.mu.Lock()
			s.status = StatusRunning
			s.startTime = time.Now()
			s.failureCount = 0
			s.lastError = ""
			s.mu.Unlock()
			s.log.Info().Msg("tunnel and SOCKS5 proxy are running")
			return nil
		}
		if attempt < startupProbeRounds-1 && !s.sleep(ctx, startupProbeSpacing) {
			s.stopLocked()
			return ctx.Err()
		}
	}

	// Both halves are up but not yet verifiably healthy; leave them running
	// for the monitor to watch.
	s.mu.Lock()
	s.status = StatusUnhealthy
	s.failureCount++
	s.lastError = "tunnel created but health checks failed"
	s.mu.Unlock()
	return fmt.Errorf("%w: startup probes exhausted for port %d", ErrProbeFailed, s.ep.RemotePort)
}

// stopLocked implements Stop; the caller holds opMu.
// Teardown order: child first, then the engine it forwards to.
func (s *Supervisor) stopLocked() {
	s.mu.Lock()
	proc := s.proc
	engine := s.engine
	s.proc = nil
	s.engine = nil
	s.startTime = time.Time{}
	s.mu.Unlock()

	if proc != nil {
		proc.Stop(childStopGrace)
	}
	if engine != nil {
		engine.Stop()
	}
	RemovePIDFile(s.opts.PIDDir, s.ep.RemotePort)
	s.setStatus(StatusStopped)
}

// SSHHealthy runs the remote-side tunnel port probe.
func (s *Supervisor) SSHHealthy(ctx context.Context) bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || !proc.Alive() {
		return false
	}
	p := probe.SSHProbe{Runner: s.runner, RemotePort: s.ep.RemotePort}
	return p.Check(ctx)
}

// SOCKSHealthy runs the staged local engine probe.
func (s *Supervisor) SOCKSHealthy(ctx context.Context) bool {
	return s.checker().Run(ctx).OverallHealthy
}

func (s *Supervisor) checker() *probe.SOCKS5Checker {
	return &probe.SOCKS5Checker{
		ProxyHost:  "127.0.0.1",
		ProxyPort:  s.ep.LocalSocksPort,
		CanaryHost: s.ep.CanaryHost,
		CanaryPort: s.ep.CanaryPort,
	}
}

// ApplyProbe folds one monitor observation into the supervisor state and
// returns the updated failure count. The mapping:
//
//	both healthy        → Running, count decays toward zero
//	ssh unhealthy only  → Unhealthy, count++
//	socks unhealthy only→ stays Running, engine marked Unhealthy, count++
//	both unhealthy      → Failed, count++
func (s *Supervisor) ApplyProbe(sshOK, socksOK bool) (int, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine := s.engine
	switch {
	case sshOK && socksOK:
		s.status = StatusRunning
		if s.failureCount > 0 {
			s.failureCount--
		}
		s.lastError = ""
		if engine != nil {
			engine.MarkHealthy()
		}
	case !sshOK && socksOK:
		s.status = StatusUnhealthy
		s.failureCount++
		s.lastError = "ssh tunnel health check failed"
		if engine != nil {
			engine.MarkHealthy()
		}
	case sshOK && !socksOK:
		s.status = StatusRunning
		s.failureCount++
		s.lastError = "SOCKS5 health check failed"
		if engine != nil {
			engine.MarkUnhealthy()
		}
	default:
		s.status = StatusFailed
		s.failureCount++
		s.lastError = "ssh tunnel and SOCKS5 health checks failed"
		if engine != nil {
			engine.MarkUnhealthy()
		}
	}
	return s.failureCount, s.status
}

// StateSnapshot is the per-endpoint view consumed by the status table.
type StateSnapshot struct {
	RemotePort     int
	LocalSocksPort int
	Status         Status
	StartTime      time.Time
	FailureCount   int
	LastError      string
	Socks          socks5.Snapshot
}

// Snapshot returns a self-consistent copy of the supervisor state.
func (s *Supervisor) Snapshot() StateSnapshot {
	s.mu.Lock()
	engine := s.engine
	snap := StateSnapshot{
		RemotePort:     s.ep.RemotePort,
		LocalSocksPort: s.ep.LocalSocksPort,
		Status:         s.status,
		StartTime:      s.startTime,
		FailureCount:   s.failureCount,
		LastError:      s.lastError,
	}
	s.mu.Unlock()

	if engine != nil {
		snap.Socks = engine.Snapshot()
	} else {
		snap.Socks = socks5.Snapshot{Status: socks5.StatusStopped}
	}
	return snap
}

// setStatus updates only the status variant.
func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// fail records an error and flips to Failed.
func (s *Supervisor) fail(msg string) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastError = msg
	s.mu.Unlock()
	s.log.Error().Msg(msg)
}

// sleep waits cancellably; false means the context ended first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
