package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/me-verner/sockstun/internal/tunnel"
)

const (
	// maxTickInterval caps the backed-off monitor interval.
	maxTickInterval = 300 * time.Second
	// maxBackoffExponent caps the doubling applied to the interval.
	maxBackoffExponent = 5
	// fatalPause is the breather after an unexpected tick failure.
	fatalPause = 10 * time.Second
)

// probeFunc lets tests substitute the health checks.
type probeFunc func(ctx context.Context, s *tunnel.Supervisor) bool

// Monitor is the single background worker that probes every supervisor,
// applies the health mapping, and triggers recovery.
type Monitor struct {
	fleet       *Fleet
	interval    time.Duration
	maxFailures int
	log         zerolog.Logger

	probeSSH   probeFunc
	probeSOCKS probeFunc

	backoff         *backoff.Backoff
	consecutiveBad  int
	wg              sync.WaitGroup
	cancel          context.CancelFunc
	recoveringMu    sync.Mutex
	recovering      map[int]bool
	recoveryWorkers sync.WaitGroup
}

// NewMonitor builds a monitor over the fleet.
func NewMonitor(f *Fleet, interval time.Duration, maxFailures int, log zerolog.Logger) *Monitor {
	return &Monitor{
		fleet:       f,
		interval:    interval,
		maxFailures: maxFailures,
		log:         log,
		probeSSH: func(ctx context.Context, s *tunnel.Supervisor) bool {
			return s.SSHHealthy(ctx)
		},
		probeSOCKS: func(ctx context.Context, s *tunnel.Supervisor) bool {
			return s.SOCKSHealthy(ctx)
		},
		backoff: &backoff.Backoff{
			Min:    interval,
			Max:    maxTickInterval,
			Factor: 2,
		},
		recovering: make(map[int]bool),
	}
}

// Start launches the monitor worker.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.log.Info().Msg("tunnel and SOCKS5 monitoring started")
}

// Stop cancels the worker and waits for it and any in-flight recoveries.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.recoveryWorkers.Wait()
	m.log.Info().Msg("monitoring stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		anyUnhealthy, ok := m.safeTick(ctx)
		if ctx.Err() != nil {
			return
		}

		var sleep time.Duration
		switch {
		case !ok:
			sleep = fatalPause
		case anyUnhealthy:
			m.consecutiveBad++
			sleep = m.tickInterval()
		default:
			m.consecutiveBad = 0
			sleep = m.interval
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// tickInterval applies exponential backoff to the base interval while at
// least one supervisor stays unhealthy.
func (m *Monitor) tickInterval() time.Duration {
	exp := m.consecutiveBad
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return m.backoff.ForAttempt(float64(exp))
}

// safeTick shields the loop from panics in probe or recovery plumbing; the
// monitor must outlive any single bad tick. ok=false reports such a failure.
func (m *Monitor) safeTick(ctx context.Context) (anyUnhealthy bool, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Msgf("monitor loop error: %v", r)
			ok = false
		}
	}()
	return m.tick(ctx), true
}

// tick probes every supervisor once. Each supervisor's pair of probe results
// is folded into its state atomically via ApplyProbe.
func (m *Monitor) tick(ctx context.Context) bool {
	anyUnhealthy := false

	for _, s := range m.fleet.All() {
		if ctx.Err() != nil {
			return anyUnhealthy
		}

		switch s.Status() {
		case tunnel.StatusStopped, tunnel.StatusStarting, tunnel.StatusRecovering:
			continue
		}
		if m.isRecovering(s.Endpoint().RemotePort) {
			continue
		}

		sshOK := m.probeSSH(ctx, s)
		socksOK := m.probeSOCKS(ctx, s)
		count, status := s.ApplyProbe(sshOK, socksOK)

		log := m.log.With().Int("port", s.Endpoint().RemotePort).Logger()
		if sshOK && socksOK {
			log.Debug().Msg("tunnel and SOCKS5 proxy healthy")
			continue
		}

		anyUnhealthy = true
		log.Warn().Msgf("health check failed - SSH: %v, SOCKS5: %v (failures: %d, status: %s)",
			sshOK, socksOK, count, status)

		if count >= m.maxFailures {
			m.startRecovery(ctx, s)
		}
	}

	return anyUnhealthy
}

// startRecovery launches one recovery worker for the supervisor unless one is
// already in flight. The supervisor's own operation mutex serializes the
// recovery against any concurrent Create/Stop; distinct supervisors recover
// concurrently.
func (m *Monitor) startRecovery(ctx context.Context, s *tunnel.Supervisor) {
	port := s.Endpoint().RemotePort

	m.recoveringMu.Lock()
	if m.recovering[port] {
		m.recoveringMu.Unlock()
		return
	}
	m.recovering[port] = true
	m.recoveringMu.Unlock()

	m.log.Info().Int("port", port).Msg("attempting auto-recovery")
	m.recoveryWorkers.Add(1)
	go func() {
		defer m.recoveryWorkers.Done()
		defer func() {
			m.recoveringMu.Lock()
			delete(m.recovering, port)
			m.recoveringMu.Unlock()
		}()
		if err := s.Recover(ctx); err != nil {
			m.log.Error().Int("port", port).Msgf("auto-recovery failed: %v", err)
		}
	}()
}

func (m *Monitor) isRecovering(port int) bool {
	m.recoveringMu.Lock()
	defer m.recoveringMu.Unlock()
	return m.recovering[port]
}
