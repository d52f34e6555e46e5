// Package fleet owns the set of tunnel supervisors: registration, the shared
// health monitor, the read-only status view, and coordinated shutdown.
package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/me-verner/sockstun/internal/tunnel"
)

// ErrDraining is returned when new work arrives after shutdown has begun.
var ErrDraining = errors.New("fleet: draining, no new supervisors accepted")

// stopBudget bounds the concurrent teardown of all supervisors.
const stopBudget = 10 * time.Second

// Fleet maps remote ports to their supervisors. One lock guards the mapping;
// it is never held across blocking work.
type Fleet struct {
	log zerolog.Logger

	mu       sync.Mutex
	sups     map[int]*tunnel.Supervisor
	locals   map[int]int // local socks port → remote port
	draining bool
}

// New returns an empty fleet.
func New(log zerolog.Logger) *Fleet {
	return &Fleet{
		log:    log,
		sups:   make(map[int]*tunnel.Supervisor),
		locals: make(map[int]int),
	}
}

// Add registers a supervisor. Duplicate remote ports, local port collisions,
// and additions after Drain are rejected.
func (f *Fleet) Add(s *tunnel.Supervisor) error {
	ep := s.Endpoint()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.draining {
		return ErrDraining
	}
	if _, dup := f.sups[ep.RemotePort]; dup {
		return fmt.Errorf("fleet: remote port %d already supervised", ep.RemotePort)
	}
	if other, clash := f.locals[ep.LocalSocksPort]; clash {
		return fmt.Errorf("fleet: local port %d already used by remote port %d", ep.LocalSocksPort, other)
	}
	f.sups[ep.RemotePort] = s
	f.locals[ep.LocalSocksPort] = ep.RemotePort
	return nil
}

// Get returns the supervisor for a remote port.
func (f *Fleet) Get(remotePort int) (*tunnel.Supervisor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sups[remotePort]
	return s, ok
}

// All returns the supervisors as a snapshot slice.
func (f *Fleet) All() []*tunnel.Supervisor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*tunnel.Supervisor, 0, len(f.sups))
	for _, s := range f.sups {
		out = append(out, s)
	}
	return out
}

// Len reports the number of supervised endpoints.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sups)
}

// Drain flips the fleet into shutdown mode; Add refuses from then on.
func (f *Fleet) Drain() {
	f.mu.Lock()
	f.draining = true
	f.mu.Unlock()
}

// Draining reports whether shutdown has begun.
func (f *Fleet) Draining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

// StopAll stops every supervisor concurrently and waits up to the stop
// budget. Supervisors still busy when the budget expires are abandoned to
// process exit.
func (f *Fleet) StopAll() {
	f.Drain()

	sups := f.All()
	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *tunnel.Supervisor) {
			defer wg.Done()
			s.Stop()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.log.Info().Msg("all tunnels stopped")
	case <-time.After(stopBudget):
		f.log.Warn().Msgf("shutdown budget of %s exceeded, abandoning remaining teardown", stopBudget)
	}
}
