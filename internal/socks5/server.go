// Package socks5 implements the RFC 1928 proxy engine: a loopback TCP server
// that negotiates CONNECT requests and relays bytes between the client and
// the dialled target, keeping per-connection and per-server statistics.
//
// Only CONNECT is supported; BIND and UDP ASSOCIATE are answered with
// COMMAND NOT SUPPORTED. Authentication is either open (NO AUTH) or RFC 1929
// username/password, selected by configuration.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrBind is wrapped by Start when the listener cannot be opened.
var ErrBind = errors.New("socks5: bind failed")

const (
	// acceptPoll bounds how long shutdown waits on a blocked Accept.
	acceptPoll = 1 * time.Second
	// acceptErrorPause is the breather after a transient accept error.
	acceptErrorPause = 100 * time.Millisecond
	// negotiateTimeout covers the whole greeting/auth/request phase.
	negotiateTimeout = 30 * time.Second
	// dialTimeout is the outbound connect deadline.
	dialTimeout = 10 * time.Second
	// relayPoll bounds how long a relay read blocks between cancel checks.
	relayPoll = 1 * time.Second
	// relayIdleTimeout ends a relay once either direction has carried no
	// traffic for this long.
	relayIdleTimeout = 5 * time.Minute

	// defaultAcceptRate is the accept-rate gate (connections/second).
	defaultAcceptRate rate.Limit = 50
	// defaultBufferSize is the relay copy buffer when none is configured.
	defaultBufferSize = 8 * 1024
)

// Config carries the engine settings fixed at Start.
type Config struct {
	Host string
	Port int

	AuthRequired bool
	Username     string
	Password     string

	MaxConnections int
	BufferSize     int

	// AcceptRate overrides the accept-rate gate; 0 selects the default.
	AcceptRate rate.Limit
}

// Server is one SOCKS5 engine instance. The zero value is not usable; use New.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	status Status
	ln     net.Listener
	cancel context.CancelFunc
	conns  map[uint64]*ConnectionRecord

	wg      sync.WaitGroup
	nextID  atomic.Uint64
	limiter *rate.Limiter
	stats   proxyStats
}

// New builds a stopped engine.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.AcceptRate == 0 {
		cfg.AcceptRate = defaultAcceptRate
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		status:  StatusStopped,
		conns:   make(map[uint64]*ConnectionRecord),
		limiter: rate.NewLimiter(cfg.AcceptRate, int(cfg.AcceptRate)+1),
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

// Start binds the listener and launches the accept worker.
// It is an error to Start a server that is not Stopped or Failed.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusStopped, StatusFailed:
	default:
		return fmt.Errorf("socks5: start from status %s", s.status)
	}
	s.status = StatusStarting

	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		s.status = StatusFailed
		return fmt.Errorf("%w: %s: %v", ErrBind, s.Addr(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel
	s.conns = make(map[uint64]*ConnectionRecord)
	s.stats.reset(time.Now())
	s.status = StatusRunning

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln.(*net.TCPListener))

	s.log.Info().Msgf("SOCKS5 server listening on %s", s.Addr())
	return nil
}

// Stop closes the listener, cancels the accept worker, and force-closes every
// live connection. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	// Unblock relay workers immediately; each worker closes its own record.
	for _, rec := range s.conns {
		if rec.client != nil {
			_ = rec.client.Close()
		}
		if rec.target != nil {
			_ = rec.target.Close()
		}
	}
	// Records are dropped with the engine; workers keep their own pointers.
	s.conns = make(map[uint64]*ConnectionRecord)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msgf("SOCKS5 server on %s stopped", s.Addr())
}

// IsHealthy reports whether the engine is Running with a live listener.
func (s *Server) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning && s.ln != nil
}

// Status returns the current state variant.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MarkUnhealthy flags a Running engine whose probe failed. The listener is
// left alone; only the reported status changes.
func (s *Server) MarkUnhealthy() {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusUnhealthy
	}
	s.mu.Unlock()
}

// MarkHealthy clears an Unhealthy flag once a probe passes again.
func (s *Server) MarkHealthy() {
	s.mu.Lock()
	if s.status == StatusUnhealthy {
		s.status = StatusRunning
	}
	s.mu.Unlock()
}

// Snapshot returns the status and a copy of the counters.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return Snapshot{Status: status, Stats: s.stats.snapshot()}
}

// Connections returns read-only views of every tracked connection record.
func (s *Server) Connections() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, 0, len(s.conns))
	for _, rec := range s.conns {
		out = append(out, rec.view())
	}
	return out
}

// acceptLoop accepts clients until the context is cancelled, polling the
// listener deadline so shutdown is observed within one tick.
func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = ln.SetDeadline(time.Now().Add(acceptPoll))

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Msgf("accept error: %v", err)
			select {
			case <-time.After(acceptErrorPause):
			case <-ctx.Done():
				return
			}
			continue
		}

		// Connection-rate gate, then the capacity gate.
		if !s.limiter.Allow() {
			_ = conn.Close()
			s.stats.connectionFailed()
			continue
		}
		if s.stats.snapshot().Active >= int64(s.cfg.MaxConnections) {
			_ = conn.Close()
			s.stats.connectionFailed()
			s.log.Debug().Msgf("connection limit reached, rejecting %s", conn.RemoteAddr())
			continue
		}

		rec := &ConnectionRecord{
			ID:         s.nextID.Add(1),
			StartTime:  time.Now(),
			ClientAddr: conn.RemoteAddr().String(),
			active:     true,
			client:     conn,
		}
		s.mu.Lock()
		if s.status == StatusStopped {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[rec.ID] = rec
		s.mu.Unlock()
		s.stats.connectionOpened()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, rec, conn)
		}()
	}
}
