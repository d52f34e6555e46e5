package socks5

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// handleConn drives one client: negotiation, target dial, then relay.
// The record is closed exactly once on every exit path.
func (s *Server) handleConn(ctx context.Context, rec *ConnectionRecord, conn net.Conn) {
	closed := false
	defer func() {
		_ = conn.Close()
		if !closed {
			s.closeRecord(rec)
		}
	}()

	// One deadline covers the whole negotiation phase.
	_ = conn.SetDeadline(time.Now().Add(negotiateTimeout))

	req, err := s.negotiate(conn)
	if err != nil {
		var re *ReplyError
		if errors.As(err, &re) && re.Rep != 0 {
			_ = writeReply(conn, re.Rep)
		}
		s.stats.connectionFailed()
		s.closeRecord(rec)
		closed = true
		s.log.Debug().Msgf("handshake with %s failed: %v", rec.ClientAddr, err)
		return
	}
	rec.setTarget(req.Host, req.Port)

	target, err := net.DialTimeout("tcp", req.Addr(), dialTimeout)
	if err != nil {
		_ = writeReply(conn, mapDialError(err))
		s.stats.connectionFailed()
		s.closeRecord(rec)
		closed = true
		s.log.Debug().Msgf("dial %s for %s failed: %v", req.Addr(), rec.ClientAddr, err)
		return
	}

	if err := writeReply(conn, RepSuccess); err != nil {
		_ = target.Close()
		s.stats.connectionFailed()
		s.closeRecord(rec)
		closed = true
		return
	}

	// Clear the negotiation deadline; the relay manages its own.
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	rec.target = target
	s.mu.Unlock()

	s.log.Debug().Msgf("relay %s ↔ %s established", rec.ClientAddr, req.Addr())
	s.relay(ctx, rec, conn, target)
	s.closeRecord(rec)
	closed = true
}

// negotiate runs greeting, optional RFC 1929 auth, and the request phase.
func (s *Server) negotiate(conn net.Conn) (*Request, error) {
	methods, err := readGreeting(conn)
	if err != nil {
		return nil, err
	}

	method := chooseMethod(methods, s.cfg.AuthRequired)
	if _, err := conn.Write([]byte{Version, method}); err != nil {
		return nil, protocolErr("write method selection: %v", err)
	}
	if method == methodNoAcceptable {
		return nil, protocolErr("no acceptable auth method offered")
	}

	if method == methodUserPass {
		if err := readUserPass(conn, s.cfg.Username, s.cfg.Password); err != nil {
			if errors.Is(err, errAuthFailed) {
				_, _ = conn.Write([]byte{authVersion, authStatusFail})
			}
			return nil, err
		}
		if _, err := conn.Write([]byte{authVersion, authStatusOK}); err != nil {
			return nil, protocolErr("write auth status: %v", err)
		}
	}

	return readRequest(conn)
}

// mapDialError translates a dial failure to its RFC 1928 reply code.
func mapDialError(err error) byte {
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return RepHostUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return RepHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return RepConnectionRefused
	}
	return RepGeneralFailure
}

// relay copies bytes in both directions until either side ends, the engine
// shuts down, or the inactivity deadline passes. Both sockets are closed
// unconditionally before returning.
func (s *Server) relay(ctx context.Context, rec *ConnectionRecord, client, target net.Conn) {
	var once sync.Once
	closeBoth := func() {
		_ = client.Close()
		_ = target.Close()
	}
	defer once.Do(closeBoth)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.copyHalf(ctx, target, client, &rec.bytesSent)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		s.copyHalf(ctx, client, target, &rec.bytesReceived)
		once.Do(closeBoth)
	}()
	wg.Wait()
}

// copyHalf forwards one direction, waking every relayPoll tick to observe
// cancellation and the inactivity deadline.
func (s *Server) copyHalf(ctx context.Context, dst, src net.Conn, counter *atomic.Int64) {
	buf := make([]byte, s.cfg.BufferSize)
	lastActivity := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = src.SetReadDeadline(time.Now().Add(relayPoll))

		n, err := src.Read(buf)
		if n > 0 {
			lastActivity = time.Now()
			_ = dst.SetWriteDeadline(time.Now().Add(relayIdleTimeout))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			counter.Add(int64(n))
			s.stats.addBytes(int64(n))
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if time.Since(lastActivity) >= relayIdleTimeout {
					return
				}
				continue
			}
			// EOF or a hard socket error ends the relay.
			return
		}
	}
}

// closeRecord finishes the record and releases the map entry's liveness
// accounting. Completed records stay visible until the engine stops.
func (s *Server) closeRecord(rec *ConnectionRecord) {
	if rec.close(time.Now()) {
		s.stats.connectionClosed()
	}
}
