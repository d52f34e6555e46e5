package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ---- fixtures ------------------------------------------------------------

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// freePort grabs an ephemeral port and releases it for the test to reuse.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot allocate test port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// startEcho runs a TCP echo target and returns its address parts.
func startEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func startServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           freePort(t),
		MaxConnections: 50,
		BufferSize:     8192,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial engine: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// mustRead reads exactly len(buf) bytes.
func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func mustWrite(t *testing.T, conn net.Conn, b []byte) {
	t.Helper()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connectThrough completes a NO-AUTH handshake plus CONNECT to host:port.
func connectThrough(t *testing.T, conn net.Conn, host string, port int) {
	t.Helper()
	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	if sel := mustRead(t, conn, 2); sel[1] != 0x00 {
		t.Fatalf("method selection = % x, want 05 00", sel)
	}

	ip := net.ParseIP(host).To4()
	req := append([]byte{0x05, 0x01, 0x00, 0x01}, ip...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	mustWrite(t, conn, req)

	rep := mustRead(t, conn, 10)
	if rep[1] != RepSuccess {
		t.Fatalf("CONNECT rep = %#02x, want success", rep[1])
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ---- Start / Stop --------------------------------------------------------

func TestServer_StartStop(t *testing.T) {
	s := startServer(t, nil)
	if !s.IsHealthy() {
		t.Error("running engine should be healthy")
	}
	if got := s.Status(); got != StatusRunning {
		t.Errorf("status = %s, want running", got)
	}

	s.Stop()
	if s.IsHealthy() {
		t.Error("stopped engine should not be healthy")
	}
	// Stop is idempotent.
	s.Stop()
	if got := s.Status(); got != StatusStopped {
		t.Errorf("status after stop = %s, want stopped", got)
	}
}

func TestServer_BindConflict(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Skipf("cannot occupy port %d: %v", port, err)
	}
	defer ln.Close()

	s := New(Config{Host: "127.0.0.1", Port: port, MaxConnections: 10}, testLogger())
	err = s.Start()
	if !errors.Is(err, ErrBind) {
		t.Errorf("start on occupied port: err = %v, want ErrBind", err)
	}
	if got := s.Status(); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestServer_MarkUnhealthyAndBack(t *testing.T) {
	s := startServer(t, nil)
	s.MarkUnhealthy()
	if got := s.Status(); got != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", got)
	}
	s.MarkHealthy()
	if got := s.Status(); got != StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

// ---- End-to-end scenarios ------------------------------------------------

func TestScenario_NoAuthRoundTrip(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	s := startServer(t, nil)

	conn := dialServer(t, s)
	connectThrough(t, conn, echoHost, echoPort)

	mustWrite(t, conn, []byte("PING"))
	if got := mustRead(t, conn, 4); string(got) != "PING" {
		t.Errorf("echo returned %q, want PING", got)
	}
	_ = conn.Close()

	waitFor(t, 3*time.Second, func() bool {
		return s.Snapshot().Stats.Active == 0
	})

	snap := s.Snapshot()
	if snap.Stats.Total != 1 {
		t.Errorf("total = %d, want 1", snap.Stats.Total)
	}
	if snap.Stats.Failed != 0 {
		t.Errorf("failed = %d, want 0", snap.Stats.Failed)
	}

	views := s.Connections()
	if len(views) != 1 {
		t.Fatalf("connection views = %d, want 1", len(views))
	}
	if views[0].BytesSent != 4 {
		t.Errorf("bytes sent = %d, want 4", views[0].BytesSent)
	}
	if views[0].BytesReceived != 4 {
		t.Errorf("bytes received = %d, want 4", views[0].BytesReceived)
	}
	if views[0].Active {
		t.Error("record should be closed")
	}
}

func TestScenario_UserPassSuccess(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	s := startServer(t, func(c *Config) {
		c.AuthRequired = true
		c.Username = "u"
		c.Password = "p"
	})

	conn := dialServer(t, s)
	mustWrite(t, conn, []byte{0x05, 0x01, 0x02})
	if sel := mustRead(t, conn, 2); sel[1] != 0x02 {
		t.Fatalf("method selection = % x, want 05 02", sel)
	}

	mustWrite(t, conn, []byte{0x01, 0x01, 'u', 0x01, 'p'})
	if st := mustRead(t, conn, 2); st[0] != 0x01 || st[1] != 0x00 {
		t.Fatalf("auth status = % x, want 01 00", st)
	}

	ip := net.ParseIP(echoHost).To4()
	req := append([]byte{0x05, 0x01, 0x00, 0x01}, ip...)
	req = binary.BigEndian.AppendUint16(req, uint16(echoPort))
	mustWrite(t, conn, req)
	if rep := mustRead(t, conn, 10); rep[1] != RepSuccess {
		t.Fatalf("CONNECT rep = %#02x, want success", rep[1])
	}

	mustWrite(t, conn, []byte("PING"))
	if got := mustRead(t, conn, 4); string(got) != "PING" {
		t.Errorf("echo returned %q, want PING", got)
	}
}

func TestScenario_UserPassFailure(t *testing.T) {
	s := startServer(t, func(c *Config) {
		c.AuthRequired = true
		c.Username = "u"
		c.Password = "p"
	})

	conn := dialServer(t, s)
	mustWrite(t, conn, []byte{0x05, 0x01, 0x02})
	mustRead(t, conn, 2)

	mustWrite(t, conn, []byte{0x01, 0x01, 'u', 0x05, 'w', 'r', 'o', 'n', 'g'})
	if st := mustRead(t, conn, 2); st[0] != 0x01 || st[1] != 0x01 {
		t.Fatalf("auth status = % x, want 01 01", st)
	}

	// Server closes after the failure reply.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed after auth failure")
	}

	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Stats.Failed == 1
	})
}

func TestScenario_UnsupportedCommand(t *testing.T) {
	s := startServer(t, nil)
	conn := dialServer(t, s)

	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	mustRead(t, conn, 2)

	mustWrite(t, conn, []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x50})
	rep := mustRead(t, conn, 10)
	want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if rep[i] != want[i] {
			t.Fatalf("reply = % x, want % x", rep, want)
		}
	}
}

// ---- Boundary behaviors --------------------------------------------------

func TestServer_ShortGreetingCloses(t *testing.T) {
	s := startServer(t, nil)
	conn := dialServer(t, s)

	// Two greeting bytes promising a method list that never arrives.
	mustWrite(t, conn, []byte{0x05, 0x01})
	_ = conn.Close()

	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Stats.Failed == 1
	})
	if !s.IsHealthy() {
		t.Error("handshake failure must not change listener state")
	}
}

func TestServer_AuthRequiredRejectsNoAuth(t *testing.T) {
	s := startServer(t, func(c *Config) {
		c.AuthRequired = true
		c.Username = "u"
		c.Password = "p"
	})
	conn := dialServer(t, s)

	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	if sel := mustRead(t, conn, 2); sel[1] != 0xFF {
		t.Fatalf("method selection = % x, want 05 ff", sel)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed after NO_ACCEPTABLE")
	}
}

func TestServer_ZeroLengthDomainCloses(t *testing.T) {
	s := startServer(t, nil)
	conn := dialServer(t, s)

	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	mustRead(t, conn, 2)
	mustWrite(t, conn, []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50})

	// Protocol error: closed with no reply.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection should be closed on zero-length domain")
	}
	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Stats.Failed == 1
	})
}

func TestServer_RefusedTargetRep(t *testing.T) {
	s := startServer(t, nil)
	conn := dialServer(t, s)

	closedPort := freePort(t)
	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	mustRead(t, conn, 2)

	req := append([]byte{0x05, 0x01, 0x00, 0x01}, 127, 0, 0, 1)
	req = binary.BigEndian.AppendUint16(req, uint16(closedPort))
	mustWrite(t, conn, req)

	rep := mustRead(t, conn, 10)
	if rep[1] != RepConnectionRefused {
		t.Errorf("rep = %#02x, want %#02x (connection refused)", rep[1], RepConnectionRefused)
	}
}

func TestServer_UnresolvableNameRep(t *testing.T) {
	s := startServer(t, nil)
	conn := dialServer(t, s)

	mustWrite(t, conn, []byte{0x05, 0x01, 0x00})
	mustRead(t, conn, 2)

	name := "host.invalid"
	req := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}, []byte(name)...)
	req = binary.BigEndian.AppendUint16(req, 80)
	mustWrite(t, conn, req)

	rep := make([]byte, 10)
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	if _, err := io.ReadFull(conn, rep); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if rep[1] != RepHostUnreachable {
		t.Errorf("rep = %#02x, want %#02x (host unreachable)", rep[1], RepHostUnreachable)
	}
}

func TestServer_MaxConnectionsRejects(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	s := startServer(t, func(c *Config) { c.MaxConnections = 1 })

	first := dialServer(t, s)
	connectThrough(t, first, echoHost, echoPort)

	second := dialServer(t, s)
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("connection over the limit should be closed immediately")
	}

	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Stats.Failed >= 1
	})
}

// ---- Shutdown under load -------------------------------------------------

func TestServer_StopUnderLoad(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	s := startServer(t, nil)

	const streams = 10
	conns := make([]net.Conn, streams)
	for i := 0; i < streams; i++ {
		conn := dialServer(t, s)
		connectThrough(t, conn, echoHost, echoPort)
		mustWrite(t, conn, []byte("hold"))
		mustRead(t, conn, 4)
		conns[i] = conn
	}

	if got := s.Snapshot().Stats.Active; got != streams {
		t.Fatalf("active = %d, want %d", got, streams)
	}

	start := time.Now()
	s.Stop()
	if took := time.Since(start); took > 5*time.Second {
		t.Errorf("Stop under load took %s, budget is 5s", took)
	}

	snap := s.Snapshot()
	if snap.Stats.Active != 0 {
		t.Errorf("active after stop = %d, want 0", snap.Stats.Active)
	}
	for _, v := range s.Connections() {
		if v.Active {
			t.Errorf("connection %d still active after stop", v.ID)
		}
	}
}
