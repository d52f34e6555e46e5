package fleet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/me-verner/sockstun/internal/tunnel"
)

// ---- interval backoff ----------------------------------------------------

func TestMonitor_TickInterval(t *testing.T) {
	m := NewMonitor(New(zerolog.Nop()), 30*time.Second, 5, zerolog.Nop())

	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second}, // 480s capped
		{5, 300 * time.Second},
		{9, 300 * time.Second}, // exponent clamped at 5
	}
	for _, tt := range tests {
		m.consecutiveBad = tt.consecutive
		if got := m.tickInterval(); got != tt.want {
			t.Errorf("consecutive=%d: interval = %s, want %s", tt.consecutive, got, tt.want)
		}
	}
}

// ---- probe application ---------------------------------------------------

func markRunning(s *tunnel.Supervisor) {
	// One healthy observation leaves a fresh supervisor Running with a zero
	// failure count.
	s.ApplyProbe(true, true)
}

func TestMonitor_TickCountsFailures(t *testing.T) {
	f := New(zerolog.Nop())
	sup := newSupervisor(t, 1080, 8880)
	_ = f.Add(sup)
	markRunning(sup)

	m := NewMonitor(f, time.Hour, 100, zerolog.Nop())
	m.probeSSH = func(context.Context, *tunnel.Supervisor) bool { return false }
	m.probeSOCKS = func(context.Context, *tunnel.Supervisor) bool { return false }

	for i := 1; i <= 3; i++ {
		if unhealthy := m.tick(context.Background()); !unhealthy {
			t.Fatal("tick with failing probes should report unhealthy")
		}
		if got := sup.FailureCount(); got != i {
			t.Errorf("after tick %d: failure count = %d", i, got)
		}
	}
	if got := sup.Status(); got != tunnel.StatusFailed {
		t.Errorf("status = %s, want failed when both probes fail", got)
	}
}

func TestMonitor_TickSkipsStopped(t *testing.T) {
	f := New(zerolog.Nop())
	sup := newSupervisor(t, 1080, 8880)
	_ = f.Add(sup)

	probed := false
	m := NewMonitor(f, time.Hour, 5, zerolog.Nop())
	m.probeSSH = func(context.Context, *tunnel.Supervisor) bool { probed = true; return true }
	m.probeSOCKS = m.probeSSH

	if unhealthy := m.tick(context.Background()); unhealthy {
		t.Error("fleet of stopped supervisors is not unhealthy")
	}
	if probed {
		t.Error("stopped supervisors must not be probed")
	}
}

func TestMonitor_HealthyTickDecaysCount(t *testing.T) {
	f := New(zerolog.Nop())
	sup := newSupervisor(t, 1080, 8880)
	_ = f.Add(sup)
	markRunning(sup)

	m := NewMonitor(f, time.Hour, 100, zerolog.Nop())
	m.probeSSH = func(context.Context, *tunnel.Supervisor) bool { return false }
	m.probeSOCKS = func(context.Context, *tunnel.Supervisor) bool { return false }
	m.tick(context.Background())
	m.tick(context.Background())

	m.probeSSH = func(context.Context, *tunnel.Supervisor) bool { return true }
	m.probeSOCKS = m.probeSSH
	if unhealthy := m.tick(context.Background()); unhealthy {
		t.Error("healthy tick should not report unhealthy")
	}
	if got := sup.FailureCount(); got != 1 {
		t.Errorf("failure count = %d, want 2-1=1", got)
	}
	if got := sup.Status(); got != tunnel.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

// ---- recovery ------------------------------------------------------------

// A supervisor whose failure count crosses the threshold is recovered.
// The recovery here fails fast (its local port is occupied), which is enough
// to observe the recovery path end to end without a live SSH server.
func TestMonitor_TriggersRecovery(t *testing.T) {
	// Keep the local port occupied so the recovery's engine bind fails fast.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	localPort := occupied.Addr().(*net.TCPAddr).Port

	f := New(zerolog.Nop())
	sup := newSupervisor(t, 1080, localPort)
	_ = f.Add(sup)
	markRunning(sup)

	m := NewMonitor(f, time.Hour, 2, zerolog.Nop())
	m.probeSSH = func(context.Context, *tunnel.Supervisor) bool { return false }
	m.probeSOCKS = func(context.Context, *tunnel.Supervisor) bool { return false }

	ctx := context.Background()
	m.tick(ctx) // count 1
	m.tick(ctx) // count 2 → recovery launched

	m.recoveryWorkers.Wait()
	if got := sup.Status(); got != tunnel.StatusFailed {
		t.Errorf("status after failed recovery = %s, want failed", got)
	}
	if m.isRecovering(1080) {
		t.Error("recovery bookkeeping should be cleared when the worker ends")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	f := New(zerolog.Nop())
	m := NewMonitor(f, 10*time.Millisecond, 5, zerolog.Nop())

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
