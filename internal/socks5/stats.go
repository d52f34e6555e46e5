package socks5

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the engine state machine.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusUnhealthy Status = "unhealthy"
)

// proxyStats aggregates per-server counters. Mutations happen on the accept
// worker and the relay workers; readers take Snapshot, so every field change
// stays behind the mutex.
type proxyStats struct {
	mu         sync.Mutex
	total      int64
	active     int64
	failed     int64
	totalBytes int64
	startTime  time.Time
}

func (p *proxyStats) reset(now time.Time) {
	p.mu.Lock()
	p.total, p.active, p.failed, p.totalBytes = 0, 0, 0, 0
	p.startTime = now
	p.mu.Unlock()
}

func (p *proxyStats) connectionOpened() {
	p.mu.Lock()
	p.total++
	p.active++
	p.mu.Unlock()
}

// connectionClosed is called exactly once per opened connection.
func (p *proxyStats) connectionClosed() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
}

func (p *proxyStats) connectionFailed() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
}

func (p *proxyStats) addBytes(n int64) {
	p.mu.Lock()
	p.totalBytes += n
	p.mu.Unlock()
}

func (p *proxyStats) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:      p.total,
		Active:     p.active,
		Failed:     p.failed,
		TotalBytes: p.totalBytes,
		StartTime:  p.startTime,
	}
}

// Stats is a point-in-time copy of the server counters.
type Stats struct {
	Total      int64
	Active     int64
	Failed     int64
	TotalBytes int64
	StartTime  time.Time
}

// SuccessRate is total/(total+failed); an empty sample reads as fully healthy.
func (s Stats) SuccessRate() float64 {
	if s.Total+s.Failed == 0 {
		return 100.0
	}
	return float64(s.Total) / float64(s.Total+s.Failed) * 100.0
}

// Snapshot couples the counters with the engine status.
type Snapshot struct {
	Status Status
	Stats  Stats
}

// ConnectionRecord tracks one accepted client for the engine's lifetime.
// The byte counters are written only by the connection's relay worker.
type ConnectionRecord struct {
	ID         uint64
	StartTime  time.Time
	ClientAddr string

	mu         sync.Mutex
	targetAddr string
	targetPort int
	active     bool
	endTime    time.Time

	bytesSent     atomic.Int64 // client → target
	bytesReceived atomic.Int64 // target → client

	// Socket handles, kept so Stop can force-unblock the relay workers.
	client net.Conn
	target net.Conn
}

func (c *ConnectionRecord) setTarget(host string, port int) {
	c.mu.Lock()
	c.targetAddr = host
	c.targetPort = port
	c.mu.Unlock()
}

// close marks the record finished. Safe to call more than once; only the
// first call flips active.
func (c *ConnectionRecord) close(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.active = false
	c.endTime = now
	return true
}

// BytesSent reports client→target bytes relayed so far.
func (c *ConnectionRecord) BytesSent() int64 { return c.bytesSent.Load() }

// BytesReceived reports target→client bytes relayed so far.
func (c *ConnectionRecord) BytesReceived() int64 { return c.bytesReceived.Load() }

// Active reports whether the relay is still live.
func (c *ConnectionRecord) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// View is the exported read-only projection of a ConnectionRecord.
type View struct {
	ID            uint64
	StartTime     time.Time
	EndTime       time.Time
	ClientAddr    string
	TargetAddr    string
	TargetPort    int
	Active        bool
	BytesSent     int64
	BytesReceived int64
}

func (c *ConnectionRecord) view() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		ID:            c.ID,
		StartTime:     c.StartTime,
		EndTime:       c.endTime,
		ClientAddr:    c.ClientAddr,
		TargetAddr:    c.targetAddr,
		TargetPort:    c.targetPort,
		Active:        c.active,
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
	}
}
