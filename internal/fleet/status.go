package fleet

import (
	"fmt"
	"sort"
	"time"

	"github.com/me-verner/sockstun/internal/socks5"
	"github.com/me-verner/sockstun/internal/tunnel"
)

// EndpointStatus is one row of the status view.
type EndpointStatus struct {
	RemotePort     int
	SSHStatus      tunnel.Status
	LocalSocksPort int
	SocksStatus    socks5.Status
	Uptime         string
	FailureCount   int
	LastError      string
	Socks          socks5.Stats
}

// Snapshot renders the read-only status view, one self-consistent row per
// endpoint, ordered by remote port. It never mutates fleet state.
func (f *Fleet) Snapshot() []EndpointStatus {
	sups := f.All()
	rows := make([]EndpointStatus, 0, len(sups))
	for _, s := range sups {
		st := s.Snapshot()
		rows = append(rows, EndpointStatus{
			RemotePort:     st.RemotePort,
			SSHStatus:      st.Status,
			LocalSocksPort: st.LocalSocksPort,
			SocksStatus:    st.Socks.Status,
			Uptime:         FormatUptime(st.StartTime, time.Now()),
			FailureCount:   st.FailureCount,
			LastError:      st.LastError,
			Socks:          st.Socks.Stats,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RemotePort < rows[j].RemotePort })
	return rows
}

// FormatUptime floor-formats the time since start as HH:MM.
// A zero start reads as 00:00.
func FormatUptime(start, now time.Time) string {
	if start.IsZero() || now.Before(start) {
		return "00:00"
	}
	elapsed := now.Sub(start)
	hours := int(elapsed.Hours())
	minutes := int(elapsed.Minutes()) % 60
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}
