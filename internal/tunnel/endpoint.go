// Package tunnel couples one SOCKS5 engine with one SSH reverse-tunnel child
// process and supervises their shared lifecycle.
package tunnel

import (
	"github.com/me-verner/sockstun/internal/config"
)

// Endpoint is the immutable description of one supervised tunnel.
type Endpoint struct {
	// RemoteHost/RemoteUser/SSHPort identify the SSH server.
	RemoteHost string
	RemoteUser string
	SSHPort    int

	// RemotePort is the port the remote side exposes to its clients.
	RemotePort int
	// LocalSocksPort is the loopback port the SOCKS5 engine binds, derived
	// from RemotePort by the configured base offset.
	LocalSocksPort int

	// Canary is the target used by the full-connection probe.
	CanaryHost string
	CanaryPort int
}

// EndpointsFor derives one Endpoint per remote port from the configuration.
// The derived local ports have already been validated for range and
// collisions by config.ValidateDerivedPorts.
func EndpointsFor(cfg *config.Config, remotePorts []int) []Endpoint {
	eps := make([]Endpoint, 0, len(remotePorts))
	for _, rp := range remotePorts {
		eps = append(eps, Endpoint{
			RemoteHost:     cfg.RemoteHost,
			RemoteUser:     cfg.RemoteUser,
			SSHPort:        cfg.SSHPort,
			RemotePort:     rp,
			LocalSocksPort: cfg.LocalPortFor(rp),
			CanaryHost:     cfg.CanaryHost,
			CanaryPort:     cfg.CanaryPort,
		})
	}
	return eps
}
