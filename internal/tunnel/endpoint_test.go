package tunnel

import (
	"testing"

	"github.com/me-verner/sockstun/internal/config"
)

func TestEndpointsFor_Derivation(t *testing.T) {
	cfg := &config.Config{
		RemoteHost:     "203.0.113.7",
		RemoteUser:     "root",
		SSHPort:        22,
		BaseRemotePort: 1080,
		BaseLocalPort:  8880,
		CanaryHost:     "127.0.0.1",
		CanaryPort:     19000,
	}

	eps := EndpointsFor(cfg, []int{1080, 1081, 1082})
	if len(eps) != 3 {
		t.Fatalf("endpoints = %d, want 3", len(eps))
	}

	wantLocal := []int{8880, 8881, 8882}
	seen := make(map[int]bool)
	for i, ep := range eps {
		if ep.LocalSocksPort != wantLocal[i] {
			t.Errorf("endpoint %d: local port = %d, want %d", i, ep.LocalSocksPort, wantLocal[i])
		}
		if seen[ep.LocalSocksPort] {
			t.Errorf("duplicate local port %d", ep.LocalSocksPort)
		}
		seen[ep.LocalSocksPort] = true
		if ep.RemoteHost != cfg.RemoteHost || ep.CanaryPort != cfg.CanaryPort {
			t.Errorf("endpoint %d did not inherit fleet config: %+v", i, ep)
		}
	}
}
