package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/me-verner/sockstun/internal/remote"
)

const (
	// sshProbeTimeout is the wall-clock budget for one remote port probe.
	sshProbeTimeout = 8 * time.Second

	// Connectivity validation parameters.
	connectivityAttempts = 3
	connectivitySpacing  = 2 * time.Second
	connectivityTimeout  = 15 * time.Second
	connectivityMarker   = "SSH_TEST_SUCCESS"
)

// portProbeCommand opens a TCP connection to the remote-side listener from
// inside the remote host. The /dev/tcp primitive needs bash on the far end;
// the command is a single string so an nc-based variant is a one-line swap.
func portProbeCommand(remotePort int) string {
	return fmt.Sprintf("timeout 2 bash -c '</dev/tcp/127.0.0.1/%d' 2>/dev/null", remotePort)
}

// SSHProbe checks that the reverse tunnel's remote listener is reachable from
// the remote host itself.
type SSHProbe struct {
	Runner     remote.Runner
	RemotePort int
}

// Check returns true iff the remote probe command exits zero within the
// wall-clock budget.
func (p *SSHProbe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, sshProbeTimeout)
	defer cancel()

	_, err := p.Runner.Run(ctx, portProbeCommand(p.RemotePort))
	return err == nil
}

// ValidateConnectivity confirms the remote host accepts SSH sessions and can
// execute commands. Used once before any supervisor is started.
func ValidateConnectivity(ctx context.Context, runner remote.Runner) bool {
	for attempt := 0; attempt < connectivityAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(connectivitySpacing):
			case <-ctx.Done():
				return false
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, connectivityTimeout)
		out, err := runner.Run(attemptCtx, fmt.Sprintf("echo '%s'", connectivityMarker))
		cancel()
		if err == nil && strings.Contains(out, connectivityMarker) {
			return true
		}
	}
	return false
}
