// Package remote runs short shell commands on the tunnel's remote host over
// SSH. The probes are its only consumers; tunnel traffic itself flows through
// the external ssh child owned by the supervisor.
package remote

import "context"

// Runner abstracts remote command execution so probes can be tested without
// a live SSH server.
type Runner interface {
	// Run executes a command and returns buffered stdout.
	Run(ctx context.Context, command string) (string, error)

	// Ping checks that the remote host accepts an SSH session.
	Ping(ctx context.Context) error

	// Host returns a label identifying the remote target.
	Host() string
}
