package tunnel

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// outputTail bounds how much child output is retained for error reporting.
const outputTail = 4 * 1024

// ProcessConfig describes how to spawn the SSH reverse-tunnel child.
type ProcessConfig struct {
	Endpoint Endpoint

	// Password is fed over a PTY when non-empty and key auth is not in use.
	Password string
	// UseKeyAuth selects plain spawning; ssh picks up the default keys.
	UseKeyAuth bool
	// UseAutossh wraps ssh in autossh -M 0 (monitoring channel disabled).
	UseAutossh bool
}

// BuildSSHArgs assembles the exact ssh option set for one endpoint, without
// the leading binary name.
func BuildSSHArgs(ep Endpoint) []string {
	return []string{
		"-o", "ConnectTimeout=30",
		"-o", "ServerAliveInterval=5",
		"-o", "ServerAliveCountMax=3",
		"-o", "TCPKeepAlive=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "Compression=yes",
		"-N",
		"-R", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", ep.RemotePort, ep.LocalSocksPort),
		"-p", fmt.Sprintf("%d", ep.SSHPort),
		fmt.Sprintf("%s@%s", ep.RemoteUser, ep.RemoteHost),
	}
}

// commandLine returns the binary and full argument list for the child.
func commandLine(cfg ProcessConfig) (string, []string) {
	args := BuildSSHArgs(cfg.Endpoint)
	if cfg.UseAutossh {
		return "autossh", append([]string{"-M", "0"}, args...)
	}
	return "ssh", args
}

// Process owns one running SSH child. The wait worker runs for the child's
// lifetime and closes done when it exits.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File // non-nil only for password auth

	done    chan struct{}
	exitErr error

	mu     sync.Mutex
	output []byte
}

// StartProcess spawns the SSH child. With key auth the child runs detached
// from any terminal and stderr is captured directly; with password auth the
// child runs under a PTY and the password is written at the prompt.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	bin, args := commandLine(cfg)
	cmd := exec.Command(bin, args...)

	p := &Process{cmd: cmd, done: make(chan struct{})}

	if cfg.UseKeyAuth || cfg.Password == "" {
		cmd.Stderr = (*tailWriter)(p)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("tunnel: spawn %s: %w", bin, err)
		}
	} else {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("tunnel: spawn %s under pty: %w", bin, err)
		}
		p.ptmx = ptmx
		go p.answerPrompt(cfg.Password)
	}

	go func() {
		p.exitErr = cmd.Wait()
		if p.ptmx != nil {
			_ = p.ptmx.Close()
		}
		close(p.done)
	}()

	return p, nil
}

// answerPrompt scans the PTY stream, supplies the password at the first
// prompt, and keeps draining output into the tail buffer.
func (p *Process) answerPrompt(password string) {
	buf := make([]byte, 1024)
	answered := false
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.appendOutput(buf[:n])
			if !answered && strings.Contains(strings.ToLower(string(buf[:n])), "assword") {
				_, _ = p.ptmx.Write([]byte(password + "\n"))
				answered = true
			}
		}
		if err != nil {
			return
		}
	}
}

// tailWriter funnels child stderr into the process's tail buffer.
type tailWriter Process

func (w *tailWriter) Write(b []byte) (int, error) {
	(*Process)(w).appendOutput(b)
	return len(b), nil
}

func (p *Process) appendOutput(b []byte) {
	p.mu.Lock()
	p.output = append(p.output, b...)
	if len(p.output) > outputTail {
		p.output = p.output[len(p.output)-outputTail:]
	}
	p.mu.Unlock()
}

// PID returns the child process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the child is still running. The check is
// non-blocking: it only inspects the wait worker's completion.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done exposes the wait worker's completion channel.
func (p *Process) Done() <-chan struct{} { return p.done }

// LastOutput returns the retained tail of the child's output, trimmed.
func (p *Process) LastOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(string(p.output))
}

// ExitError returns the wait result; meaningful only after Done is closed.
func (p *Process) ExitError() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop terminates the child: SIGTERM, a grace window, then SIGKILL.
// Idempotent; returns once the wait worker has finished.
func (p *Process) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	_ = p.cmd.Process.Kill()
	<-p.done
}
