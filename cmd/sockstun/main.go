// Command sockstun manages a fleet of SOCKS5 proxies published through SSH
// reverse tunnels: each remote port forwards back to a local loopback SOCKS5
// engine, and a monitor loop keeps both halves alive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/me-verner/sockstun/internal/config"
	"github.com/me-verner/sockstun/internal/fleet"
	"github.com/me-verner/sockstun/internal/logging"
	"github.com/me-verner/sockstun/internal/probe"
	"github.com/me-verner/sockstun/internal/remote"
	"github.com/me-verner/sockstun/internal/tunnel"
)

// statusRefresh is how often the running status table is reprinted.
const statusRefresh = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// A bare "ip,password[,…]" argument may precede the command.
	args := os.Args[1:]
	if len(args) > 0 && strings.Contains(args[0], ",") {
		if err := cfg.ApplySpec(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		args = args[1:]
	}

	root := newRootCmd(cfg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "sockstun",
		Short:         "SSH reverse tunnels with per-endpoint SOCKS5 proxies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var force bool

	startCmd := &cobra.Command{
		Use:   "start [ports…]",
		Short: "Start tunnels with SOCKS5 proxies and monitor them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cfg, args, true)
		},
	}
	startCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite conflicting state without asking")

	monitorCmd := &cobra.Command{
		Use:   "monitor [ports…]",
		Short: "Start tunnels and monitor them, skipping the initial full test",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cfg, args, false)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop all tunnels recorded in the PID directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cfg)
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart [ports…]",
		Short: "Stop all tunnels, then start again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStop(cfg); err != nil {
				return err
			}
			return runStart(cfg, args, true)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel and SOCKS5 proxy status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cfg)
		},
	}

	testCmd := &cobra.Command{
		Use:   "test [ports…]",
		Short: "Test SSH connectivity and any running proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cfg, args)
		},
	}

	root.AddCommand(startCmd, monitorCmd, stopCmd, restartCmd, statusCmd, testCmd)
	return root
}

// runStart brings up one supervisor per port and blocks monitoring them until
// a shutdown signal arrives.
func runStart(cfg *config.Config, portArgs []string, fullTest bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ports, err := config.ParsePorts(portArgs)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDerivedPorts(ports); err != nil {
		return err
	}

	log := logging.Setup(cfg.LogLevel, cfg.LogFile)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authCfg := remote.DetectAuth(ctx, cfg.RemoteHost, cfg.SSHPort, cfg.RemoteUser, cfg.RemotePassword, cfg.KeyFile)
	useKeyAuth := authCfg.AuthType == remote.AuthKey
	if useKeyAuth {
		log.Info().Msg("using SSH key authentication")
	} else {
		log.Info().Msg("using password authentication")
	}

	runner := remote.NewSSHRunner(authCfg)
	log.Info().Msgf("testing SSH connectivity to %s", runner.Host())
	if !probe.ValidateConnectivity(ctx, runner) {
		return fmt.Errorf("SSH connectivity test failed for %s@%s:%d", cfg.RemoteUser, cfg.RemoteHost, cfg.SSHPort)
	}

	flt := fleet.New(log)
	opts := tunnel.Options{
		SOCKSAuthRequired: cfg.SOCKSAuthRequired,
		SOCKSUsername:     cfg.SOCKSUsername,
		SOCKSPassword:     cfg.SOCKSPassword,
		MaxConnections:    cfg.MaxConnections,
		BufferSize:        cfg.BufferSize,
		PIDDir:            cfg.PIDDir,
		RecoveryDelay:     cfg.RecoveryDelay,
		Password:          cfg.RemotePassword,
		UseKeyAuth:        useKeyAuth,
		UseAutossh:        cfg.UseAutossh,
	}

	endpoints := tunnel.EndpointsFor(cfg, ports)
	started := 0
	for _, ep := range endpoints {
		plog := logging.ForPort(log, ep.RemotePort)
		sup := tunnel.New(ep, opts, runner, plog)
		if err := flt.Add(sup); err != nil {
			plog.Error().Msgf("cannot register tunnel: %v", err)
			continue
		}
		plog.Info().Msgf("creating tunnel with SOCKS5 proxy on local port %d", ep.LocalSocksPort)
		if err := sup.Create(ctx); err != nil {
			plog.Error().Msgf("tunnel failed: %v", err)
			continue
		}
		started++
	}
	if ctx.Err() != nil {
		flt.StopAll()
		return nil
	}
	if started == 0 {
		flt.StopAll()
		return fmt.Errorf("failed to start any tunnel")
	}

	printConnectionInfo(cfg, endpoints)
	if fullTest {
		runFullSetupTest(ctx, flt)
	}

	mon := fleet.NewMonitor(flt, cfg.HealthCheckInterval, cfg.MaxFailureCount, log)
	mon.Start(ctx)

	// Reprint the status table until shutdown.
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-time.After(statusRefresh):
			printStatusTable(flt.Snapshot())
		}
	}

	log.Info().Msg("shutdown signal received")
	mon.Stop()
	flt.StopAll()
	return nil
}

// runStop terminates the children recorded in the PID directory.
func runStop(cfg *config.Config) error {
	log := logging.Setup(cfg.LogLevel, cfg.LogFile)

	pids := tunnel.ListPIDFiles(cfg.PIDDir)
	if len(pids) == 0 {
		fmt.Println("No running tunnels found")
		return nil
	}

	for port, pid := range pids {
		plog := logging.ForPort(log, port)
		if tunnel.PIDAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGTERM)
			deadline := time.Now().Add(5 * time.Second)
			for tunnel.PIDAlive(pid) && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
			if tunnel.PIDAlive(pid) {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			plog.Info().Msgf("stopped ssh child (pid %d)", pid)
		}
		tunnel.RemovePIDFile(cfg.PIDDir, port)
	}
	fmt.Println("All tunnels stopped")
	return nil
}

// runStatus reports liveness for every recorded tunnel without mutating
// anything: PID-file liveness for the SSH half, a staged probe for the local
// SOCKS5 half.
func runStatus(cfg *config.Config) error {
	pids := tunnel.ListPIDFiles(cfg.PIDDir)
	if len(pids) == 0 {
		fmt.Println("No running tunnels found")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSSH\tPID\tLOCAL PORT\tSOCKS5\tUPTIME")
	for _, port := range sortedKeys(pids) {
		pid := pids[port]
		sshState := "dead"
		if tunnel.PIDAlive(pid) {
			sshState = "running"
		}
		local := cfg.LocalPortFor(port)
		checker := probe.SOCKS5Checker{
			ProxyHost: "127.0.0.1", ProxyPort: local,
			CanaryHost: cfg.CanaryHost, CanaryPort: cfg.CanaryPort,
		}
		socksState := "unhealthy"
		if checker.Run(ctx).OverallHealthy {
			socksState = "healthy"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n", port, sshState, pid, local, socksState, pidFileUptime(cfg.PIDDir, port))
	}
	return w.Flush()
}

// runTest validates SSH connectivity and, for recorded tunnels, both probes.
func runTest(cfg *config.Config, portArgs []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := config.ParsePorts(portArgs); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	authCfg := remote.DetectAuth(ctx, cfg.RemoteHost, cfg.SSHPort, cfg.RemoteUser, cfg.RemotePassword, cfg.KeyFile)
	runner := remote.NewSSHRunner(authCfg)

	fmt.Println("Running connectivity tests...")
	if probe.ValidateConnectivity(ctx, runner) {
		fmt.Println("SSH Connectivity: OK")
	} else {
		fmt.Println("SSH Connectivity: Failed")
		return fmt.Errorf("SSH connectivity test failed")
	}

	for _, port := range sortedKeys(tunnel.ListPIDFiles(cfg.PIDDir)) {
		sshProbe := probe.SSHProbe{Runner: runner, RemotePort: port}
		sshOK := sshProbe.Check(ctx)
		checker := probe.SOCKS5Checker{
			ProxyHost: "127.0.0.1", ProxyPort: cfg.LocalPortFor(port),
			CanaryHost: cfg.CanaryHost, CanaryPort: cfg.CanaryPort,
		}
		res := checker.Run(ctx)
		fmt.Printf("Port %d: SSH %s | SOCKS5 %s | Full Test %s\n",
			port, mark(sshOK), mark(res.Handshake), mark(res.FullConnection))
	}
	return nil
}

// runFullSetupTest exercises every running endpoint end to end after start.
func runFullSetupTest(ctx context.Context, flt *fleet.Fleet) {
	fmt.Println("Testing full SSH + SOCKS5 setup...")
	working := 0
	total := 0
	for _, s := range flt.All() {
		if s.Status() != tunnel.StatusRunning {
			continue
		}
		total++
		sshOK := s.SSHHealthy(ctx)
		socksOK := s.SOCKSHealthy(ctx)
		fmt.Printf("Port %d: SSH %s | SOCKS5 %s\n", s.Endpoint().RemotePort, mark(sshOK), mark(socksOK))
		if sshOK && socksOK {
			working++
		}
	}
	fmt.Printf("%d/%d tunnels fully operational\n", working, total)
}

func printConnectionInfo(cfg *config.Config, endpoints []tunnel.Endpoint) {
	remotePorts := make([]string, 0, len(endpoints))
	localPorts := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		remotePorts = append(remotePorts, fmt.Sprintf("%d", ep.RemotePort))
		localPorts = append(localPorts, fmt.Sprintf("%d", ep.LocalSocksPort))
	}
	auth := "None"
	if cfg.SOCKSAuthRequired {
		auth = "Username/Password"
	}

	fmt.Printf(`
SSH + SOCKS5 Configuration:
- Remote Server: %s:%d
- SSH Tunnel Ports: %s
- Local SOCKS5 Ports: %s
- SOCKS5 Authentication: %s

Clients connect to the remote ports (%s) and receive SOCKS5 service
from the local proxies (%s).
`,
		cfg.RemoteHost, cfg.SSHPort,
		strings.Join(remotePorts, " "),
		strings.Join(localPorts, " "),
		auth,
		strings.Join(remotePorts, " "),
		strings.Join(localPorts, " "))
}

func printStatusTable(rows []fleet.EndpointStatus) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSSH\tLOCAL PORT\tSOCKS5\tUPTIME\tFAILURES\tLAST ERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%s\n",
			r.RemotePort, r.SSHStatus, r.LocalSocksPort, r.SocksStatus,
			r.Uptime, r.FailureCount, truncate(r.LastError, 40))
	}
	_ = w.Flush()
}

func pidFileUptime(dir string, port int) string {
	info, err := os.Stat(tunnel.PIDFilePath(dir, port))
	if err != nil {
		return "00:00"
	}
	return fleet.FormatUptime(info.ModTime(), time.Now())
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func mark(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
