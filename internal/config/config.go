// Package config loads the manager configuration from the environment (with
// optional .env support) and from the bare positional argument of the form
// "ip,password[,bot_token[,admin_id…]]" accepted ahead of any command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Port bounds accepted on the command line and for derived local ports.
const (
	MinPort = 1024
	MaxPort = 65535
)

// DefaultPorts is the remote port list used when none is given.
var DefaultPorts = []int{1080, 1081, 1082}

type Config struct {
	// Remote endpoint
	RemoteHost     string
	RemoteUser     string
	RemotePassword string
	SSHPort        int
	KeyFile        string // optional PEM private key path; empty = auto-detect

	// Port derivation: local_socks_port = BaseLocalPort + (remote_port - BaseRemotePort)
	BaseRemotePort int
	BaseLocalPort  int

	// SOCKS5 engine
	SOCKSAuthRequired bool
	SOCKSUsername     string
	SOCKSPassword     string
	MaxConnections    int
	BufferSize        int

	// Health probing
	CanaryHost          string
	CanaryPort          int
	HealthCheckInterval time.Duration
	MaxFailureCount     int
	RecoveryDelay       time.Duration

	// Filesystem state
	PIDDir  string
	LogFile string

	// Logging
	LogLevel string

	// Child process
	UseAutossh bool
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RemoteHost:     getEnv("TUNNEL_REMOTE_HOST", ""),
		RemoteUser:     getEnv("TUNNEL_REMOTE_USER", "root"),
		RemotePassword: getEnv("TUNNEL_REMOTE_PASSWORD", ""),
		SSHPort:        getEnvAsInt("TUNNEL_SSH_PORT", 22),
		KeyFile:        getEnv("TUNNEL_KEY_FILE", ""),

		BaseRemotePort: getEnvAsInt("TUNNEL_BASE_REMOTE_PORT", 1080),
		BaseLocalPort:  getEnvAsInt("TUNNEL_BASE_LOCAL_PORT", 8880),

		SOCKSAuthRequired: getEnvAsBool("SOCKS5_AUTH_REQUIRED", false),
		SOCKSUsername:     getEnv("SOCKS5_USERNAME", "user"),
		SOCKSPassword:     getEnv("SOCKS5_PASSWORD", "pass123"),
		MaxConnections:    getEnvAsInt("SOCKS5_MAX_CONNECTIONS", 50),
		BufferSize:        getEnvAsInt("SOCKS5_BUFFER_SIZE", 8192),

		CanaryHost:          getEnv("TUNNEL_CANARY_HOST", "1.1.1.1"),
		CanaryPort:          getEnvAsInt("TUNNEL_CANARY_PORT", 443),
		HealthCheckInterval: getEnvAsDuration("TUNNEL_HEALTH_INTERVAL", 30*time.Second),
		MaxFailureCount:     getEnvAsInt("TUNNEL_MAX_FAILURES", 5),
		RecoveryDelay:       getEnvAsDuration("TUNNEL_RECOVERY_DELAY", 10*time.Second),

		PIDDir:  getEnv("TUNNEL_PID_DIR", "/var/run/ssh_socks5_manager"),
		LogFile: getEnv("TUNNEL_LOG_FILE", "/var/log/ssh_socks5_manager.log"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		UseAutossh: getEnvAsBool("TUNNEL_USE_AUTOSSH", true),
	}

	return cfg, nil
}

// ApplySpec consumes a bare "ip,password[,bot_token[,admin_id…]]" argument.
// Only the first two fields are used by the core; trailing fields belong to
// the optional notification layer and are accepted without effect.
func (c *Config) ApplySpec(spec string) error {
	parts := strings.Split(spec, ",")
	if len(parts) < 2 {
		return fmt.Errorf("config: spec %q must be of the form ip,password[,bot_token[,admin_id…]]", spec)
	}
	host := strings.TrimSpace(parts[0])
	pass := parts[1]
	if host == "" {
		return fmt.Errorf("config: spec %q has an empty host field", spec)
	}
	c.RemoteHost = host
	c.RemotePassword = pass
	return nil
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if c.RemoteHost == "" {
		return fmt.Errorf("config: remote host is required (TUNNEL_REMOTE_HOST or the ip,password argument)")
	}
	if c.RemoteUser == "" {
		return fmt.Errorf("config: remote user is required")
	}
	if c.SSHPort < 1 || c.SSHPort > MaxPort {
		return fmt.Errorf("config: ssh port %d out of range", c.SSHPort)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: buffer size must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max connections must be positive")
	}
	return nil
}

// ParsePorts converts command-line port arguments, applying DefaultPorts when
// none are given. Each port must satisfy MinPort ≤ p ≤ MaxPort; an invalid or
// duplicate port is a configuration error.
func ParsePorts(args []string) ([]int, error) {
	if len(args) == 0 {
		return append([]int(nil), DefaultPorts...), nil
	}

	seen := make(map[int]bool, len(args))
	ports := make([]int, 0, len(args))
	for _, arg := range args {
		p, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port %q (not a number)", arg)
		}
		if p < MinPort || p > MaxPort {
			return nil, fmt.Errorf("config: invalid port %d (must be %d-%d)", p, MinPort, MaxPort)
		}
		if seen[p] {
			return nil, fmt.Errorf("config: duplicate port %d", p)
		}
		seen[p] = true
		ports = append(ports, p)
	}
	return ports, nil
}

// LocalPortFor derives the loopback SOCKS5 port for a remote port.
func (c *Config) LocalPortFor(remotePort int) int {
	return c.BaseLocalPort + (remotePort - c.BaseRemotePort)
}

// ValidateDerivedPorts rejects port lists whose derived local ports fall
// outside the usable range or collide with each other or with a remote port.
// The offset scheme assumes a dense assignment starting at BaseRemotePort;
// anything that would alias two listeners is refused up front.
func (c *Config) ValidateDerivedPorts(remotePorts []int) error {
	local := make(map[int]int, len(remotePorts)) // local port → remote port
	for _, rp := range remotePorts {
		lp := c.LocalPortFor(rp)
		if lp < MinPort || lp > MaxPort {
			return fmt.Errorf("config: remote port %d derives local port %d outside %d-%d", rp, lp, MinPort, MaxPort)
		}
		if prev, dup := local[lp]; dup {
			return fmt.Errorf("config: remote ports %d and %d derive the same local port %d", prev, rp, lp)
		}
		local[lp] = rp
	}
	for _, rp := range remotePorts {
		if orp, clash := local[rp]; clash {
			return fmt.Errorf("config: remote port %d collides with the local port derived for %d", rp, orp)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	// Bare numbers are taken as seconds.
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
