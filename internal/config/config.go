// Package config provides configuration parsing and validation for pwnat.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modes.
const (
	ModeServer = "server"
	ModeClient = "client"
)

// Session key modes.
const (
	KeyModeFull    = "full"
	KeyModeFlow    = "flow"
	KeyModeAddress = "address"
)

// Config represents the complete pwnat configuration.
type Config struct {
	Mode            string        `yaml:"mode"` // server or client
	IPv6            bool          `yaml:"ipv6"`
	BindAddress     string        `yaml:"bind_address"`
	ProxyPort       uint16        `yaml:"proxy_port"`
	EchoDestination string        `yaml:"echo_destination"` // empty selects the family default
	SignalInterval  time.Duration `yaml:"signal_interval"`

	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	DNS    DNSConfig    `yaml:"dns"`
	Health HealthConfig `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClientConfig contains the client-mode forwarding target.
type ClientConfig struct {
	LocalPort  uint16 `yaml:"local_port"`
	ProxyHost  string `yaml:"proxy_host"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort uint16 `yaml:"remote_port"`
}

// ServerConfig contains rendezvous admission settings.
type ServerConfig struct {
	// MaxSessions caps concurrent sessions; 0 is unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// SessionRate is new sessions per second; 0 is unlimited.
	SessionRate  float64 `yaml:"session_rate"`
	SessionBurst int     `yaml:"session_burst"`

	// KeyMode is full, flow or address.
	KeyMode string `yaml:"key_mode"`
}

// TunnelConfig contains reliable UDP tunnel settings.
type TunnelConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Key            string        `yaml:"key"`
	MTU            int           `yaml:"mtu"`
	Window         int           `yaml:"window"`
	BufferSize     int           `yaml:"buffer_size"`
	SocketBuffer   int           `yaml:"socket_buffer"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DNSConfig contains resolver settings. With no servers the system resolver
// is used.
type DNSConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig defines the health and metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ProxyPort:      2222,
		SignalInterval: 5 * time.Second,
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Server: ServerConfig{
			MaxSessions:  1024,
			SessionRate:  0,
			SessionBurst: 16,
			KeyMode:      KeyModeFull,
		},
		Tunnel: TunnelConfig{
			ConnectTimeout: 30 * time.Second,
			MTU:            1350,
			Window:         512,
			BufferSize:     262144, // 256 KB
			KeepAlive:      10 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		DNS: DNSConfig{
			Servers: []string{},
			Timeout: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file. The result is not validated
// so that command line flags can still fill in missing values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Decode(data)
}

// Decode parses YAML bytes over the defaults without validating.
func Decode(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Parse parses and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeServer:
	case ModeClient:
		if c.Client.LocalPort == 0 {
			errs = append(errs, "client.local_port is required")
		}
		if c.Client.ProxyHost == "" {
			errs = append(errs, "client.proxy_host is required")
		}
		if c.Client.RemoteHost == "" {
			errs = append(errs, "client.remote_host is required")
		} else if len(c.Client.RemoteHost) > 255 {
			errs = append(errs, "client.remote_host must be at most 255 bytes")
		}
		if c.Client.RemotePort == 0 {
			errs = append(errs, "client.remote_port is required")
		}
	case "":
		errs = append(errs, "mode is required (server or client)")
	default:
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be server or client)", c.Mode))
	}

	if c.ProxyPort == 0 {
		errs = append(errs, "proxy_port must be non-zero")
	}
	if c.SignalInterval <= 0 {
		errs = append(errs, "signal_interval must be positive")
	}
	if c.BindAddress != "" {
		if addr, err := netip.ParseAddr(c.BindAddress); err != nil {
			errs = append(errs, fmt.Sprintf("invalid bind_address: %s", c.BindAddress))
		} else if addr.Unmap().Is4() == c.IPv6 {
			errs = append(errs, fmt.Sprintf("bind_address %s does not match the address family", c.BindAddress))
		}
	}
	if c.EchoDestination != "" {
		if addr, err := netip.ParseAddr(c.EchoDestination); err != nil {
			errs = append(errs, fmt.Sprintf("invalid echo_destination: %s", c.EchoDestination))
		} else if addr.Unmap().Is4() == c.IPv6 {
			errs = append(errs, fmt.Sprintf("echo_destination %s does not match the address family", c.EchoDestination))
		}
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Server.MaxSessions < 0 {
		errs = append(errs, "server.max_sessions must not be negative")
	}
	if c.Server.SessionRate < 0 {
		errs = append(errs, "server.session_rate must not be negative")
	}
	if c.Server.SessionRate > 0 && c.Server.SessionBurst < 1 {
		errs = append(errs, "server.session_burst must be positive when session_rate is set")
	}
	if !isValidKeyMode(c.Server.KeyMode) {
		errs = append(errs, fmt.Sprintf("invalid server.key_mode: %s (must be full, flow, or address)", c.Server.KeyMode))
	}

	if c.Tunnel.ConnectTimeout <= 0 {
		errs = append(errs, "tunnel.connect_timeout must be positive")
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 1500 {
		errs = append(errs, "tunnel.mtu must be between 576 and 1500")
	}
	if c.Tunnel.Window < 1 {
		errs = append(errs, "tunnel.window must be positive")
	}
	if c.Tunnel.BufferSize < 1024 {
		errs = append(errs, "tunnel.buffer_size must be at least 1024")
	}
	if c.Tunnel.SocketBuffer < 0 {
		errs = append(errs, "tunnel.socket_buffer must not be negative")
	}
	if c.Tunnel.KeepAlive <= 0 {
		errs = append(errs, "tunnel.keepalive must be positive")
	}
	if c.Tunnel.IdleTimeout <= c.Tunnel.KeepAlive {
		errs = append(errs, "tunnel.idle_timeout must be greater than tunnel.keepalive")
	}

	if c.DNS.Timeout <= 0 {
		errs = append(errs, "dns.timeout must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidKeyMode(mode string) bool {
	switch mode {
	case KeyModeFull, KeyModeFlow, KeyModeAddress:
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// The tunnel key is redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.DNS.Servers = append([]string(nil), c.DNS.Servers...)
	if redacted.Tunnel.Key != "" {
		redacted.Tunnel.Key = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Tunnel.Key != ""
}
