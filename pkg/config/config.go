package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ServerConfig holds the full server configuration, sourced from the
// environment. Every tunnel lives under one of AllowedHosts as
// <sub>.<host>.
type ServerConfig struct {
	InstanceID         string        `mapstructure:"instance_id"`
	RemotePort         int           `mapstructure:"remote_port"`
	ControlPort        int           `mapstructure:"control_port"`
	NetPort            int           `mapstructure:"net_port"`
	AllowedHosts       []string      `mapstructure:"-"`
	BlockedSubDomains  []string      `mapstructure:"-"`
	BlockedIPs         []net.IP      `mapstructure:"-"`
	MasterSigKey       string        `mapstructure:"master_sig_key"`
	TunnelHost         string        `mapstructure:"tunnel_host"`
	GossipDNSHost      string        `mapstructure:"-"`
	HoneycombAPIKey    string        `mapstructure:"honeycomb_api_key"`
	DBConnectionString string        `mapstructure:"db_connection_string"`
	RedisURL           string        `mapstructure:"redis_url"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
}

// LoadServerConfig loads the server configuration from the environment
func LoadServerConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("remote_port", 8080)
	v.SetDefault("control_port", 5000)
	v.SetDefault("net_port", 6000)
	v.SetDefault("tunnel_host", "tunnelto.dev")
	v.SetDefault("db_connection_string", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("ping_interval", "30s")

	// The deployment environment uses bare variable names
	bind := map[string]string{
		"remote_port":          "PORT",
		"control_port":         "CTRL_PORT",
		"net_port":             "NET_PORT",
		"allowed_hosts":        "ALLOWED_HOSTS",
		"blocked_sub_domains":  "BLOCKED_SUB_DOMAINS",
		"blocked_ips":          "BLOCKED_IPS",
		"master_sig_key":       "MASTER_SIG_KEY",
		"tunnel_host":          "TUNNEL_HOST",
		"fly_app_name":         "FLY_APP_NAME",
		"honeycomb_api_key":    "HONEYCOMB_API_KEY",
		"db_connection_string": "DB_CONNECTION_STRING",
		"redis_url":            "REDIS_URL",
		"log_level":            "LOG_LEVEL",
		"log_format":           "LOG_FORMAT",
		"ping_interval":        "PING_INTERVAL",
	}
	for key, env := range bind {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.InstanceID = uuid.New().String()
	cfg.AllowedHosts = splitList(v.GetString("allowed_hosts"))
	cfg.BlockedSubDomains = splitList(v.GetString("blocked_sub_domains"))

	for _, raw := range splitList(v.GetString("blocked_ips")) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid blocked ip: %q", raw)
		}
		cfg.BlockedIPs = append(cfg.BlockedIPs, ip)
	}

	// Fleet discovery follows the fly.io internal DNS convention
	if app := v.GetString("fly_app_name"); app != "" {
		cfg.GossipDNSHost = fmt.Sprintf("global.%s.internal", app)
	}

	return &cfg, nil
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	for name, port := range map[string]int{
		"PORT":      c.RemotePort,
		"CTRL_PORT": c.ControlPort,
		"NET_PORT":  c.NetPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}

	if c.TunnelHost == "" {
		return fmt.Errorf("tunnel host cannot be empty")
	}

	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// IPBlocked reports whether the peer address is on the block list
func (c *ServerConfig) IPBlocked(ip net.IP) bool {
	for _, blocked := range c.BlockedIPs {
		if blocked.Equal(ip) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ClientConfig holds the client agent configuration. The control endpoint
// comes from the environment; forwarding options come from flags.
type ClientConfig struct {
	ControlHost   string
	ControlPort   int
	ControlTLSOff bool
	LocalHost     string
	LocalPort     int
	UseTLS        bool
	SubDomain     string
	SecretKey     string
	DashboardPort int
	Verbose       bool
}

const (
	defaultControlHost = "wormhole.tunnelto.dev"
	defaultControlPort = 5000
)

// LoadClientConfig loads the control endpoint settings from the environment
func LoadClientConfig() (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("ctrl_host", defaultControlHost)
	v.SetDefault("ctrl_port", defaultControlPort)
	v.SetDefault("ctrl_tls_off", false)

	for key, env := range map[string]string{
		"ctrl_host":    "CTRL_HOST",
		"ctrl_port":    "CTRL_PORT",
		"ctrl_tls_off": "CTRL_TLS_OFF",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	return &ClientConfig{
		ControlHost:   v.GetString("ctrl_host"),
		ControlPort:   v.GetInt("ctrl_port"),
		ControlTLSOff: v.GetBool("ctrl_tls_off"),
		LocalHost:     "localhost",
		LocalPort:     8000,
	}, nil
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	if c.ControlHost == "" {
		return fmt.Errorf("control host cannot be empty")
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", c.ControlPort)
	}
	if c.LocalHost == "" {
		return fmt.Errorf("local host cannot be empty")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local port: %d", c.LocalPort)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("invalid dashboard port: %d", c.DashboardPort)
	}
	return nil
}

// ControlURL returns the websocket URL of the control endpoint
func (c *ClientConfig) ControlURL() string {
	scheme := "wss"
	if c.ControlTLSOff {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s:%d/wormhole", scheme, c.ControlHost, c.ControlPort)
}

// LocalAddr returns the host:port the client forwards traffic to
func (c *ClientConfig) LocalAddr() string {
	return net.JoinHostPort(c.LocalHost, fmt.Sprintf("%d", c.LocalPort))
}
