// Package config handles configuration loading, validation, and persistence
// for the relay.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultRelayPort  = 17091
	DefaultAPIPort    = 443
	DefaultLookupHost = "www.growtopia1.com"
	DefaultLookupPath = "/growtopia/server_data.php"
	DefaultUserAgent  = "UbiServices_SDK_2022.Release.9_PC64_ansi_static"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay    RelayConfig    `json:"relay"`
	Upstream UpstreamConfig `json:"upstream"`
	Rewrite  RewriteConfig  `json:"rewrite"`
	Handoff  HandoffConfig  `json:"handoff"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

// RelayConfig controls the client-facing listener and the address the relay
// advertises to clients.
type RelayConfig struct {
	ListenIP   string `json:"listen_ip"`
	ListenPort int    `json:"listen_port"`

	// PublicHost is written into rewritten hand-off instructions and the
	// bootstrap response. Clients must be able to reach it.
	PublicHost string `json:"public_host"`

	MaxPeers         int `json:"max_peers"`
	MaxConnPerSec    int `json:"max_conn_per_sec"`
	IdleTimeoutSec   int `json:"idle_timeout_sec"`
	PendingQueueSize int `json:"pending_queue_size"`
}

// UpstreamConfig describes the backend-address lookup.
type UpstreamConfig struct {
	LookupHost string `json:"lookup_host"`
	// LookupAddress optionally pins the IP the lookup connects to while the
	// Host header still carries HostHeader.
	LookupAddress string `json:"lookup_address"`
	LookupPath    string `json:"lookup_path"`
	HostHeader    string `json:"host_header"`
	Version       string `json:"version"`
	Platform      string `json:"platform"`
	Protocol      int    `json:"protocol"`
	UserAgent     string `json:"user_agent"`
	TimeoutSec    int    `json:"timeout_sec"`
	InsecureTLS   bool   `json:"insecure_tls"`
}

// RewriteConfig holds the values injected by the rewrite rules.
type RewriteConfig struct {
	Country       string `json:"country"`
	ConsolePrefix string `json:"console_prefix"`
}

// HandoffConfig controls how long a captured hand-off waits for the client.
type HandoffConfig struct {
	TTLSec           int `json:"ttl_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

// APIConfig holds the HTTPS bootstrap and status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenIP       string   `json:"listen_ip"`
	Port           int      `json:"port"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	MetricsEnabled bool     `json:"metrics_enabled"`

	// AdminToken guards the management routes. Empty disables auth.
	AdminToken string `json:"admin_token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `json:"level"`
	Directory   string `json:"directory"`
	MaxBackups  int    `json:"max_backups"`
	Console     bool   `json:"console"`
	DumpPackets bool   `json:"dump_packets"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenIP:         "0.0.0.0",
			ListenPort:       DefaultRelayPort,
			PublicHost:       "127.0.0.1",
			MaxPeers:         1024,
			MaxConnPerSec:    10,
			IdleTimeoutSec:   300,
			PendingQueueSize: 64,
		},
		Upstream: UpstreamConfig{
			LookupHost:  DefaultLookupHost,
			LookupPath:  DefaultLookupPath,
			HostHeader:  DefaultLookupHost,
			Version:     "4.47",
			Platform:    "0",
			Protocol:    201,
			UserAgent:   DefaultUserAgent,
			TimeoutSec:  10,
			InsecureTLS: true,
		},
		Rewrite: RewriteConfig{
			Country:       "jp",
			ConsolePrefix: "`4[PROXY]`` ",
		},
		Handoff: HandoffConfig{
			TTLSec:           120,
			SweepIntervalSec: 15,
		},
		API: APIConfig{
			Enabled:        true,
			ListenIP:       "0.0.0.0",
			Port:           DefaultAPIPort,
			TLSEnabled:     true,
			TLSCertFile:    filepath.Join(DefaultConfigDir, "cert.pem"),
			TLSKeyFile:     filepath.Join(DefaultConfigDir, "key.pem"),
			RateLimitRPS:   100,
			MetricsEnabled: true,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "relaygate",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file lists options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRelay returns a copy of the relay settings.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetUpstream returns a copy of the lookup settings.
func (c *Config) GetUpstream() UpstreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Upstream
}

// GetRewrite returns a copy of the rewrite settings.
func (c *Config) GetRewrite() RewriteConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rewrite
}

// GetHandoff returns a copy of the hand-off settings.
func (c *Config) GetHandoff() HandoffConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Handoff
}

// GetAPI returns a copy of the API settings.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT settings.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging settings.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SetPublicHost changes the advertised relay host.
func (c *Config) SetPublicHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.PublicHost = host
}

// Path returns the file backing this configuration.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether the relay still needs its advertised host set.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay.PublicHost == ""
}

// ListenAddr returns the relay listener address.
func (r RelayConfig) ListenAddr() string {
	return net.JoinHostPort(r.ListenIP, strconv.Itoa(r.ListenPort))
}

// IdleTimeout returns the peer idle timeout.
func (r RelayConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutSec) * time.Second
}

// Timeout returns the lookup timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}

// TTL returns how long a captured hand-off stays valid.
func (h HandoffConfig) TTL() time.Duration {
	return time.Duration(h.TTLSec) * time.Second
}

// SweepInterval returns the hand-off expiry sweep period.
func (h HandoffConfig) SweepInterval() time.Duration {
	return time.Duration(h.SweepIntervalSec) * time.Second
}

// ListenAddr returns the API listener address.
func (a APIConfig) ListenAddr() string {
	return net.JoinHostPort(a.ListenIP, strconv.Itoa(a.Port))
}
