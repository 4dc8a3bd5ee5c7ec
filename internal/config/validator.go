package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateRelay(cfg.GetRelay(), result)
	validateUpstream(cfg.GetUpstream(), result)
	validateRewrite(cfg.GetRewrite(), result)
	validateHandoff(cfg.GetHandoff(), result)
	validateAPI(cfg.GetAPI(), result)
	validateMQTT(cfg.GetMQTT(), result)

	return result
}

func validateRelay(r RelayConfig, result *ValidationResult) {
	validateIP(r.ListenIP, "relay.listen_ip", result)
	validatePort(r.ListenPort, "relay.listen_port", result)

	if strings.TrimSpace(r.PublicHost) == "" {
		result.AddError("relay.public_host", "public host is required: clients are redirected to it on hand-off")
	} else if strings.Contains(r.PublicHost, "|") {
		result.AddError("relay.public_host", "public host must not contain '|'")
	}

	if r.MaxPeers < 1 {
		result.AddError("relay.max_peers", "must allow at least 1 peer")
	}
	if r.PendingQueueSize < 1 {
		result.AddError("relay.pending_queue_size", "must buffer at least 1 message")
	}
	if r.MaxConnPerSec < 1 {
		result.AddWarning("relay.max_conn_per_sec", "connect rate limit is disabled")
	}
	if r.IdleTimeoutSec < 30 {
		result.AddWarning("relay.idle_timeout_sec", "idle timeout under 30s may drop players in menus")
	}
}

func validateUpstream(u UpstreamConfig, result *ValidationResult) {
	if strings.TrimSpace(u.LookupHost) == "" && strings.TrimSpace(u.LookupAddress) == "" {
		result.AddError("upstream.lookup_host", "lookup host or lookup address is required")
	}
	if u.LookupAddress != "" {
		validateIP(u.LookupAddress, "upstream.lookup_address", result)
	}
	if !strings.HasPrefix(u.LookupPath, "/") {
		result.AddError("upstream.lookup_path", "path must start with '/'")
	}
	if strings.TrimSpace(u.Version) == "" {
		result.AddError("upstream.version", "game version is required")
	}
	if u.Protocol < 1 {
		result.AddError("upstream.protocol", "protocol number must be positive")
	}
	if u.TimeoutSec < 1 {
		result.AddError("upstream.timeout_sec", "timeout must be at least 1 second")
	}
	if !u.InsecureTLS {
		result.AddWarning("upstream.insecure_tls", "certificate verification is on; the lookup host often serves an untrusted certificate")
	}
}

func validateRewrite(r RewriteConfig, result *ValidationResult) {
	if strings.ContainsAny(r.Country, "|\n") {
		result.AddError("rewrite.country", "country must not contain '|' or newlines")
	}
	if r.Country == "" {
		result.AddWarning("rewrite.country", "empty country is sent to the server as-is")
	}
}

func validateHandoff(h HandoffConfig, result *ValidationResult) {
	if h.TTLSec < 1 {
		result.AddError("handoff.ttl_sec", "hand-off TTL must be at least 1 second")
	}
	if h.SweepIntervalSec < 1 {
		result.AddError("handoff.sweep_interval_sec", "sweep interval must be at least 1 second")
	}
	if h.TTLSec > 0 && h.TTLSec < 10 {
		result.AddWarning("handoff.ttl_sec", "clients may not reconnect within a TTL under 10s")
	}
}

func validateAPI(a APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}

	validateIP(a.ListenIP, "api.listen_ip", result)
	validatePort(a.Port, "api.port", result)

	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
		if a.TLSCertFile != "" {
			if _, err := os.Stat(a.TLSCertFile); os.IsNotExist(err) {
				result.AddWarning("api.tls_cert_file",
					fmt.Sprintf("%s does not exist, a self-signed certificate will be generated", a.TLSCertFile))
			}
		}
	} else {
		result.AddWarning("api.tls_enabled", "the game client only queries the bootstrap endpoint over HTTPS")
	}

	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if a.AdminToken == "" {
		result.AddWarning("api.admin_token", "management routes are unauthenticated")
	} else if len(a.AdminToken) < 16 {
		result.AddWarning("api.admin_token", "admin token is shorter than 16 characters")
	}
}

func validateMQTT(m MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.TopicPrefix == "" {
		result.AddWarning("mqtt.topic_prefix", "events will be published at the topic root")
	}
}

func validateIP(ip, field string, result *ValidationResult) {
	if net.ParseIP(ip) == nil {
		result.AddError(field, fmt.Sprintf("invalid IP address: %q", ip))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
