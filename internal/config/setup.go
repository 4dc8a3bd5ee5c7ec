package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard prompts for the settings a fresh install cannot guess and
// saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           relaygate - First Run Setup        ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()

	fmt.Fprintln(out, "── Relay ──")
	cfg.Relay.PublicHost = promptString(reader, out, "Public host clients reach the relay at ('auto' to detect)", cfg.Relay.PublicHost)
	cfg.Relay.ListenPort = promptInt(reader, out, "Relay UDP port", cfg.Relay.ListenPort)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Upstream ──")
	cfg.Upstream.LookupHost = promptString(reader, out, "Lookup host", cfg.Upstream.LookupHost)
	cfg.Upstream.LookupAddress = promptString(reader, out, "Lookup IP override (blank for DNS)", cfg.Upstream.LookupAddress)
	cfg.Upstream.Version = promptString(reader, out, "Game version", cfg.Upstream.Version)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Bootstrap API ──")
	cfg.API.Enabled = promptBool(reader, out, "Serve the HTTPS bootstrap endpoint", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = promptInt(reader, out, "HTTPS port", cfg.API.Port)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "Broker host", cfg.MQTT.BrokerURL)
	}

	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved to", cfg.Path())
	fmt.Fprintln(out)

	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
