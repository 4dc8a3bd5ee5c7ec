// Package util provides shared helpers for the relaygate process: logging
// setup, certificate generation and host information.
package util

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	// DumpPackets enables trace-level hex dumps of every relayed message.
	DumpPackets bool `json:"dump_packets"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger initializes the zerolog global logger with a JSON file writer and
// an optional console writer.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	logFilePath := ""

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		logFilePath = filepath.Join(cfg.Directory, fmt.Sprintf("relaygate_%s.log", time.Now().Format("2006-01-02")))
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		writers = append(writers, logFile)
	}

	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "relaygate").
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if cfg.Directory != "" {
		go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}

	return nil
}

// cleanOldLogs removes the oldest log files beyond the retention limit.
func cleanOldLogs(directory string, maxBackups int) {
	entries, err := os.ReadDir(directory)
	if err != nil || maxBackups <= 0 {
		return
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "relaygate_") && filepath.Ext(entry.Name()) == ".log" {
			names = append(names, entry.Name())
		}
	}

	// Date-stamped names sort oldest first.
	sort.Strings(names)
	for i := 0; i < len(names)-maxBackups; i++ {
		path := filepath.Join(directory, names[i])
		if err := os.Remove(path); err == nil {
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// HexDump renders b as space-separated uppercase hex pairs, the format used
// for packet trace logs.
func HexDump(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	enc := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	sb.Grow(len(enc) + len(b))
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(enc[i : i+2])
	}
	return sb.String()
}
