package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// handleGetStats returns a summary of the relay.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.Stats())
}

// handleGetSessions returns the live sessions.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.relay.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetHandoffs returns the pending hand-offs.
func (s *Server) handleGetHandoffs(c *gin.Context) {
	handoffs := s.relay.Handoffs()
	c.JSON(http.StatusOK, gin.H{
		"handoffs": handoffs,
		"total":    len(handoffs),
	})
}

// handleGetLogEntries returns recent log entries, optionally only those of
// one level.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	level := strings.ToLower(c.Query("level"))
	entries, err := readRecentLogEntries(s.cfg.GetLogging().Directory, count, level)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log line.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Keys lifted out of the JSON line into logEntry fields.
var knownLogKeys = map[string]bool{
	"level": true, "time": true, "message": true,
	"caller": true, "app": true, "component": true,
}

// latestLogFile returns the newest *.log file in dir. Log file names embed
// the date, so name order is age order.
func latestLogFile(dir string) (string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			return filepath.Join(dir, dirEntries[i].Name()), nil
		}
	}
	return "", nil
}

// readRecentLogEntries returns up to count entries from the end of the newest
// log file. A non-empty level keeps only entries of that level.
func readRecentLogEntries(logDir string, count int, level string) ([]logEntry, error) {
	latest, err := latestLogFile(logDir)
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")

	var result []logEntry
	for i := len(lines) - 1; i >= 0 && len(result) < count; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		entry := parseLogLine(line)
		if level != "" && entry.Level != level {
			continue
		}
		result = append(result, entry)
	}

	// Oldest first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if result == nil {
		result = []logEntry{}
	}
	return result, nil
}

func parseLogLine(line string) logEntry {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return logEntry{Message: line}
	}

	entry := logEntry{
		Timestamp: stringFromMap(raw, "time"),
		Level:     stringFromMap(raw, "level"),
		Component: stringFromMap(raw, "component"),
		Message:   stringFromMap(raw, "message"),
	}

	extra := make(map[string]interface{})
	for k, v := range raw {
		if !knownLogKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		entry.Fields = extra
	}
	return entry
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
