// Package logging provides the console logger and per-run JSONL
// notification logs.
package logging

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/oac-sh/oac/internal/events"
)

// NewConsole builds the console logger from config strings.
func NewConsole(level, format string, timestamps bool) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           parseLevel(level),
		Formatter:       parseFormatter(format),
		ReportTimestamp: timestamps,
		Prefix:          "oac",
	})
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func parseFormatter(format string) log.Formatter {
	switch format {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// RunLogger appends every run notification to a per-run JSONL file under
// <baseDir>/<repo-slug>-<hash8>/<runID>.jsonl.
type RunLogger struct {
	Dir     string
	RunID   string
	LogPath string
	file    *os.File
}

// NewRunLogger creates the per-run log directory and file.
func NewRunLogger(baseDir, repoPath string) (*RunLogger, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("log base dir is empty")
	}
	baseDir = expandHome(baseDir)

	logDir := filepath.Join(baseDir, repoSlug(repoPath))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	runID := fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102-150405"), os.Getpid())
	logPath := filepath.Join(logDir, runID+".jsonl")
	file, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &RunLogger{Dir: logDir, RunID: runID, LogPath: logPath, file: file}, nil
}

// Write appends one notification as a JSON line.
func (r *RunLogger) Write(n events.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	return nil
}

// Drain consumes a bus subscription until the channel closes, writing
// every notification. Intended to run in its own goroutine.
func (r *RunLogger) Drain(ch <-chan events.Notification) {
	for n := range ch {
		_ = r.Write(n)
	}
}

// Close closes the log file.
func (r *RunLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

func repoSlug(repoPath string) string {
	name := filepath.Base(repoPath)
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		valid := (c >= 'A' && c <= 'Z') ||
			(c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') ||
			c == '.' || c == '_' || c == '-'
		if valid {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "repo"
	}
	sum := sha1.Sum([]byte(repoPath))
	return slug + "-" + hex.EncodeToString(sum[:])[:8]
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
