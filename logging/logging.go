// Package logging provides the line-oriented operational log used by the
// supervisor, the relay and the bot workers.
//
// Lines have the form: LEVEL TIMESTAMP [component] message key=value ...
// Output goes to stdout unless a file is configured, in which case it is
// rotated by lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Component names used across the fleet.
const (
	CompMain      = "main"
	CompReferral  = "referral"
	CompProbe     = "probe"
	CompTokens    = "tokens"
	CompBackend   = "backend"
	CompProvision = "provision"
	CompProcs     = "procs"
	CompRelay     = "relay"
	CompWorker    = "worker"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls where logs go.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// File enables rotated file output. Empty means stdout.
	File string `toml:"file"`

	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// DefaultConfig returns stdout logging at INFO.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 10,
	}
}

// Logger writes structured lines to a shared output.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Open builds a Logger from cfg. The returned closer releases the rotated
// file, if any, and is never nil.
func Open(cfg Config) (*Logger, io.Closer) {
	l := New()
	l.SetLevel(ParseLevel(cfg.Level))
	if cfg.File == "" {
		return l, io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.SetOutput(lj)
	return l, lj
}

func (l *Logger) clone() *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   l.traceID,
	}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithTraceID returns a logger that appends trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders key=value pairs in key order.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]any) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var f map[string]any
	if len(fields) > 0 && fields[0] != nil {
		f = fields[0]
	}
	if l.traceID != "" {
		if f == nil {
			f = make(map[string]any, 1)
		}
		f["trace_id"] = l.traceID
	}
	fieldStr := formatFields(f)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// Redact hides all but the last four characters of a credential.
func Redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// --- Fleet event helpers ---

// WorkerStarted logs a worker process launch.
func (l *Logger) WorkerStarted(identity, role string, pid int) {
	l.Info("worker_started", map[string]any{
		"identity": identity,
		"role":     role,
		"pid":      pid,
	})
}

// WorkerStopped logs a worker process exit or kill.
func (l *Logger) WorkerStopped(identity, reason string) {
	l.Info("worker_stopped", map[string]any{
		"identity": identity,
		"reason":   reason,
	})
}

// HealthResult logs a probe outcome. Healthy results go to DEBUG.
func (l *Logger) HealthResult(token, health string, duration time.Duration) {
	fields := map[string]any{
		"token":    Redact(token),
		"health":   health,
		"duration": duration.String(),
	}
	if health == "healthy" {
		l.Debug("health_result", fields)
		return
	}
	l.Warn("health_result", fields)
}

// CredentialRetired logs a credential moved to the unavailable list.
func (l *Logger) CredentialRetired(token string) {
	l.Warn("credential_retired", map[string]any{
		"token": Redact(token),
	})
}

// ProvisionAttempt logs the outcome of one provisioning attempt.
func (l *Logger) ProvisionAttempt(identifier string, err error) {
	if err != nil {
		l.Error("provision_failed", map[string]any{
			"identifier": identifier,
			"error":      err.Error(),
		})
		return
	}
	l.Info("provision_succeeded", map[string]any{
		"identifier": identifier,
	})
}

// Dispatch logs an accepted relay request.
func (l *Logger) Dispatch(requestID, identity string, chatID int64, action string) {
	l.Info("dispatch", map[string]any{
		"request_id": requestID,
		"identity":   identity,
		"chat_id":    chatID,
		"action":     action,
	})
}
