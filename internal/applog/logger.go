// Package applog provides the supervisor's structured logger: an explicit
// handle constructed once and carried by the engine, never a package-level
// singleton (§9's "re-architect as an explicit handle" design note).
package applog

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls file rotation. Defaults match §6 exactly: 10 MiB per
// file, 5 backups.
type Config struct {
	Path       string // log file path; empty disables file output (stderr only)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Email      EmailConfig
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	return c
}

// Logger is the engine's explicit logging handle.
type Logger struct {
	slog    *slog.Logger
	alerter *alerter
}

// New builds a Logger writing structured text to stderr and, when Path is
// set, to a rotating file via lumberjack.
func New(cfg Config) *Logger {
	cfg = cfg.withDefaults()

	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		fileWriter := &lj.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(os.Stderr, fileWriter)
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{
		slog:    slog.New(h),
		alerter: newAlerter(cfg.Email),
	}
}

func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Critical logs at error level and, when email alerting is configured,
// sends an alert. Use for FATAL/retry-exhaustion events per §7.
func (l *Logger) Critical(msg string, args ...any) {
	l.slog.Error(msg, args...)
	l.alerter.send(msg, args)
}

// EventKind classifies a lifecycle event for LogEvent's level/alert
// decision, mirroring the reference logger's event classification.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRestarted
	EventBackoff
	EventStopped
	EventCrash
	EventMaxRetries
	EventFatal
)

// LogEvent logs a lifecycle event at the level its kind warrants, alerting
// on the critical tiers (FATAL, CRASH, MAX_RETRIES) per §10.2.
func (l *Logger) LogEvent(kind EventKind, program string, args ...any) {
	args = append([]any{"program", program}, args...)
	switch kind {
	case EventStarted, EventRestarted:
		l.Info(eventLabel(kind), args...)
	case EventStopped:
		l.Info(eventLabel(kind), args...)
	case EventBackoff:
		l.Warn(eventLabel(kind), args...)
	case EventCrash, EventMaxRetries, EventFatal:
		l.Critical(eventLabel(kind), args...)
	default:
		l.Warn(eventLabel(kind), args...)
	}
}

func eventLabel(kind EventKind) string {
	switch kind {
	case EventStarted:
		return "process started"
	case EventRestarted:
		return "process restarted"
	case EventBackoff:
		return "process backing off"
	case EventStopped:
		return "process stopped"
	case EventCrash:
		return "process crashed"
	case EventMaxRetries:
		return "max retries exceeded"
	case EventFatal:
		return "process fatal"
	default:
		return "process event"
	}
}
