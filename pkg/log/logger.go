// Package log provides structured logging for the gompcore mining engine.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a slog.Logger with pool field helpers. Every derived logger
// keeps the service and version attributes of its parent.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w in "text" or JSON format.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{slog.New(h).With("service", service, "version", version)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// WithFields returns a logger with additional key-value pairs.
func (l *Logger) WithFields(fields ...any) *Logger { return l.with(fields...) }

func (l *Logger) WithComponent(component string) *Logger { return l.with("component", component) }

func (l *Logger) WithMiner(address, worker string) *Logger {
	return l.with("miner_address", address, "worker_name", worker)
}

func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.with("job_id", jobID, "block_height", height)
}

func (l *Logger) WithShare(shareID string, difficulty float64) *Logger {
	return l.with("share_id", shareID, "difficulty", difficulty)
}

// WithError adds err as a string field. A nil err returns l.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// LogConnection records a miner connect or disconnect.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogStratumMessage traces raw protocol lines at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message", "direction", direction, "message", message)
}

// LogTemplateRefresh logs a template event that did not produce a new job.
func (l *Logger) LogTemplateRefresh(trigger, identity string, height int64) {
	l.Debug("template refresh", "trigger", trigger, "identity", identity, "block_height", height)
}

func (l *Logger) LogNewJob(trigger, jobID string, height int64, networkDifficulty float64) {
	l.Info("new job",
		"trigger", trigger,
		"job_id", jobID,
		"block_height", height,
		"network_difficulty", networkDifficulty,
	)
}

func (l *Logger) LogShareSubmission(miner, worker, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_address", miner,
		"worker_name", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound is logged at warn so it survives a quiet log level.
func (l *Logger) LogBlockFound(blockHash string, height int64, miner, worker string, networkDifficulty float64) {
	l.Warn("block found",
		"block_hash", blockHash,
		"block_height", height,
		"miner_address", miner,
		"worker_name", worker,
		"network_difficulty", networkDifficulty,
	)
}

func (l *Logger) LogJobDistribution(jobID string, height int64, cleanJobs bool, workers int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", height,
		"clean_jobs", cleanJobs,
		"miner_count", workers,
	)
}
