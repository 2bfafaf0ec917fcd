package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"frameforge/internal/config"
	"frameforge/internal/frame"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New writing to w.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional dated file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := ParseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("frameforge-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		current := filepath.Join(cfg.Logging.LogDir, "frameforge-current.log")
		_ = os.Remove(current)
		_ = os.Symlink(filepath.Base(logFile), current) // best effort
	}
	out := io.MultiWriter(writers...)

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(NewTraditionalHandler(out, level))
	}
	slog.SetDefault(logger)

	logger.Info("frameforge logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a std logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler returns a handler writing to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	parts := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, h.format(a))
		return true
	})

	msg := r.Message
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FrameAttrs returns the configuration tags of a frame for log lines.
func FrameAttrs(f *frame.Frame) []any {
	fp := f.Header.Fingerprint
	return []any{
		"frame", f.ID,
		"obstype", f.Header.Type,
		"site", f.Header.Site,
		"instrument", fp.Instrument,
		"filter", fp.Filter,
		"binning", fp.Binning,
		"readout", fp.ReadoutMode,
		"epoch", f.Epoch(),
	}
}

// LogJobStart logs the beginning of a job.
func LogJobStart(logger *slog.Logger, jobType, jobID string, frameIDs []string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"frames", len(frameIDs),
		"options", options,
	)
}

// LogJobComplete logs successful job completion.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures.
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogStage logs one stage decision on a frame.
func LogStage(logger *slog.Logger, f *frame.Frame, stage, state string, duration time.Duration, detail string) {
	args := append([]any{"stage", stage, "state", state, "duration_ms", duration.Milliseconds()}, FrameAttrs(f)...)
	if detail != "" {
		args = append(args, "detail", detail)
	}
	level := slog.LevelDebug
	if state == "failed" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "stage finished", args...)
}
