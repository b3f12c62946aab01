package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Форматы вывода логов.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel разбирает уровень логирования без учёта регистра.
// Неизвестные значения дают INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLevel читает уровень из LOG_LEVEL.
func LogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// NewLogger создаёт логгер, пишущий в w.
// format "text" даёт человекочитаемый вывод, всё остальное — JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, FormatText) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger инициализирует глобальный логгер процесса (stdout,
// LOG_LEVEL, LOG_FORMAT).
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, LogLevel(), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

// WithSiteID возвращает логгер с добавленным site_id.
func WithSiteID(logger *slog.Logger, siteID int) *slog.Logger {
	return logger.With("site_id", siteID)
}

// WithTaskID возвращает логгер с добавленным task_id.
func WithTaskID(logger *slog.Logger, taskID string) *slog.Logger {
	return logger.With("task_id", taskID)
}

// WithAgentID возвращает логгер с добавленным agent_id.
func WithAgentID(logger *slog.Logger, agentID string) *slog.Logger {
	return logger.With("agent_id", agentID)
}

// WithSessionID возвращает логгер с добавленным session_id.
func WithSessionID(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With("session_id", sessionID)
}
