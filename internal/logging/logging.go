// Package logging собирает slog-логгер для бинарников wampctl и wamprouter.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLogLevel перекрывает уровень, заданный флагом или конфигом.
const EnvLogLevel = "WAMP_LOG_LEVEL"

// New возвращает текстовый логгер с уровнем level. Нераспознанный уровень
// даёт info.
func New(level string, w io.Writer) *slog.Logger {
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = slog.LevelInfo
	}

	if env, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		lvl = env
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Discard - логгер для тестов и тихого режима.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
