package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger handles debug logging to file and stderr.
type Logger struct {
	zl      zerolog.Logger
	file    *os.File
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{zl: zerolog.Nop()}
		defaultLogger.init()
	})
	return defaultLogger
}

func (l *Logger) init() {
	// Debug mode is enabled via env var or the presence of ~/.parley/debug.
	debugEnv := os.Getenv("PARLEY_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley log: failed to get home dir: %v\n", err)
		return
	}

	debugFile := filepath.Join(home, ".parley", "debug")
	_, debugFileErr := os.Stat(debugFile)
	debugFileExists := debugFileErr == nil

	if debugEnv != "1" && !debugFileExists {
		l.enabled = false
		return
	}

	l.enabled = true

	logsDir := filepath.Join(home, ".parley", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "parley log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("parley-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	l.file = file
	l.zl = zerolog.New(zerolog.ConsoleWriter{
		Out:        file,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.DebugLevel)

	if debugEnv == "1" {
		l.zl.Info().Msg("Logging started (PARLEY_DEBUG=1)")
	} else {
		l.zl.Info().Msg("Logging started (~/.parley/debug exists)")
	}
	l.zl.Info().Msgf("Log file: %s", logPath)
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.zl.Info().Msgf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "parley error: %s\n", msg)
	if l.enabled {
		l.zl.Error().Msg(msg)
	}
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.zl.Debug().Str("action", action).Msg(truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.zl.Debug().Str("response", msgType).Msg(truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.enabled {
		return
	}
	l.zl.Debug().Str("stream", eventType).Msg(truncate(content, 200))
}

// Poll logs a polling cycle.
func (l *Logger) Poll(conversationID string, items int) {
	if !l.enabled {
		return
	}
	l.zl.Debug().Str("poll", conversationID).Msgf("%d new item(s)", items)
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

// Writer returns an io.Writer for the log file (for external use).
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return io.Discard
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
