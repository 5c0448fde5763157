// Package logger wraps stdlib log with lumberjack rotation and a small
// amount of structure: callers that are
// mid-operation on one server or proxy attach that context once with
// WithFields instead of re-interpolating the server name into every
// format string, so every subsequent line from that derived logger
// carries it automatically.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is structured context threaded onto every line a derived
// Logger emits — e.g. {"server": "survival", "status": "creating"} in
// internal/lifecycle, or {"proxy": "lobby-1"} in internal/reconciler.
type Fields map[string]any

// ringBuffer is the recent-log tail kept for support-bundle generation,
// pulled out of Logger so every Logger derived from the same root via
// WithFields appends into one shared history instead of each tracking
// its own independent, diverging tail.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{lines: make([]string, 0, max), max: max}
}

func (b *ringBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *ringBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

type Logger struct {
	*log.Logger
	fileLogger *lumberjack.Logger
	buf        *ringBuffer
	fields     Fields
}

type Config struct {
	Enabled    bool
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func New() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", 0),
		buf:    newRingBuffer(1000),
	}
}

func NewWithConfig(cfg *Config) *Logger {
	writers := []io.Writer{os.Stdout}

	var fileLogger *lumberjack.Logger
	if cfg != nil && cfg.Enabled && cfg.FilePath != "" {
		fileLogger = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, fileLogger)
	}

	multiWriter := io.MultiWriter(writers...)

	return &Logger{
		Logger:     log.New(multiWriter, "", 0),
		fileLogger: fileLogger,
		buf:        newRingBuffer(1000),
	}
}

// WithFields returns a derived Logger that tags every subsequent line
// with fields merged on top of any fields already attached, sharing the
// parent's writer, rotation, and recent-log buffer. internal/lifecycle
// attaches the server under operation this way; internal/reconciler
// attaches the proxy or server name the same way, instead of baking
// either into the message format string at each call site.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		Logger:     l.Logger,
		fileLogger: l.fileLogger,
		buf:        l.buf,
		fields:     merged,
	}
}

func (l *Logger) render(level, format string, args ...any) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s: %s", timestamp, level, message)
	if len(l.fields) == 0 {
		return line
	}
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, l.fields[k]))
	}
	return line + " " + strings.Join(pairs, " ")
}

func (l *Logger) log(level, format string, args ...any) {
	logLine := l.render(level, format, args...)

	// Store in buffer for support bundle generation
	l.buf.add(logLine)

	l.Printf("%s", logLine)
}

func (l *Logger) Info(format string, args ...any) {
	l.log("INFO", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log("ERROR", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log("WARN", format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.log("DEBUG", format, args...)
}

func (l *Logger) Fatal(format string, args ...any) {
	l.log("FATAL", format, args...)
	os.Exit(1)
}

func (l *Logger) GetRecentLogs() []string {
	return l.buf.snapshot()
}

// Close file logger
func (l *Logger) Close() error {
	if l.fileLogger != nil {
		return l.fileLogger.Close()
	}
	return nil
}

// Get current log file path
func (l *Logger) GetLogFilePath() string {
	if l.fileLogger != nil {
		return l.fileLogger.Filename
	}
	return ""
}
