// Package logging provides structured JSON logging for the showtrack offline layer.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = &Logger{
			out:      out,
			minLevel: minLevel,
		}
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// New creates a standalone logger, independent of the global instance.
// Useful for tests and for embedding apps that manage their own sinks.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message, code string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Code:      code,
		Context:   context,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	fmt.Fprintln(l.out, string(data))
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, "", nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, "", nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, "", nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, "", err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an application error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, code, err, l.getContext(context...))
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
