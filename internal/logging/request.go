package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single invocation log entry.
type RequestLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	FunctionID   string    `json:"function_id"`
	Function     string    `json:"function"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	ColdStart    bool      `json:"cold_start"`
	RequestSize  int       `json:"request_size"`
	ResponseSize int       `json:"response_size,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Logger handles per-request logging to console and/or a JSON-lines file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default request logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		cold := ""
		if entry.ColdStart {
			cold = " [cold]"
		}
		fmt.Printf("[request] %s %s %s %s %d %dms%s\n",
			entry.RequestID, entry.Method, entry.Path, entry.Function,
			entry.StatusCode, entry.DurationMs, cold)
		if entry.Error != "" {
			fmt.Printf("[request]   error (%s): %s\n", entry.ErrorKind, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
