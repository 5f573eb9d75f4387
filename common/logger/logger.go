// Package logger provides the leveled key/value logger shared by the
// LabelBerry server and device agent: console plus rotated file output and a
// bounded in-memory buffer for the diagnostics endpoints.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// Entry is a single log record.
type Entry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// RotationPolicy defines when log files are rotated and how many are kept.
type RotationPolicy struct {
	Enabled    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

// Logger is a leveled logger with an in-memory ring buffer and file rotation.
type Logger struct {
	mu              sync.Mutex
	level           LogLevel
	logDir          string
	fileName        string
	currentFile     *os.File
	currentFilePath string
	buffer          []Entry
	maxBufferSize   int
	consoleOutput   bool
	rotationPolicy  RotationPolicy
	rateLimiters    map[string]time.Time
}

// New creates a Logger writing to logDir/<component>.log.
func New(level LogLevel, logDir, component string, maxBufferSize int) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		fileName:      component + ".log",
		buffer:        make([]Entry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		consoleOutput: true,
		rateLimiters:  make(map[string]time.Time),
		rotationPolicy: RotationPolicy{
			Enabled:    true,
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			MaxFiles:   10,
		},
	}
}

// SetConsoleOutput enables or disables console output.
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetRotationPolicy configures log rotation.
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotationPolicy = policy
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, context ...interface{}) { l.log(ERROR, msg, context...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, context ...interface{}) { l.log(WARN, msg, context...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, context ...interface{}) { l.log(INFO, msg, context...) }

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, context ...interface{}) { l.log(DEBUG, msg, context...) }

// Trace logs at TRACE level.
func (l *Logger) Trace(msg string, context ...interface{}) { l.log(TRACE, msg, context...) }

// WarnRateLimited logs a warning at most once per interval for a given key.
// Used on hot paths such as reconnect loops and full-queue drops.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	last, ok := l.rateLimiters[key]
	now := time.Now()
	if ok && now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.rateLimiters[key] = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i+1 < len(context); i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if len(l.buffer) >= l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, entry)

	line := formatEntry(entry)
	if l.consoleOutput {
		fmt.Println(line)
	}
	l.writeToFile(line)
}

func (l *Logger) writeToFile(line string) {
	if l.logDir == "" {
		return
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return
	}

	if l.currentFile == nil {
		path := filepath.Join(l.logDir, l.fileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		l.currentFile = f
		l.currentFilePath = path
	}

	l.currentFile.WriteString(line + "\n")

	if l.shouldRotate() {
		l.rotate()
	}
}

func formatEntry(entry Entry) string {
	line := fmt.Sprintf("%s [%s] %s",
		entry.Timestamp.Format("2006-01-02T15:04:05-07:00"),
		levelNames[entry.Level],
		entry.Message)

	if len(entry.Context) > 0 {
		keys := make([]string, 0, len(entry.Context))
		for k := range entry.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, entry.Context[k])
		}
	}
	return line
}

func (l *Logger) shouldRotate() bool {
	if !l.rotationPolicy.Enabled || l.currentFile == nil || l.rotationPolicy.MaxSizeMB <= 0 {
		return false
	}
	stat, err := l.currentFile.Stat()
	if err != nil {
		return false
	}
	return stat.Size() >= int64(l.rotationPolicy.MaxSizeMB)*1024*1024
}

func (l *Logger) rotate() {
	if l.currentFile != nil {
		l.currentFile.Close()
		l.currentFile = nil

		if l.currentFilePath != "" {
			timestamp := time.Now().Format("20060102_150405")
			base := l.fileName[:len(l.fileName)-len(filepath.Ext(l.fileName))]
			backupPath := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.log", base, timestamp))
			os.Rename(l.currentFilePath, backupPath)
		}
	}
	l.cleanOldFiles()
}

func (l *Logger) cleanOldFiles() {
	base := l.fileName[:len(l.fileName)-len(filepath.Ext(l.fileName))]
	files, err := filepath.Glob(filepath.Join(l.logDir, base+"_*.log"))
	if err != nil {
		return
	}

	if l.rotationPolicy.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -l.rotationPolicy.MaxAgeDays)
		for _, file := range files {
			if stat, err := os.Stat(file); err == nil && stat.ModTime().Before(cutoff) {
				os.Remove(file)
			}
		}
	}

	if l.rotationPolicy.MaxFiles > 0 && len(files) > l.rotationPolicy.MaxFiles {
		sort.Strings(files)
		for i := 0; i < len(files)-l.rotationPolicy.MaxFiles; i++ {
			os.Remove(files[i])
		}
	}
}

// Buffer returns a copy of the in-memory log buffer.
func (l *Logger) Buffer() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	buffer := make([]Entry, len(l.buffer))
	copy(buffer, l.buffer)
	return buffer
}

// Copy writes all buffered entries to w.
func (l *Logger) Copy(w io.Writer) error {
	for _, entry := range l.Buffer() {
		if _, err := fmt.Fprintln(w, formatEntry(entry)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// LevelFromString converts a string to a LogLevel, defaulting to INFO.
func LevelFromString(s string) LogLevel {
	switch s {
	case "error", "ERROR":
		return ERROR
	case "warn", "WARN":
		return WARN
	case "info", "INFO":
		return INFO
	case "debug", "DEBUG":
		return DEBUG
	case "trace", "TRACE":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to its name.
func LevelToString(level LogLevel) string {
	return levelNames[level]
}
