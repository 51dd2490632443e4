// Package logger provides structured logging backed by zerolog.
// It keeps a small leveled facade so packages log without importing
// zerolog directly, and mirrors entries into an in-memory LogStream.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
)

// LogLevel is the severity of an entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func parseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Field is one key/value attached to an entry
type Field struct {
	Key   string
	Value interface{}
}

// Logger writes leveled entries to stdout, a daily file or both
type Logger struct {
	mu       sync.Mutex
	zl       zerolog.Logger
	level    LogLevel
	file     *os.File
	filePath string
	mode     string
}

var (
	defaultLogger *Logger
	loggerMu      sync.RWMutex
)

// InitLogger replaces the global logger, closing the previous one
func InitLogger(cfg *config.LogConfig, mode string) error {
	l, err := NewLogger(cfg, mode)
	if err != nil {
		return err
	}

	loggerMu.Lock()
	old := defaultLogger
	defaultLogger = l
	loggerMu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// NewLogger builds a logger from the log section of the config. mode
// names the process ("server", "cli") in every entry and in the log file name.
func NewLogger(cfg *config.LogConfig, mode string) (*Logger, error) {
	return newLogger(cfg, mode, os.Stdout)
}

func newLogger(cfg *config.LogConfig, mode string, stdout io.Writer) (*Logger, error) {
	l := &Logger{
		level: parseLevel(cfg.Level),
		mode:  mode,
	}

	output := strings.ToLower(cfg.Output)
	var writers []io.Writer
	if output != "file" {
		writers = append(writers, consoleWriter(stdout, cfg.Format))
	}
	if output == "file" || output == "both" {
		if err := l.openFile(cfg.Directory); err != nil {
			return nil, err
		}
		writers = append(writers, l.file)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	l.zl = zerolog.New(out).
		Level(l.level.zerolog()).
		With().
		Timestamp().
		Str("mode", mode).
		Logger()
	return l, nil
}

// consoleWriter keeps JSON as is and renders text through zerolog's
// console writer. Files always receive JSON lines.
func consoleWriter(w io.Writer, format string) io.Writer {
	if strings.EqualFold(format, "json") {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
		NoColor:    w != os.Stdout && w != os.Stderr,
	}
}

// openFile appends to <dir>/fetch-<mode>-<date>.log
func (l *Logger) openFile(dir string) error {
	if dir == "" {
		return fmt.Errorf("log directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("fetch-%s-%s.log", l.mode, time.Now().Format("2006-01-02"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = f
	l.filePath = path
	return nil
}

// FilePath returns the log file path, empty when logging to stdout only
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes and closes the log file if there is one
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// GetLogger returns the global logger, creating an info level stdout
// logger when InitLogger was never called.
func GetLogger() *Logger {
	loggerMu.RLock()
	l := defaultLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{Level: "info", Format: "text", Output: "stdout"}, "default")
	}
	return defaultLogger
}

func (l *Logger) emit(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	event := l.zl.WithLevel(level.zerolog())
	streamed := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			event = event.AnErr(f.Key, err)
			streamed[f.Key] = err.Error()
			continue
		}
		event = event.Interface(f.Key, f.Value)
		streamed[f.Key] = f.Value
	}

	l.mu.Lock()
	event.Msg(msg)
	l.mu.Unlock()

	if stream := currentLogStream(); stream != nil {
		stream.Add(StreamLogEntry{
			Timestamp: time.Now(),
			Level:     level.String(),
			Message:   msg,
			Fields:    streamed,
		})
	}
}

// LogEntry accumulates fields for a single log call
type LogEntry struct {
	logger *Logger
	fields []Field
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{logger: l}
}

func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return l.entry().WithField(key, value)
}

func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return l.entry().WithFields(fields)
}

func (l *Logger) WithError(err error) *LogEntry {
	return l.entry().WithError(err)
}

func (l *Logger) Debug(args ...interface{})                 { l.entry().Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.entry().Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.entry().Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.entry().Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, Field{Key: k, Value: v})
	}
	return e
}

func (e *LogEntry) WithError(err error) *LogEntry {
	return e.WithField("error", err)
}

func (e *LogEntry) Debug(args ...interface{}) { e.logger.emit(DEBUG, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Info(args ...interface{})  { e.logger.emit(INFO, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Warn(args ...interface{})  { e.logger.emit(WARN, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Error(args ...interface{}) { e.logger.emit(ERROR, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Package level helpers log through the global logger

func WithField(key string, value interface{}) *LogEntry  { return GetLogger().WithField(key, value) }
func WithFields(fields map[string]interface{}) *LogEntry { return GetLogger().WithFields(fields) }
func WithError(err error) *LogEntry                      { return GetLogger().WithError(err) }

func Debug(args ...interface{})                 { GetLogger().Debug(args...) }
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Info(args ...interface{})                  { GetLogger().Info(args...) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warn(args ...interface{})                  { GetLogger().Warn(args...) }
func Warnf(format string, args ...interface{})  { GetLogger().Warnf(format, args...) }
func Error(args ...interface{})                 { GetLogger().Error(args...) }
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }
