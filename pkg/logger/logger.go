// Package logger wraps logrus with the host's logging configuration.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// logFileDir is where file-mode logs accumulate, relative to the host's
// working directory.
const logFileDir = "logs"

// New builds the host logger. Bad config values degrade rather than fail:
// the host must keep logging even when its logging config is wrong, so
// unknown levels fall back to info and an unwritable log file falls back to
// stdout with a warning.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()
	l.SetLevel(levelOf(cfg.Level))
	l.SetFormatter(formatterOf(cfg.Format))
	l.SetOutput(outputOf(l, cfg))
	return &Logger{Logger: l}
}

func levelOf(s string) logrus.Level {
	if lv, err := logrus.ParseLevel(s); err == nil {
		return lv
	}
	return logrus.InfoLevel
}

func formatterOf(s string) logrus.Formatter {
	if strings.EqualFold(s, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// outputOf resolves the destination writer. File mode tees to stdout as
// well, so the tray app's console stays useful while developing.
func outputOf(l *logrus.Logger, cfg LoggingConfig) io.Writer {
	if !strings.EqualFold(cfg.Output, "file") {
		return os.Stdout
	}
	f, err := openLogFile(cfg.FilePrefix)
	if err != nil {
		l.WithError(err).Warn("file logging unavailable, using stdout")
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}

func openLogFile(prefix string) (*os.File, error) {
	if prefix == "" {
		prefix = "usagebar"
	}
	if err := os.MkdirAll(logFileDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(logFileDir, prefix+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// NewDefault creates a logger with default configuration, tagged with a
// component name. Used by components constructed without explicit config.
func NewDefault(name string) *Logger {
	l := New(LoggingConfig{})
	if name != "" {
		l.AddHook(&componentHook{name: name})
	}
	return l
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

// WithPlugin returns an entry tagged with a plugin id.
func (l *Logger) WithPlugin(pluginID string) *logrus.Entry {
	return l.WithField("plugin", pluginID)
}

// componentHook stamps every entry with the owning component's name.
type componentHook struct {
	name string
}

func (h *componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *componentHook) Fire(e *logrus.Entry) error {
	e.Data["component"] = h.name
	return nil
}
