// Package log implements structured logging using logrus.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the global logger. It maps to the `log:` config section.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"` // "text" or "json"
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables rotating file output in addition to stdout.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	once   sync.Once
	logger = logrus.NewEntry(logrus.StandardLogger())
)

// Init initializes the global logger from configuration. Safe to call once;
// later calls are no-ops.
func Init(cfg Config) {
	once.Do(func() {
		l := logrus.New()

		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		l.SetLevel(level)

		switch strings.ToLower(cfg.Format) {
		case "json":
			l.SetFormatter(&logrus.JSONFormatter{})
		default:
			l.SetFormatter(&prefixed.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05.000",
			})
		}

		writers := []io.Writer{os.Stdout}
		if cfg.File.Enabled {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.File.Path,
				MaxSize:    cfg.File.MaxSizeMB,
				MaxAge:     cfg.File.MaxAgeDays,
				MaxBackups: cfg.File.MaxBackups,
				Compress:   cfg.File.Compress,
			})
		}
		l.SetOutput(io.MultiWriter(writers...))

		logger = logrus.NewEntry(l)
	})
}

// WithField returns an entry annotated with a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

// WithFields returns an entry annotated with multiple fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return logger.WithFields(fields)
}

// WithError returns an entry annotated with an error.
func WithError(err error) *logrus.Entry {
	return logger.WithError(err)
}

func Debug(args ...interface{})                 { logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Info(args ...interface{})                  { logger.Info(args...) }
func Infof(format string, args ...interface{})  { logger.Infof(format, args...) }
func Warn(args ...interface{})                  { logger.Warn(args...) }
func Warnf(format string, args ...interface{})  { logger.Warnf(format, args...) }
func Error(args ...interface{})                 { logger.Error(args...) }
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }
