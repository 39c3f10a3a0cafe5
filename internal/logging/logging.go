// Package logging configures the structured logger every component of
// hlsfetch writes through: charmbracelet/log to the console, optionally
// teed through a rotating file via lumberjack when a log file is configured.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level string // debug, info, warn, error
	File  string // empty means console-only
}

// New builds a *log.Logger per opts. When File is set, output is written
// through a lumberjack.Logger that caps individual files at 10MB, keeps 3
// rotated backups, and ages them out after 28 days.
func New(opts Options) (*log.Logger, error) {
	var writer io.Writer = os.Stderr

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		writer = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	logger := log.NewWithOptions(writer, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          "hlsfetch",
	})
	logger.SetLevel(parseLevel(opts.Level))
	return logger, nil
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
