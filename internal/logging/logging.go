// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and destination of the global logger.
type Options struct {
	Level  string
	Format string
	// File enables size-based rotation through lumberjack. Empty means stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup applies opts to the standard logrus logger. The returned closer
// releases the log file and is a no-op for stderr.
func Setup(opts Options) (io.Closer, error) {
	level, err := log.ParseLevel(strings.TrimSpace(opts.Level))
	if opts.Level == "" {
		level, err = log.InfoLevel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	formatter, err := newFormatter(opts.Format)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out, closer = lj, lj
	}

	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return closer, nil
}

func newFormatter(format string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return &log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"}, nil
	case "json":
		return &log.JSONFormatter{}, nil
	}
	return nil, fmt.Errorf("logging: unknown format %q", format)
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
