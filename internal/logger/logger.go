// Package logger builds the supervisor's diagnostic slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig selects level and format of the slog handler.
type SlogConfig struct {
	Level      string // debug, info, warn, error (default info)
	Format     string // text or json (default text)
	Color      bool   // colored level names, text format only
	TimeStamps bool
	Source     bool
}

// FileConfig describes a rotated log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // Gzip rotated files
}

// Config combines the handler settings with optional outputs. When File.Path
// is set, records go to the rotated file; otherwise to Output, or os.Stderr.
type Config struct {
	Slog   SlogConfig
	File   FileConfig
	Output io.Writer
}

// Writer returns the lumberjack writer for File, or nil when no path is set.
func (c Config) Writer() io.WriteCloser {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewSlogger builds a logger from c. The returned closer releases the log
// file; it is a no-op when no file is configured.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if fw := c.Writer(); fw != nil {
		w, closer = fw, fw
	} else if c.Output != nil {
		w = c.Output
	}
	return slog.New(c.handler(w)), closer
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if c.Slog.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
