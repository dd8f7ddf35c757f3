package syncer

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls NewLogger.
type LogConfig struct {
	Debug bool
	// File, when set, receives a copy of every record and is rotated by size.
	File string
}

// NewLogger builds the process logger. The returned closer releases the log
// file and is never nil.
func NewLogger(w io.Writer, cfg LogConfig) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		w = io.MultiWriter(w, lj)
		closer = lj
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
