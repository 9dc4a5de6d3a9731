package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging wires slog to stdout plus a size-rotated file under logs/
// and tags every record of this run with a short correlation id.
func setupLogging(component string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join("logs", component+".log"),
		MaxSize:    50, // megabytes
		MaxBackups: 7,
		MaxAge:     14, // days
		Compress:   true,
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, rotated), &slog.HandlerOptions{
		Level: level,
	})
	log := slog.New(handler).With("run", uuid.NewString()[:8])
	slog.SetDefault(log)
	return log
}
