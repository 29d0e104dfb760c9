// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Wird components.
//
// The logging system is built on Go's standard library slog package.
// Default output is stderr for CLI compatibility (Unix conventions);
// services log JSON to stdout for container log collection; file logging
// is available for the CLI's background sync activity.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("session created", "session_id", id)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.wird/logs",
//	    Service: "wird",
//	})
//	defer logger.Close()
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe; file handle state is protected by a mutex.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level mirrors slog levels so callers do not import slog for config.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum level emitted. Default: info.
	Level Level

	// Service names the component writing the logs. Used in the log file
	// name and attached to every record as "service".
	Service string

	// LogDir enables file logging when non-empty. Supports ~ expansion.
	// The directory is created if it does not exist.
	LogDir string

	// JSON switches the console handler to JSON (used by services whose
	// stdout is scraped). Default: text on stderr.
	JSON bool
}

// Logger wraps slog.Logger with file lifecycle management.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Default returns a text logger on stderr at info level.
func Default() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

// New constructs a Logger from cfg.
//
// Description:
//
//	Builds a console handler (stderr text or stdout JSON) and, when
//	LogDir is set, a JSON file handler writing to
//	{LogDir}/{service}_{date}.log. Both destinations receive every
//	record at or above the configured level.
//
// Outputs:
//
//	*Logger - Ready to use. Call Close() when file logging is enabled.
//	error - Non-nil if the log directory cannot be created.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		console = slog.NewTextHandler(os.Stderr, opts)
	}

	l := &Logger{}
	handler := console

	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		service := cfg.Service
		if service == "" {
			service = "wird"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handler = newTeeHandler(console, slog.NewJSONHandler(f, opts))
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	l.Logger = logger
	return l, nil
}

// Close flushes and closes the log file, if any. Safe to call on loggers
// without file output and safe to call more than once.
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

// Writer returns the file destination for components that need raw access
// (e.g. the dead-letter audit trail). Nil when file logging is disabled.
func (l *Logger) Writer() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
