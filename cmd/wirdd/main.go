// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command wirdd starts the Wird session backend.
//
// This is the main entry point for the containerized sessiond service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - WIRDD_PORT: HTTP server port (default: 12310)
//   - WIRDD_DATA_DIR: BadgerDB directory (default: /var/lib/wirdd)
//   - WIRDD_ADMIN_TOKEN: shared admin secret (unset disables admin access)
//
// # Usage
//
//	# Build
//	go build -o wirdd ./cmd/wirdd
//
//	# Run
//	WIRDD_ADMIN_TOKEN=secret ./wirdd
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AleutianAI/wird/services/sessiond"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := sessiond.Config{
		Port:       getEnvInt("WIRDD_PORT", 12310),
		DataDir:    getEnvString("WIRDD_DATA_DIR", "/var/lib/wirdd"),
		AdminToken: os.Getenv("WIRDD_ADMIN_TOKEN"),
	}

	slog.Info("Starting sessiond",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"admin_enabled", cfg.AdminToken != "",
	)

	svc, err := sessiond.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create sessiond: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("sessiond exited with error: %v", err)
	}
	slog.Info("sessiond stopped")
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
	}
	return fallback
}
