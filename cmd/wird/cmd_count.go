// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/spf13/cobra"
)

func runCount(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		view, err := r.manager.GetSession(ctx, args[0])
		if err != nil {
			return err
		}

		// Long-lived command: run the full sync machinery so queued
		// clicks replay and push updates land while counting.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if r.oracle != nil {
			r.oracle.Start()
			defer r.oracle.Stop()
		}
		if err := r.manager.Start(runCtx); err != nil {
			return err
		}

		program := tea.NewProgram(newCountModel(r.manager, view), tea.WithAltScreen())
		_, err = program.Run()
		return err
	})
	if err != nil {
		log.Fatalf("Error running counter: %v", err)
	}
}
