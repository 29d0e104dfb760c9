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
	"log"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	payloadText     string
	targetCount     int
	unbounded       bool
	public          bool
	maxParticipants int
	inviteToken     string

	rootCmd = &cobra.Command{
		Use:   "wird",
		Short: "A cli for collective recitation sessions",
		Long: `Wird counts recitations in shared sessions, works fully
				offline, and syncs with the backend when connectivity returns.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			config, err = loadConfig()
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
		},
	}

	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a session (private by default, --public for a discoverable one)",
		Run:   runCreate, // Defined in cmd_session.go
	}

	listCmd = &cobra.Command{
		Use:     "list",
		Short:   "List your sessions and everything discoverable",
		Aliases: []string{"ls"},
		Run:     runList, // Defined in cmd_session.go
	}

	joinCmd = &cobra.Command{
		Use:   "join [session-id]",
		Short: "Join a session, optionally with an invite token",
		Args:  cobra.ExactArgs(1),
		Run:   runJoin, // Defined in cmd_session.go
	}

	leaveCmd = &cobra.Command{
		Use:   "leave [session-id]",
		Short: "Leave a session",
		Args:  cobra.ExactArgs(1),
		Run:   runLeave, // Defined in cmd_session.go
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session you own",
		Args:  cobra.ExactArgs(1),
		Run:   runDelete, // Defined in cmd_session.go
	}

	inviteCmd = &cobra.Command{
		Use:   "invite [session-id] [user...]",
		Short: "Share a private session and print its invite token",
		Args:  cobra.MinimumNArgs(1),
		Run:   runInvite, // Defined in cmd_session.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and the sync queue",
		Run:   runStatus, // Defined in cmd_session.go
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the backend now",
		Run:   runSync, // Defined in cmd_session.go
	}

	countCmd = &cobra.Command{
		Use:   "count [session-id]",
		Short: "Open the interactive counter for a session",
		Args:  cobra.ExactArgs(1),
		Run:   runCount, // Defined in cmd_count.go
	}
)

func init() {
	createCmd.Flags().StringVarP(&payloadText, "payload", "p", "", "recitation payload (JSON or bare Arabic text)")
	createCmd.Flags().IntVarP(&targetCount, "target", "t", 0, "target count (100-999, 0 picks one at random)")
	createCmd.Flags().BoolVar(&unbounded, "unbounded", false, "no target; count forever")
	createCmd.Flags().BoolVar(&public, "public", false, "create a discoverable public session (admin only)")
	createCmd.Flags().IntVar(&maxParticipants, "max-participants", 0, "participant cap (0 = backend default)")
	_ = createCmd.MarkFlagRequired("payload")

	joinCmd.Flags().StringVar(&inviteToken, "token", "", "invite token for private sessions")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(countCmd)
}
