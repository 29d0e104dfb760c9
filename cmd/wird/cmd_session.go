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
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wird/pkg/dhikr"
	"github.com/AleutianAI/wird/services/engine"
)

func runCreate(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		params := engine.CreateParams{
			Payload:         payloadText,
			Unbounded:       unbounded,
			MaxParticipants: maxParticipants,
			Visibility:      engine.VisibilityPrivate,
		}
		if public {
			params.Visibility = engine.VisibilityPublic
		}
		if targetCount > 0 {
			t := targetCount
			params.Target = &t
		}

		view, err := r.manager.CreateSession(ctx, params)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s session %s\n", view.Kind, view.ID)
		if view.TargetCount != nil {
			fmt.Printf("Target: %d\n", *view.TargetCount)
		} else {
			fmt.Println("Target: unbounded")
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error creating session: %v", err)
	}
}

func runList(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		views, err := r.manager.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, v := range views {
			target := "∞"
			if v.TargetCount != nil {
				target = fmt.Sprintf("%d", *v.TargetCount)
			}
			state := "active"
			if !v.IsActive {
				state = "complete"
			}
			tier := ""
			if v.Tier != "" {
				tier = " [" + string(v.Tier) + "]"
			}
			fmt.Printf("%-8s%s  %s  %d/%s  %s  %s\n",
				v.Kind, tier, v.ID, v.CurrentCount, target, state,
				dhikr.Parse(v.Payload).Display())
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error listing sessions: %v", err)
	}
}

func runJoin(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		view, err := r.manager.JoinSession(ctx, args[0], inviteToken)
		if err != nil {
			return err
		}
		fmt.Printf("Joined session %s (%d", view.ID, view.CurrentCount)
		if view.TargetCount != nil {
			fmt.Printf("/%d", *view.TargetCount)
		}
		fmt.Println(")")
		return nil
	})
	if err != nil {
		log.Fatalf("Error joining session: %v", err)
	}
}

func runLeave(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		if err := r.manager.LeaveSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Left session %s\n", args[0])
		return nil
	})
	if err != nil {
		log.Fatalf("Error leaving session: %v", err)
	}
}

func runDelete(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		if err := r.manager.DeleteSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	})
	if err != nil {
		log.Fatalf("Error deleting session: %v", err)
	}
}

func runInvite(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		token, err := r.manager.Invite(ctx, args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Printf("Session shared. Invite token: %s\n", token)
		fmt.Printf("Invitees join with: wird join %s --token %s\n", args[0], token)
		return nil
	})
	if err != nil {
		log.Fatalf("Error sharing session: %v", err)
	}
}

func runStatus(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		status, err := r.manager.SyncStatus(ctx)
		if err != nil {
			return err
		}
		switch {
		case status.LocalOnlyMode:
			fmt.Println("Mode:     local-only (no backend configured)")
		case status.Online:
			fmt.Println("Backend:  online")
		default:
			fmt.Println("Backend:  offline")
		}
		fmt.Printf("Pending:  %d queued operation(s)\n", status.PendingCount)
		if status.DeadCount > 0 {
			fmt.Printf("Dead:     %d operation(s) dropped after repeated failures\n", status.DeadCount)
		}
		if !status.LastDrain.IsZero() {
			fmt.Printf("Last sync: %s\n", status.LastDrain.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error reading status: %v", err)
	}
}

func runSync(cmd *cobra.Command, args []string) {
	err := withRuntime(func(ctx context.Context, r *runtime) error {
		before, err := r.manager.SyncStatus(ctx)
		if err != nil {
			return err
		}
		if before.PendingCount == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		if err := r.manager.Drain(ctx); err != nil {
			return err
		}
		after, err := r.manager.SyncStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d operation(s); %d still pending\n",
			before.PendingCount-after.PendingCount, after.PendingCount)
		return nil
	})
	if err != nil {
		log.Fatalf("Error syncing: %v", err)
	}
}
