// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/AleutianAI/wird/services/sessiond/datatypes"
)

// mergeSnapshot reconciles an incoming remote row with the locally held
// one under the monotonic rule: the counter never moves backwards on a
// client that has unconfirmed local clicks.
//
// Description:
//
//	When the local count is ahead of the incoming one, the local count
//	wins and every other field (payload, target, flags, participants
//	cap, timestamps) is adopted from the incoming row. Otherwise the
//	incoming row is adopted wholesale. The merged row is re-clamped
//	against the adopted target, since the remote may have lowered it
//	below a count we are still holding.
//
// Outputs:
//
//	datatypes.Session - The merged row.
//	bool - True when the local count was preserved over the incoming one.
func mergeSnapshot(local, incoming datatypes.Session, now time.Time) (datatypes.Session, bool) {
	if local.CurrentCount <= incoming.CurrentCount {
		return incoming.Clone(), false
	}

	merged := incoming.Clone()
	merged.CurrentCount = local.CurrentCount
	if merged.TargetCount != nil && merged.CurrentCount >= *merged.TargetCount {
		merged.CurrentCount = *merged.TargetCount
		if merged.IsActive {
			merged.IsActive = false
			merged.UpdatedAt = now.UTC()
		}
		if merged.CompletedAt == nil {
			if local.CompletedAt != nil {
				merged.CompletedAt = local.CompletedAt
			} else {
				ts := now.UTC()
				merged.CompletedAt = &ts
			}
		}
	}
	return merged, true
}

// applyOptimisticClick advances the local row immediately, before any
// remote confirmation, so the UI reflects the click with no round trip.
//
// Outputs:
//
//	bool - False when the session was already complete and nothing moved.
func applyOptimisticClick(sess *datatypes.Session, now time.Time) bool {
	return sess.ApplyClick(now)
}
