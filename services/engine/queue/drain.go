// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Dispatcher replays a single queued operation against the backend.
//
// A nil error confirms the operation and removes the item. ErrUnknownKind
// dead-letters the item immediately; any other error counts as a retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, item Item) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, item Item) error

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Dispatched int
	Failed     int
	Dead       int
}

// Drainer replays pending operations in order with jittered exponential
// backoff between consecutive failures.
//
// Thread Safety: Safe for concurrent use; passes are serialized so two
// triggers (startup and connectivity-regained, say) never interleave
// replays.
type Drainer struct {
	queue    *Queue
	dispatch Dispatcher
	logger   *slog.Logger

	mu        sync.Mutex
	draining  bool
	lastDrain time.Time
}

// NewDrainer builds a drainer over q.
func NewDrainer(q *Queue, dispatch Dispatcher, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:    q,
		dispatch: dispatch,
		logger:   logger.With(slog.String("component", "queue_drainer")),
	}
}

// Draining reports whether a pass is in flight.
func (d *Drainer) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// LastDrain returns the completion time of the most recent pass, zero if
// none has run.
func (d *Drainer) LastDrain() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDrain
}

// Drain replays every pending item once, in sequence order.
//
// Description:
//
//	Successful items are removed. Failed items get a retry recorded (and
//	dead-letter past the cap) and stay for the next pass; a backoff sleep
//	separates consecutive failures so a dead backend is not hammered.
//	The pass stops early when ctx is cancelled.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return DrainResult{}, nil
	}
	d.draining = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.draining = false
		d.lastDrain = time.Now().UTC()
		d.mu.Unlock()
	}()

	items, err := d.queue.Items(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if len(items) == 0 {
		return DrainResult{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var res DrainResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		derr := d.dispatch.Dispatch(ctx, item)
		if derr == nil {
			if err := d.queue.Remove(ctx, item); err != nil {
				return res, err
			}
			res.Dispatched++
			bo.Reset()
			continue
		}
		if errors.Is(derr, ErrUnknownKind) {
			// No retry will ever succeed; dead-letter without burning the cap.
			item.RetryCount = MaxRetries - 1
		}

		dead, err := d.queue.RecordFailure(ctx, item)
		if err != nil {
			return res, err
		}
		if dead {
			res.Dead++
		} else {
			res.Failed++
		}

		d.logger.Debug("replay failed",
			slog.String("kind", string(item.Kind)),
			slog.Uint64("seq", item.SeqNum),
			slog.Int("retries", item.RetryCount+1),
			slog.Bool("dead", dead),
			slog.String("error", derr.Error()))

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	d.logger.Info("drain pass complete",
		slog.Int("dispatched", res.Dispatched),
		slog.Int("failed", res.Failed),
		slog.Int("dead", res.Dead))
	return res, nil
}
