// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/metrics"
)

// Recovery reconciles cached update records with the event ledger. A record
// still pending past the grace window whose ledger shows no outcome event is
// evidence of a crash mid-apply: suspension never spans process lifetimes.
// Recovery resolves it to failed and nothing more; it never re-runs the
// applier, because resuming unknown partial side effects is unsafe.
type Recovery struct {
	updates UpdateStore
	events  EventLog
	grace   time.Duration
	logger  *slog.Logger
}

// NewRecovery builds a sweep. grace is the minimum age a pending record must
// reach before it is treated as interrupted: a sweep running beside a live
// daemon must set it to at least the applier timeout, or an apply still in
// flight would be misrecorded as failed. Zero grace resolves immediately and
// is only safe when no apply can be running (process startup, operator
// intervention).
func NewRecovery(updates UpdateStore, events EventLog, grace time.Duration, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recovery{
		updates: updates,
		events:  events,
		grace:   grace,
		logger:  logger,
	}
}

// Run sweeps every pending record once and returns how many it resolved.
// Per-record failures are collected, not fatal to the sweep.
func (r *Recovery) Run(ctx context.Context) (int, error) {
	pending, err := r.updates.ListByState(ctx, domain.UpdatePending)
	if err != nil {
		return 0, err
	}

	var (
		fixed int
		errs  []error
	)

	for _, rec := range pending {
		events, err := r.events.ListByUpdate(ctx, rec.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		projected, ok := Project(events)

		if !ok || projected == domain.UpdatePending {
			if r.grace > 0 && time.Since(rec.CreatedAt) < r.grace {
				// Still inside the window where an applier call may
				// legitimately be running; leave it for a later sweep.
				continue
			}
			if err := r.failInterrupted(ctx, rec); err != nil {
				errs = append(errs, err)
				continue
			}
			fixed++
			continue
		}

		// The ledger already holds an outcome the cached row missed.
		// Realign the cache without appending anything new.
		r.logger.Warn("record lags ledger, realigning",
			"update_id", rec.ID,
			"cached", rec.State,
			"projected", projected,
		)
		if err := r.updates.SetState(ctx, rec.ID, projected, rec.Meta); err != nil {
			errs = append(errs, err)
		}
	}

	if fixed > 0 {
		r.logger.Info("recovery sweep complete", "resolved", fixed, "scanned", len(pending))
	}

	return fixed, errors.Join(errs...)
}

func (r *Recovery) failInterrupted(ctx context.Context, rec domain.UpdateRecord) error {
	r.logger.Warn("resolving interrupted update",
		"update_id", rec.ID,
		"name", rec.Name,
		"version", rec.Version,
	)

	meta, _ := json.Marshal(map[string]string{
		"reason": "interrupted",
	})
	payload, _ := json.Marshal(map[string]string{
		"update_id": rec.ID.String(),
		"reason":    "interrupted",
	})

	_, err := r.updates.Transition(ctx, domain.TransitionParams{
		ID:      rec.ID,
		From:    domain.UpdatePending,
		To:      domain.UpdateFailed,
		Meta:    meta,
		Kind:    domain.EventUpdateFailed,
		Payload: payload,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Resolved concurrently between the list and the CAS; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	metrics.IncRecoveryFixups()
	return nil
}
