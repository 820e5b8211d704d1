// SPDX-License-Identifier: Apache-2.0

// Package lifecycle owns the update state machine: it validates transitions,
// drives the external applier, and records every outcome on the event ledger
// before the cached record moves.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/metrics"
)

// UpdateStore is the record store the machine drives. The pgx-backed
// repository implements it; tests substitute in-memory fakes.
type UpdateStore interface {
	Create(ctx context.Context, name, version string) (domain.UpdateRecord, error)
	Get(ctx context.Context, id uuid.UUID) (domain.UpdateRecord, error)
	SetState(ctx context.Context, id uuid.UUID, state domain.UpdateState, meta json.RawMessage) error
	Transition(ctx context.Context, p domain.TransitionParams) (domain.Event, error)
	ListByState(ctx context.Context, state domain.UpdateState) ([]domain.UpdateRecord, error)
}

// EventLog is the append-only ledger surface the machine needs.
type EventLog interface {
	Append(ctx context.Context, kind domain.EventKind, updateID uuid.UUID, payload json.RawMessage) (domain.Event, error)
	ListByUpdate(ctx context.Context, updateID uuid.UUID) ([]domain.Event, error)
}

// Notifier is told when an update reaches a terminal state. Delivery is
// best-effort and must not block bookkeeping.
type Notifier interface {
	NotifyTerminal(ctx context.Context, rec domain.UpdateRecord)
}

type Deps struct {
	Updates  UpdateStore
	Events   EventLog
	Applier  Applier
	Notifier Notifier
	Logger   *slog.Logger
}

type Machine struct {
	updates  UpdateStore
	events   EventLog
	applier  Applier
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(deps Deps) *Machine {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	return &Machine{
		updates:  deps.Updates,
		events:   deps.Events,
		applier:  deps.Applier,
		notifier: deps.Notifier,
		logger:   l,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// Apply runs one update attempt end to end: create the pending record (the
// atomic insert doubles as the duplicate-attempt check), invoke the applier,
// record the outcome. The returned record carries the final state; an
// applier failure is returned as *domain.ApplierError after it has been
// recorded, never as a crash.
func (m *Machine) Apply(ctx context.Context, name, version string) (domain.UpdateRecord, error) {
	rec, err := m.updates.Create(ctx, name, version)
	if err != nil {
		return domain.UpdateRecord{}, err
	}

	lock := m.lockFor(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	applyErr := m.applier.Apply(ctx, name, version)
	metrics.ObserveApplierDuration("apply", time.Since(started))

	// The outcome must be recorded even when the applier call itself was
	// canceled; a record is never left pending past this call's return.
	recordCtx := context.WithoutCancel(ctx)

	if applyErr != nil {
		m.logger.Error("applier failed",
			"update_id", rec.ID,
			"name", name,
			"version", version,
			"error", applyErr,
		)

		meta, _ := json.Marshal(map[string]string{
			"stage": "apply",
			"error": applyErr.Error(),
		})
		payload, _ := json.Marshal(map[string]string{
			"update_id": rec.ID.String(),
			"error":     applyErr.Error(),
		})
		if _, err := m.updates.Transition(recordCtx, domain.TransitionParams{
			ID:      rec.ID,
			From:    domain.UpdatePending,
			To:      domain.UpdateFailed,
			Meta:    meta,
			Kind:    domain.EventUpdateFailed,
			Payload: payload,
		}); err != nil {
			// The caller still needs the record id to inspect or retry.
			return rec, err
		}

		rec.State = domain.UpdateFailed
		rec.Meta = meta
		m.notifyTerminal(recordCtx, rec)
		return rec, &domain.ApplierError{Stage: "apply", Err: applyErr}
	}

	payload, _ := json.Marshal(map[string]string{
		"update_id": rec.ID.String(),
	})
	if _, err := m.updates.Transition(recordCtx, domain.TransitionParams{
		ID:      rec.ID,
		From:    domain.UpdatePending,
		To:      domain.UpdateApplied,
		Kind:    domain.EventUpdateApplied,
		Payload: payload,
	}); err != nil {
		return rec, err
	}

	m.logger.Info("update applied", "update_id", rec.ID, "name", name, "version", version)

	rec.State = domain.UpdateApplied
	m.notifyTerminal(recordCtx, rec)
	return rec, nil
}

// Rollback undoes one applied or failed update. The record reaches
// rolled_back regardless of the inverse capability's success; an inverse
// failure is recorded in meta and returned as *domain.ApplierError.
func (m *Machine) Rollback(ctx context.Context, id uuid.UUID) (domain.UpdateRecord, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.updates.Get(ctx, id)
	if err != nil {
		return domain.UpdateRecord{}, err
	}

	if !domain.CanTransition(rec.State, domain.UpdateRolledBack) {
		m.logger.Warn("rollback rejected",
			"update_id", id,
			"state", rec.State,
		)
		return domain.UpdateRecord{}, domain.ErrInvalidTransition
	}

	payload, _ := json.Marshal(map[string]string{
		"update_id": id.String(),
		"from":      string(rec.State),
	})
	if _, err := m.events.Append(ctx, domain.EventUpdateRollbackStarted, id, payload); err != nil {
		return domain.UpdateRecord{}, err
	}

	started := time.Now()
	rbErr := m.applier.Rollback(ctx, rec.Name, rec.Version)
	metrics.ObserveApplierDuration("rollback", time.Since(started))

	recordCtx := context.WithoutCancel(ctx)

	outcome := map[string]string{"rollback": "ok"}
	if rbErr != nil {
		m.logger.Error("applier rollback failed",
			"update_id", id,
			"name", rec.Name,
			"version", rec.Version,
			"error", rbErr,
		)
		outcome = map[string]string{"rollback_error": rbErr.Error()}
	}

	meta, _ := json.Marshal(outcome)
	outcome["update_id"] = id.String()
	donePayload, _ := json.Marshal(outcome)

	if _, err := m.updates.Transition(recordCtx, domain.TransitionParams{
		ID:      id,
		From:    rec.State,
		To:      domain.UpdateRolledBack,
		Meta:    meta,
		Kind:    domain.EventUpdateRolledBack,
		Payload: donePayload,
	}); err != nil {
		return rec, err
	}

	m.logger.Info("update rolled back",
		"update_id", id,
		"name", rec.Name,
		"version", rec.Version,
		"inverse_ok", rbErr == nil,
	)

	rec.State = domain.UpdateRolledBack
	rec.Meta = meta
	m.notifyTerminal(recordCtx, rec)

	if rbErr != nil {
		return rec, &domain.ApplierError{Stage: "rollback", Err: rbErr}
	}
	return rec, nil
}

func (m *Machine) notifyTerminal(ctx context.Context, rec domain.UpdateRecord) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyTerminal(ctx, rec)
}

// lockFor serializes transitions per update id within this process. The SQL
// compare-and-swap in the store remains the cross-process guarantee. Entries
// are never evicted: ids are random UUIDs that are never reused, so the map
// holds one mutex per update seen during the process lifetime.
func (m *Machine) lockFor(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}
