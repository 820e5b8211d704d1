// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/metrics"
)

// uniqueViolation is the SQLSTATE raised when the pending-identity partial
// unique index rejects a duplicate in-flight attempt.
const uniqueViolation = "23505"

type UpdateRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewUpdateRepository(pool *pgxpool.Pool, logger *slog.Logger) *UpdateRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &UpdateRepository{
		pool:   pool,
		logger: logger,
	}
}

// Create inserts a pending record and its update.started event in one
// transaction. The insert itself is the uniqueness check: a concurrent
// attempt for the same (name, version) identity loses with
// domain.ErrDuplicatePending, never with a torn write.
func (r *UpdateRepository) Create(ctx context.Context, name, version string) (domain.UpdateRecord, error) {
	rec := domain.UpdateRecord{
		ID:      uuid.New(),
		Name:    name,
		Version: version,
		State:   domain.UpdatePending,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.UpdateRecord{}, &domain.StorageError{Op: "create update", Err: err}
	}
	defer tx.Rollback(ctx)

	var ver any
	if version != "" {
		ver = version
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO updates (id, name, version, state)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`,
		rec.ID,
		name,
		ver,
		domain.UpdatePending,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.Warn("duplicate pending update rejected",
				"name", name,
				"version", version,
			)
			return domain.UpdateRecord{}, domain.ErrDuplicatePending
		}
		r.logger.Error("insert update failed", "name", name, "version", version, "error", err)
		return domain.UpdateRecord{}, &domain.StorageError{Op: "create update", Err: err}
	}

	payload, _ := json.Marshal(map[string]string{
		"update_id": rec.ID.String(),
		"name":      name,
		"version":   version,
	})

	if _, err := tx.Exec(ctx, `
		INSERT INTO events (id, update_id, kind, payload)
		VALUES ($1, $2, $3, $4)
	`,
		uuid.New(),
		rec.ID,
		domain.EventUpdateStarted,
		payload,
	); err != nil {
		r.logger.Error("insert started event failed", "update_id", rec.ID, "error", err)
		return domain.UpdateRecord{}, &domain.StorageError{Op: "create update", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit create failed", "update_id", rec.ID, "error", err)
		return domain.UpdateRecord{}, &domain.StorageError{Op: "create update", Err: err}
	}

	metrics.IncEventAppended(string(domain.EventUpdateStarted))
	metrics.IncUpdateTransition(string(domain.UpdatePending))
	r.logger.Info("update created", "update_id", rec.ID, "name", name, "version", version)
	return rec, nil
}

// Get returns one record or domain.ErrUpdateNotFound.
func (r *UpdateRepository) Get(ctx context.Context, id uuid.UUID) (domain.UpdateRecord, error) {
	rec, err := scanUpdate(r.pool.QueryRow(ctx, `
		SELECT id, name, version, state, meta, created_at, updated_at
		FROM updates
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UpdateRecord{}, domain.ErrUpdateNotFound
		}
		r.logger.Error("get update failed", "update_id", id, "error", err)
		return domain.UpdateRecord{}, err
	}

	return rec, nil
}

// SetState overwrites state and meta without appending an event. Legality is
// the caller's problem; only existence is enforced. Recovery uses it to
// realign a cached record with its ledger projection.
func (r *UpdateRepository) SetState(
	ctx context.Context,
	id uuid.UUID,
	state domain.UpdateState,
	meta json.RawMessage,
) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE updates
		SET state=$2, meta=$3, updated_at=NOW()
		WHERE id=$1
	`, id, state, meta)
	if err != nil {
		r.logger.Error("set state failed", "update_id", id, "state", state, "error", err)
		return &domain.StorageError{Op: "set state", Err: err}
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrUpdateNotFound
	}

	metrics.IncUpdateTransition(string(state))
	return nil
}

// Transition performs the CAS state change and appends its event in a single
// transaction: both land or neither does. A CAS miss resolves to
// domain.ErrUpdateNotFound or domain.ErrInvalidTransition without mutating
// anything.
func (r *UpdateRepository) Transition(ctx context.Context, p domain.TransitionParams) (domain.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.Event{}, &domain.StorageError{Op: "transition", Err: err}
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE updates
		SET state=$3, meta=COALESCE($4, meta), updated_at=NOW()
		WHERE id=$1 AND state=$2
	`,
		p.ID,
		p.From,
		p.To,
		p.Meta,
	)
	if err != nil {
		r.logger.Error("transition update failed",
			"update_id", p.ID,
			"from", p.From,
			"to", p.To,
			"error", err,
		)
		return domain.Event{}, &domain.StorageError{Op: "transition", Err: err}
	}

	if cmd.RowsAffected() == 0 {
		var current domain.UpdateState
		err := tx.QueryRow(ctx, `SELECT state FROM updates WHERE id=$1`, p.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrUpdateNotFound
		}
		if err != nil {
			return domain.Event{}, &domain.StorageError{Op: "transition", Err: err}
		}
		r.logger.Warn("transition rejected",
			"update_id", p.ID,
			"current", current,
			"from", p.From,
			"to", p.To,
		)
		return domain.Event{}, domain.ErrInvalidTransition
	}

	ev := domain.Event{
		ID:       uuid.New(),
		UpdateID: p.ID,
		Kind:     p.Kind,
		Payload:  p.Payload,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO events (id, update_id, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, created_at
	`,
		ev.ID,
		p.ID,
		p.Kind,
		p.Payload,
	).Scan(&ev.Seq, &ev.CreatedAt); err != nil {
		r.logger.Error("insert transition event failed", "update_id", p.ID, "error", err)
		return domain.Event{}, &domain.StorageError{Op: "transition", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit transition failed", "update_id", p.ID, "error", err)
		return domain.Event{}, &domain.StorageError{Op: "transition", Err: err}
	}

	metrics.IncUpdateTransition(string(p.To))
	metrics.IncEventAppended(string(p.Kind))
	r.logger.Info("update transitioned",
		"update_id", p.ID,
		"from", p.From,
		"to", p.To,
		"event", p.Kind,
	)
	return ev, nil
}

// ListByState returns every record currently in the given state, oldest
// first. Recovery uses it to find records stuck in pending.
func (r *UpdateRepository) ListByState(ctx context.Context, state domain.UpdateState) ([]domain.UpdateRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, version, state, meta, created_at, updated_at
		FROM updates
		WHERE state = $1
		ORDER BY created_at ASC
	`, state)
	if err != nil {
		r.logger.Error("list updates query failed", "state", state, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UpdateRecord, 0, 8)
	for rows.Next() {
		rec, err := scanUpdate(rows)
		if err != nil {
			r.logger.Error("scan update row failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("updates rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}

// List returns every record, newest first, for the audit/reporting surface.
func (r *UpdateRepository) List(ctx context.Context) ([]domain.UpdateRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, version, state, meta, created_at, updated_at
		FROM updates
		ORDER BY created_at DESC
	`)
	if err != nil {
		r.logger.Error("list updates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UpdateRecord, 0, 16)
	for rows.Next() {
		rec, err := scanUpdate(rows)
		if err != nil {
			r.logger.Error("scan update row failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("updates rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}

func scanUpdate(row pgx.Row) (domain.UpdateRecord, error) {
	var (
		rec     domain.UpdateRecord
		version *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Name,
		&version,
		&rec.State,
		&rec.Meta,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return domain.UpdateRecord{}, err
	}
	if version != nil {
		rec.Version = *version
	}
	return rec, nil
}
