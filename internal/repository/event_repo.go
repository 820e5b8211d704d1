// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/metrics"
)

// EventRepository is the append-only ledger. Rows are never updated or
// deleted; seq is assigned by the database and is the replay order.
type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// Append writes one event in a single atomic insert and returns it with the
// assigned seq and timestamp. A zero updateID records a ledger-wide event
// with no update reference.
func (r *EventRepository) Append(
	ctx context.Context,
	kind domain.EventKind,
	updateID uuid.UUID,
	payload json.RawMessage,
) (domain.Event, error) {
	ev := domain.Event{
		ID:       uuid.New(),
		UpdateID: updateID,
		Kind:     kind,
		Payload:  payload,
	}

	var ref any
	if updateID != uuid.Nil {
		ref = updateID
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO events (id, update_id, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, created_at
	`,
		ev.ID,
		ref,
		ev.Kind,
		payload,
	).Scan(&ev.Seq, &ev.CreatedAt)
	if err != nil {
		r.logger.Error("append event failed",
			"kind", kind,
			"update_id", updateID,
			"error", err,
		)
		return domain.Event{}, &domain.StorageError{Op: "append event", Err: err}
	}

	metrics.IncEventAppended(string(kind))
	return ev, nil
}

// ListAll returns the whole ledger in append order.
func (r *EventRepository) ListAll(ctx context.Context) ([]domain.Event, error) {
	return r.list(ctx, `
		SELECT seq, id, update_id, kind, payload, created_at
		FROM events
		ORDER BY seq ASC
	`)
}

// ListByUpdate returns the event subsequence referencing one update,
// preserving append order.
func (r *EventRepository) ListByUpdate(ctx context.Context, updateID uuid.UUID) ([]domain.Event, error) {
	return r.list(ctx, `
		SELECT seq, id, update_id, kind, payload, created_at
		FROM events
		WHERE update_id = $1
		ORDER BY seq ASC
	`, updateID)
}

// ListAfter returns up to limit events with seq greater than afterSeq, in
// append order. It backs the audit stream cursor.
func (r *EventRepository) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT seq, id, update_id, kind, payload, created_at
		FROM events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list events query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Event, 0, 16)
	for rows.Next() {
		var (
			ev  domain.Event
			ref *uuid.UUID
		)
		if err := rows.Scan(
			&ev.Seq,
			&ev.ID,
			&ref,
			&ev.Kind,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			r.logger.Error("scan event row failed", "error", err)
			return nil, err
		}
		if ref != nil {
			ev.UpdateID = *ref
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}
