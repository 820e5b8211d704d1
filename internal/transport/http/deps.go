// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"

	"github.com/opsforge/updaterd/internal/domain"
)

// UpdateService is the state machine surface exposed over HTTP.
type UpdateService interface {
	Apply(ctx context.Context, name, version string) (domain.UpdateRecord, error)
	Rollback(ctx context.Context, id uuid.UUID) (domain.UpdateRecord, error)
}

// UpdateReader is the audit read surface over update records.
type UpdateReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.UpdateRecord, error)
	List(ctx context.Context) ([]domain.UpdateRecord, error)
	ListByState(ctx context.Context, state domain.UpdateState) ([]domain.UpdateRecord, error)
}

// EventReader is the audit read surface over the ledger.
type EventReader interface {
	ListByUpdate(ctx context.Context, updateID uuid.UUID) ([]domain.Event, error)
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error)
}

// Recoverer triggers one recovery sweep.
type Recoverer interface {
	Run(ctx context.Context) (int, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
