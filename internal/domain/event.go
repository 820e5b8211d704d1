// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind is the enumerated category of a ledger entry.
type EventKind string

const (
	EventUpdateStarted         EventKind = "update.started"
	EventUpdateApplied         EventKind = "update.applied"
	EventUpdateFailed          EventKind = "update.failed"
	EventUpdateRollbackStarted EventKind = "update.rollback_started"
	EventUpdateRolledBack      EventKind = "update.rolled_back"
)

// Event is one immutable ledger entry. Seq is assigned by the log and is the
// ordering key; CreatedAt is non-decreasing with Seq. UpdateID is the zero
// UUID for ledger-wide events with no update reference (omitempty cannot
// elide an array type, so the zero value is the explicit wire form).
type Event struct {
	Seq       int64           `json:"seq"`
	ID        uuid.UUID       `json:"id"`
	UpdateID  uuid.UUID       `json:"update_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
