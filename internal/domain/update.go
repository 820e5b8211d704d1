// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UpdateState is the lifecycle state of a single update attempt.
type UpdateState string

const (
	UpdatePending    UpdateState = "pending"
	UpdateApplied    UpdateState = "applied"
	UpdateFailed     UpdateState = "failed"
	UpdateRolledBack UpdateState = "rolled_back"
)

// legalTransitions is the closed transition table. Anything absent here is
// rejected with ErrInvalidTransition before any mutation happens.
var legalTransitions = map[UpdateState]map[UpdateState]bool{
	UpdatePending: {
		UpdateApplied: true,
		UpdateFailed:  true,
	},
	UpdateApplied: {
		UpdateRolledBack: true,
	},
	UpdateFailed: {
		UpdateRolledBack: true,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to UpdateState) bool {
	return legalTransitions[from][to]
}

// ValidState reports whether s is one of the four enumerated states.
func ValidState(s UpdateState) bool {
	switch s {
	case UpdatePending, UpdateApplied, UpdateFailed, UpdateRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no forward transition out of s exists.
// applied still admits a single rollback; rolled_back admits nothing.
func Terminal(s UpdateState) bool {
	return len(legalTransitions[s]) == 0
}

// TransitionParams describes one compare-and-swap state transition and the
// event recorded atomically with it.
type TransitionParams struct {
	ID      uuid.UUID
	From    UpdateState
	To      UpdateState
	Meta    json.RawMessage
	Kind    EventKind
	Payload json.RawMessage
}

// UpdateRecord is the cached projection of one update attempt. The event
// ledger is the source of truth; the record exists so lookups and the
// pending-uniqueness check do not replay history.
type UpdateRecord struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Version   string          `json:"version,omitempty"`
	State     UpdateState     `json:"state"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
