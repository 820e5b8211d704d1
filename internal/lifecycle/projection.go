// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "github.com/opsforge/updaterd/internal/domain"

// Project replays one update's event subsequence in seq order and returns
// the lifecycle state it implies. ok is false when the slice carries no
// state-bearing event. The ledger is the source of truth; the cached
// UpdateRecord must always agree with this function.
func Project(events []domain.Event) (domain.UpdateState, bool) {
	var (
		state domain.UpdateState
		ok    bool
	)

	for _, ev := range events {
		switch ev.Kind {
		case domain.EventUpdateStarted:
			state, ok = domain.UpdatePending, true
		case domain.EventUpdateApplied:
			state, ok = domain.UpdateApplied, true
		case domain.EventUpdateFailed:
			state, ok = domain.UpdateFailed, true
		case domain.EventUpdateRolledBack:
			state, ok = domain.UpdateRolledBack, true
		case domain.EventUpdateRollbackStarted:
			// announces intent only; the state holds until update.rolled_back
		}
	}

	return state, ok
}
