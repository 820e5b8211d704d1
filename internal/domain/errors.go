// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrDuplicatePending = errors.New("an attempt for this update identity is already pending")
var ErrInvalidTransition = errors.New("invalid update state transition")
var ErrUpdateNotFound = errors.New("update not found")

// StorageError marks a durability failure on the ledger or record store.
// The in-flight operation is aborted whole: either the event and the state
// mutation both landed, or neither did.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ApplierError reports a failure of the external applier capability. It is
// recorded in the update's meta before being returned; it never crashes the
// state machine.
type ApplierError struct {
	Stage string // "apply" or "rollback"
	Err   error
}

func (e *ApplierError) Error() string {
	return fmt.Sprintf("applier %s failed: %v", e.Stage, e.Err)
}

func (e *ApplierError) Unwrap() error { return e.Err }
