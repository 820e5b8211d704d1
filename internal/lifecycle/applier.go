// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "context"

// Applier is the external capability that performs and undoes the actual
// effect of an update (installer, migration runner, deployment agent). Both
// calls may block for the duration of the work; cancellation surfaces as an
// error return.
type Applier interface {
	Apply(ctx context.Context, name, version string) error
	Rollback(ctx context.Context, name, version string) error
}
