// SPDX-License-Identifier: Apache-2.0

package appliers

import (
	"context"
	"log/slog"
)

// Noop succeeds without doing anything. It exists for development and for
// deployments where the bookkeeping runs ahead of a real installer.
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) Apply(_ context.Context, name, version string) error {
	if n.Logger != nil {
		n.Logger.Info("noop apply", "name", name, "version", version)
	}
	return nil
}

func (n *Noop) Rollback(_ context.Context, name, version string) error {
	if n.Logger != nil {
		n.Logger.Info("noop rollback", "name", name, "version", version)
	}
	return nil
}
