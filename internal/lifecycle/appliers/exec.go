// SPDX-License-Identifier: Apache-2.0

// Package appliers provides Applier implementations for the state machine.
package appliers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const outputTail = 512

// Exec shells out to configured commands. Each command is invoked as
// `cmd <name> <version>` (version omitted when empty) and must exit zero on
// success. Stdout/stderr are captured and attached to the error on failure.
type Exec struct {
	applyCmd    string
	rollbackCmd string
	timeout     time.Duration
	logger      *slog.Logger
}

func NewExec(applyCmd, rollbackCmd string, timeout time.Duration, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Exec{
		applyCmd:    strings.TrimSpace(applyCmd),
		rollbackCmd: strings.TrimSpace(rollbackCmd),
		timeout:     timeout,
		logger:      logger,
	}
}

func (e *Exec) Apply(ctx context.Context, name, version string) error {
	if e.applyCmd == "" {
		return errors.New("no apply command configured")
	}
	return e.run(ctx, "apply", e.applyCmd, name, version)
}

func (e *Exec) Rollback(ctx context.Context, name, version string) error {
	if e.rollbackCmd == "" {
		return errors.New("no rollback command configured")
	}
	return e.run(ctx, "rollback", e.rollbackCmd, name, version)
}

func (e *Exec) run(ctx context.Context, stage, command, name, version string) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{name}
	if version != "" {
		args = append(args, version)
	}

	started := time.Now()
	cmd := exec.CommandContext(cctx, command, args...)
	out, err := cmd.CombinedOutput()

	if err != nil {
		e.logger.Error("applier command failed",
			"stage", stage,
			"command", command,
			"name", name,
			"version", version,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		if cctx.Err() != nil {
			return fmt.Errorf("%s command timed out after %s: %w", stage, e.timeout, cctx.Err())
		}
		return fmt.Errorf("%s command failed: %w: %s", stage, err, tail(out))
	}

	e.logger.Info("applier command succeeded",
		"stage", stage,
		"command", command,
		"name", name,
		"version", version,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > outputTail {
		s = s[len(s)-outputTail:]
	}
	return s
}
