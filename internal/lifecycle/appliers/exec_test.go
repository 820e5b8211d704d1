// SPDX-License-Identifier: Apache-2.0

package appliers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec applier tests rely on unix coreutils")
	}
}

func TestExecApplySuccess(t *testing.T) {
	requireUnix(t)

	a := NewExec("true", "true", time.Second, testLogger())
	if err := a.Apply(context.Background(), "pkg", "1.0"); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := a.Rollback(context.Background(), "pkg", "1.0"); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
}

func TestExecApplyFailure(t *testing.T) {
	requireUnix(t)

	a := NewExec("false", "false", time.Second, testLogger())
	err := a.Apply(context.Background(), "pkg", "1.0")
	if err == nil {
		t.Fatal("expected non-zero exit to fail")
	}
	if !strings.Contains(err.Error(), "apply command failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecUnconfigured(t *testing.T) {
	a := NewExec("", "", time.Second, testLogger())

	if err := a.Apply(context.Background(), "pkg", "1.0"); err == nil {
		t.Fatal("expected unconfigured apply command to fail")
	}
	if err := a.Rollback(context.Background(), "pkg", "1.0"); err == nil {
		t.Fatal("expected unconfigured rollback command to fail")
	}
}

func TestExecTimeout(t *testing.T) {
	requireUnix(t)

	a := NewExec("sleep", "", 50*time.Millisecond, testLogger())
	err := a.Apply(context.Background(), "5", "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecDefaults(t *testing.T) {
	a := NewExec(" apply-cmd ", "rb-cmd", 0, nil)
	if a.applyCmd != "apply-cmd" {
		t.Fatalf("expected trimmed apply command, got %q", a.applyCmd)
	}
	if a.timeout != 5*time.Minute {
		t.Fatalf("expected default timeout 5m, got %s", a.timeout)
	}
	if a.logger == nil {
		t.Fatal("expected default logger")
	}
}

func TestNoop(t *testing.T) {
	n := &Noop{Logger: testLogger()}
	if err := n.Apply(context.Background(), "pkg", "1.0"); err != nil {
		t.Fatalf("noop apply: %v", err)
	}
	if err := n.Rollback(context.Background(), "pkg", "1.0"); err != nil {
		t.Fatalf("noop rollback: %v", err)
	}
}
