//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestEnsureSchemaIntegration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Skipf("database not reachable: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}

	// Bootstrap must be idempotent.
	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	if err := SchemaReady(ctx, pool); err != nil {
		t.Fatalf("schema ready: %v", err)
	}

	if err := NewSchemaHealthChecker(pool).Check(ctx); err != nil {
		t.Fatalf("health checker: %v", err)
	}
}
