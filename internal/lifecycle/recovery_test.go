// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/updaterd/internal/domain"
)

func TestRecoveryResolvesInterruptedPending(t *testing.T) {
	log := &memLog{}
	store := newMemStore(log)

	// Simulate a crash mid-apply: pending record, started event, nothing else.
	id := uuid.New()
	store.seed(domain.UpdateRecord{
		ID:      id,
		Name:    "agent",
		Version: "2.3",
		State:   domain.UpdatePending,
	})
	payload, _ := json.Marshal(map[string]string{"update_id": id.String()})
	if _, err := log.Append(context.Background(), domain.EventUpdateStarted, id, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	before := log.count()

	rec := NewRecovery(store, log, 0, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 1 {
		t.Fatalf("expected 1 resolved record got %d", fixed)
	}

	stored, _ := store.Get(context.Background(), id)
	if stored.State != domain.UpdateFailed {
		t.Fatalf("expected interrupted record to end failed, got %s", stored.State)
	}
	if !strings.Contains(string(stored.Meta), "interrupted") {
		t.Fatalf("expected interrupted marker in meta, got %s", stored.Meta)
	}

	if log.count() != before+1 {
		t.Fatalf("expected exactly one new event, got %d", log.count()-before)
	}

	events, _ := log.ListByUpdate(context.Background(), id)
	last := events[len(events)-1]
	if last.Kind != domain.EventUpdateFailed {
		t.Fatalf("expected update.failed appended, got %s", last.Kind)
	}

	// The fixed-up record replays cleanly.
	projected, ok := Project(events)
	if !ok || projected != domain.UpdateFailed {
		t.Fatalf("expected projection failed got %s (ok=%v)", projected, ok)
	}
}

func TestRecoveryNothingPending(t *testing.T) {
	log := &memLog{}
	store := newMemStore(log)

	rec := NewRecovery(store, log, 0, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 0 {
		t.Fatalf("expected 0 resolved records got %d", fixed)
	}
	if log.count() != 0 {
		t.Fatal("an idle sweep must not append events")
	}
}

func TestRecoveryRealignsLaggingRecord(t *testing.T) {
	log := &memLog{}
	store := newMemStore(log)

	// The ledger holds an outcome the cached row never received.
	id := uuid.New()
	store.seed(domain.UpdateRecord{
		ID:    id,
		Name:  "agent",
		State: domain.UpdatePending,
	})
	_, _ = log.Append(context.Background(), domain.EventUpdateStarted, id, nil)
	_, _ = log.Append(context.Background(), domain.EventUpdateApplied, id, nil)

	before := log.count()

	rec := NewRecovery(store, log, 0, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 0 {
		t.Fatalf("cache repair is not an interrupted fixup, got %d", fixed)
	}

	stored, _ := store.Get(context.Background(), id)
	if stored.State != domain.UpdateApplied {
		t.Fatalf("expected realigned state applied got %s", stored.State)
	}
	if log.count() != before {
		t.Fatal("cache repair must not append events")
	}
}

func TestRecoveryLeavesResolvedRecordsAlone(t *testing.T) {
	applier := &fakeApplier{}
	m, store, log := newTestMachine(applier)

	done, err := m.Apply(context.Background(), "agent", "2.3")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	before := log.count()

	rec := NewRecovery(store, log, 0, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 0 {
		t.Fatalf("expected no fixups got %d", fixed)
	}
	if log.count() != before {
		t.Fatal("sweep over resolved records must not append events")
	}

	stored, _ := store.Get(context.Background(), done.ID)
	if stored.State != domain.UpdateApplied {
		t.Fatalf("expected applied record untouched, got %s", stored.State)
	}
}

func TestRecoveryUnblocksIdentity(t *testing.T) {
	log := &memLog{}
	store := newMemStore(log)

	id := uuid.New()
	store.seed(domain.UpdateRecord{
		ID:      id,
		Name:    "pkg",
		Version: "1.0",
		State:   domain.UpdatePending,
	})
	_, _ = log.Append(context.Background(), domain.EventUpdateStarted, id, nil)

	m := New(Deps{
		Updates: store,
		Events:  log,
		Applier: &fakeApplier{},
		Logger:  discardLogger(),
	})

	// Blocked while the stale pending record holds the identity.
	if _, err := m.Apply(context.Background(), "pkg", "1.0"); err == nil {
		t.Fatal("expected stale pending record to block a fresh apply")
	}

	rec := NewRecovery(store, log, 0, discardLogger())
	if _, err := rec.Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}

	// Unblocked after the sweep.
	if _, err := m.Apply(context.Background(), "pkg", "1.0"); err != nil {
		t.Fatalf("expected fresh apply after recovery, got %v", err)
	}
}

func TestRecoveryGraceLeavesLiveApplyAlone(t *testing.T) {
	gate := make(chan struct{})
	applier := &fakeApplier{applyGate: gate}
	m, store, log := newTestMachine(applier)

	applyDone := make(chan error, 1)
	go func() {
		_, err := m.Apply(context.Background(), "agent", "2.3")
		applyDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.pendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("apply never created its pending record")
		}
		time.Sleep(time.Millisecond)
	}

	before := log.count()

	// A graced sweep must not touch a record younger than the grace window.
	rec := NewRecovery(store, log, time.Hour, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 0 {
		t.Fatalf("sweep resolved %d record(s) while the apply was in flight", fixed)
	}
	if log.count() != before {
		t.Fatal("sweep must not append events for a live apply")
	}

	close(gate)
	if err := <-applyDone; err != nil {
		t.Fatalf("in-flight apply must still succeed after the sweep: %v", err)
	}
}

func TestRecoveryGraceResolvesStalePending(t *testing.T) {
	log := &memLog{}
	store := newMemStore(log)

	id := uuid.New()
	store.seed(domain.UpdateRecord{
		ID:        id,
		Name:      "agent",
		Version:   "2.3",
		State:     domain.UpdatePending,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	_, _ = log.Append(context.Background(), domain.EventUpdateStarted, id, nil)

	rec := NewRecovery(store, log, time.Hour, discardLogger())
	fixed, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if fixed != 1 {
		t.Fatalf("expected stale record past the grace window to resolve, got %d", fixed)
	}

	stored, _ := store.Get(context.Background(), id)
	if stored.State != domain.UpdateFailed {
		t.Fatalf("expected failed got %s", stored.State)
	}
}
