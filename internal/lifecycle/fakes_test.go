// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/updaterd/internal/domain"
)

// memLog is an in-memory EventLog mirroring the repository's append-only
// semantics.
type memLog struct {
	mu     sync.Mutex
	seq    int64
	events []domain.Event
}

func (l *memLog) Append(
	_ context.Context,
	kind domain.EventKind,
	updateID uuid.UUID,
	payload json.RawMessage,
) (domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(kind, updateID, payload), nil
}

func (l *memLog) appendLocked(kind domain.EventKind, updateID uuid.UUID, payload json.RawMessage) domain.Event {
	l.seq++
	ev := domain.Event{
		Seq:       l.seq,
		ID:        uuid.New(),
		UpdateID:  updateID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	l.events = append(l.events, ev)
	return ev
}

func (l *memLog) ListByUpdate(_ context.Context, updateID uuid.UUID) ([]domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.UpdateID == updateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *memLog) kinds(updateID uuid.UUID) []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		if ev.UpdateID == updateID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (l *memLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// memStore is an in-memory UpdateStore mirroring the repository's
// insert-if-absent create and compare-and-swap transition semantics.
type memStore struct {
	mu            sync.Mutex
	log           *memLog
	recs          map[uuid.UUID]domain.UpdateRecord
	transitionErr error
}

func newMemStore(log *memLog) *memStore {
	return &memStore{
		log:  log,
		recs: make(map[uuid.UUID]domain.UpdateRecord),
	}
}

func (s *memStore) Create(_ context.Context, name, version string) (domain.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.recs {
		if rec.Name == name && rec.Version == version && rec.State == domain.UpdatePending {
			return domain.UpdateRecord{}, domain.ErrDuplicatePending
		}
	}

	now := time.Now()
	rec := domain.UpdateRecord{
		ID:        uuid.New(),
		Name:      name,
		Version:   version,
		State:     domain.UpdatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.recs[rec.ID] = rec

	payload, _ := json.Marshal(map[string]string{
		"update_id": rec.ID.String(),
		"name":      name,
		"version":   version,
	})
	s.log.mu.Lock()
	s.log.appendLocked(domain.EventUpdateStarted, rec.ID, payload)
	s.log.mu.Unlock()

	return rec, nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (domain.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return domain.UpdateRecord{}, domain.ErrUpdateNotFound
	}
	return rec, nil
}

func (s *memStore) SetState(
	_ context.Context,
	id uuid.UUID,
	state domain.UpdateState,
	meta json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrUpdateNotFound
	}
	rec.State = state
	rec.Meta = meta
	rec.UpdatedAt = time.Now()
	s.recs[id] = rec
	return nil
}

func (s *memStore) Transition(_ context.Context, p domain.TransitionParams) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transitionErr != nil {
		return domain.Event{}, s.transitionErr
	}

	rec, ok := s.recs[p.ID]
	if !ok {
		return domain.Event{}, domain.ErrUpdateNotFound
	}
	if rec.State != p.From {
		return domain.Event{}, domain.ErrInvalidTransition
	}

	rec.State = p.To
	if p.Meta != nil {
		rec.Meta = p.Meta
	}
	rec.UpdatedAt = time.Now()
	s.recs[p.ID] = rec

	s.log.mu.Lock()
	ev := s.log.appendLocked(p.Kind, p.ID, p.Payload)
	s.log.mu.Unlock()
	return ev, nil
}

func (s *memStore) ListByState(_ context.Context, state domain.UpdateState) ([]domain.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.UpdateRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	return out, nil
}

// seed inserts a record directly, bypassing Create and the started event.
func (s *memStore) seed(rec domain.UpdateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
}

func (s *memStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.recs {
		if rec.State == domain.UpdatePending {
			n++
		}
	}
	return n
}

// fakeApplier scripts the external capability.
type fakeApplier struct {
	mu           sync.Mutex
	applyErr     error
	rollbackErr  error
	applyGate    chan struct{} // when set, Apply blocks until closed
	applyCalls   []string
	rollbackCall []string
}

func (a *fakeApplier) Apply(ctx context.Context, name, version string) error {
	a.mu.Lock()
	a.applyCalls = append(a.applyCalls, name+"@"+version)
	gate := a.applyGate
	err := a.applyErr
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (a *fakeApplier) Rollback(ctx context.Context, name, version string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbackCall = append(a.rollbackCall, name+"@"+version)
	return a.rollbackErr
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []domain.UpdateRecord
}

func (n *recordingNotifier) NotifyTerminal(_ context.Context, rec domain.UpdateRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
}
