// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsforge/updaterd/internal/domain"
	"github.com/opsforge/updaterd/internal/metrics"
	"github.com/opsforge/updaterd/internal/transport/middleware"
)

type applyRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Deps struct {
	Updates       UpdateService
	UpdateReader  UpdateReader
	EventReader   EventReader
	Recovery      Recoverer
	HealthChecker HealthChecker
	Logger        *slog.Logger
	AdminToken    string
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.Check(r.Context()); err != nil {
				logger.Error("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- APPLY ----------------

	r.Post("/updates", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeApplyRequest(r)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}

		rec, err := deps.Updates.Apply(r.Context(), req.Name, req.Version)
		if err != nil {
			var aerr *domain.ApplierError
			switch {
			case errors.Is(err, domain.ErrDuplicatePending):
				if w.Header().Get("Retry-After") == "" {
					w.Header().Set("Retry-After", "1")
				}
				http.Error(w, "an attempt for this update is already pending", http.StatusConflict)
			case errors.As(err, &aerr):
				// The failure is recorded; surface the resolved record.
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"update": rec,
					"error":  aerr.Error(),
				})
			default:
				logger.Error("apply failed", "name", req.Name, "version", req.Version, "error", err)
				http.Error(w, "failed to apply update", http.StatusInternalServerError)
			}
			return
		}

		logger.Info("update applied via API", "update_id", rec.ID, "name", rec.Name, "version", rec.Version)
		writeJSON(w, http.StatusOK, rec)
	})

	// ---------------- LIST ----------------

	r.Get("/updates", func(w http.ResponseWriter, r *http.Request) {
		stateStr := strings.TrimSpace(r.URL.Query().Get("state"))

		var (
			recs []domain.UpdateRecord
			err  error
		)
		if stateStr == "" {
			recs, err = deps.UpdateReader.List(r.Context())
		} else {
			state := domain.UpdateState(stateStr)
			if !domain.ValidState(state) {
				http.Error(w, "invalid state filter", http.StatusBadRequest)
				return
			}
			recs, err = deps.UpdateReader.ListByState(r.Context(), state)
		}
		if err != nil {
			logger.Error("list updates failed", "state", stateStr, "error", err)
			http.Error(w, "failed to list updates", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"updates": recs,
		})
	})

	// ---------------- GET ----------------

	r.Get("/updates/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid update ID", http.StatusBadRequest)
			return
		}

		rec, err := deps.UpdateReader.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrUpdateNotFound) {
				http.Error(w, "update not found", http.StatusNotFound)
				return
			}
			logger.Error("get update failed", "update_id", id, "error", err)
			http.Error(w, "failed to get update", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, rec)
	})

	// ---------------- ROLLBACK ----------------

	r.Post("/updates/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid update ID", http.StatusBadRequest)
			return
		}

		rec, err := deps.Updates.Rollback(r.Context(), id)
		if err != nil {
			var aerr *domain.ApplierError
			switch {
			case errors.Is(err, domain.ErrUpdateNotFound):
				http.Error(w, "update not found", http.StatusNotFound)
			case errors.Is(err, domain.ErrInvalidTransition):
				http.Error(w, "update cannot be rolled back from its current state", http.StatusConflict)
			case errors.As(err, &aerr):
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"update": rec,
					"error":  aerr.Error(),
				})
			default:
				logger.Error("rollback failed", "update_id", id, "error", err)
				http.Error(w, "failed to roll back update", http.StatusInternalServerError)
			}
			return
		}

		logger.Info("update rolled back via API", "update_id", id)
		writeJSON(w, http.StatusOK, rec)
	})

	// ---------------- UPDATE EVENTS ----------------

	r.Get("/updates/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid update ID", http.StatusBadRequest)
			return
		}

		if _, err := deps.UpdateReader.Get(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrUpdateNotFound) {
				http.Error(w, "update not found", http.StatusNotFound)
				return
			}
			logger.Error("get update failed", "update_id", id, "error", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		events, err := deps.EventReader.ListByUpdate(r.Context(), id)
		if err != nil {
			logger.Error("list update events failed", "update_id", id, "error", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			UpdateID string         `json:"update_id"`
			Events   []domain.Event `json:"events"`
		}{
			UpdateID: id.String(),
			Events:   events,
		})
	})

	// ---------------- LEDGER PAGE ----------------

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		afterSeq, limit, err := parseLedgerCursor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		events, err := deps.EventReader.ListAfter(r.Context(), afterSeq, limit)
		if err != nil {
			logger.Error("list events failed", "after_seq", afterSeq, "error", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
		})
	})

	// ---------------- LEDGER STREAM (SSE) ----------------

	r.Get("/events/stream", func(w http.ResponseWriter, r *http.Request) {
		afterSeq, _, err := parseLedgerCursor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		cursor := afterSeq
		writeEvents := func() error {
			events, err := deps.EventReader.ListAfter(r.Context(), cursor, 100)
			if err != nil {
				return err
			}

			for _, ev := range events {
				payload, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "event: ledger_event\ndata: %s\n\n", payload); err != nil {
					return err
				}
				flusher.Flush()
				cursor = ev.Seq
			}

			return nil
		}

		if err := writeEvents(); err != nil {
			logger.Error("sse initial write failed", "error", err)
			return
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := writeEvents(); err != nil {
					logger.Error("sse write failed", "error", err)
					return
				}
			}
		}
	})

	// ---------------- RECOVERY (ADMIN) ----------------

	if deps.Recovery != nil {
		r.Route("/recovery", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/run", func(w http.ResponseWriter, r *http.Request) {
				resolved, err := deps.Recovery.Run(r.Context())
				if err != nil {
					logger.Error("recovery sweep failed", "error", err)
					http.Error(w, "recovery sweep failed", http.StatusInternalServerError)
					return
				}

				logger.Info("recovery sweep via API", "resolved", resolved)
				writeJSON(w, http.StatusOK, map[string]int{
					"resolved": resolved,
				})
			})
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeApplyRequest(r *http.Request) (applyRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return applyRequest{}, errors.New("missing request body")
	}

	var req applyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return applyRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return applyRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Version = strings.TrimSpace(req.Version)
	return req, nil
}

func parseLedgerCursor(r *http.Request) (afterSeq int64, limit int, err error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			return 0, 0, errors.New("invalid after_seq")
		}
	}

	limit = 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			return 0, 0, errors.New("invalid limit")
		}
	}

	return afterSeq, limit, nil
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
