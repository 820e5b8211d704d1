// SPDX-License-Identifier: Apache-2.0

// Package notify delivers terminal-state notifications to an external
// endpoint. Delivery is best-effort: failures are logged and retried a few
// times, never surfaced to the state machine.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opsforge/updaterd/internal/domain"
)

const (
	retryAttempts = 3
	retryBase     = 300 * time.Millisecond
	headerSig     = "X-Signature"
)

type terminalPayload struct {
	UpdateID string             `json:"update_id"`
	Name     string             `json:"name"`
	Version  string             `json:"version,omitempty"`
	State    domain.UpdateState `json:"state"`
	Meta     json.RawMessage    `json:"meta,omitempty"`
	At       time.Time          `json:"at"`
}

type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook returns nil when no URL is configured; a nil *Webhook is safe
// to pass to the state machine as "no notifier".
func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) NotifyTerminal(ctx context.Context, rec domain.UpdateRecord) {
	body, err := json.Marshal(terminalPayload{
		UpdateID: rec.ID.String(),
		Name:     rec.Name,
		Version:  rec.Version,
		State:    rec.State,
		Meta:     rec.Meta,
		At:       time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"update_id", rec.ID,
			"state", rec.State,
			"error", err,
		)
		return
	}

	signature := sign(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Error("webhook request build failed",
				"update_id", rec.ID,
				"error", err,
			)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(headerSig, signature)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook delivered",
					"update_id", rec.ID,
					"state", rec.State,
					"attempt", attempt,
				)
				return
			}
			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
		}

		w.logger.Warn("webhook delivery failed",
			"update_id", rec.ID,
			"state", rec.State,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < retryAttempts {
			wait := retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	w.logger.Error("webhook retries exhausted",
		"update_id", rec.ID,
		"state", rec.State,
		"error", lastErr,
	)
}

func sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
