// Package notify delivers incident notifications to an operator webhook.
// Delivery is best-effort and asynchronous: a failed webhook never blocks or
// fails the decision pipeline that raised the incident.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Webhook posts incidents as JSON to a configured URL with optional
// HMAC-SHA256 signing.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook creates an incident webhook notifier. An empty secret disables
// signing.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyIncident posts the incident to the webhook in a background goroutine.
func (w *Webhook) NotifyIncident(ctx context.Context, inc *models.Incident) {
	cp := *inc
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := w.send(sendCtx, &cp); err != nil {
			log.Warn().
				Err(err).
				Str("incident_id", cp.ID).
				Str("type", string(cp.Type)).
				Msg("incident webhook delivery failed")
		}
	}()
}

func (w *Webhook) send(ctx context.Context, inc *models.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "TableTalk-Webhook/1.0")
		req.Header.Set("X-TableTalk-Incident", string(inc.Type))
		if w.secret != "" {
			mac := hmac.New(sha256.New, []byte(w.secret))
			mac.Write(body)
			req.Header.Set("X-TableTalk-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
