// Package notify sends a webhook when the reaper marks an agent stale, so
// an operator hears about a dead worker without watching the dashboard.
//
// Payloads are JSON, optionally signed with HMAC-SHA256 in the
// X-Agentwatch-Signature header ("sha256=<hex>").
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
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/pkg/models"
)

const (
	EventAgentStale = "agent_stale"

	defaultAttempts = 3
	defaultTimeout  = 15 * time.Second
)

// Event is the webhook payload.
type Event struct {
	Type           string             `json:"type"`
	AgentID        string             `json:"agentId"`
	AgentName      string             `json:"agentName"`
	AgentType      models.AgentType   `json:"agentType"`
	PreviousStatus models.AgentStatus `json:"previousStatus"`
	LastHeartbeat  time.Time          `json:"lastHeartbeat"`
	SilenceSeconds int                `json:"silenceSeconds"`
	Timestamp      time.Time          `json:"timestamp"`
}

// StaleEvent builds the payload for an agent the reaper just marked.
func StaleEvent(a models.Agent, silence time.Duration) Event {
	return Event{
		Type:           EventAgentStale,
		AgentID:        a.ID,
		AgentName:      a.Name,
		AgentType:      a.Type,
		PreviousStatus: a.Status,
		LastHeartbeat:  a.LastHeartbeat,
		SilenceSeconds: int(silence / time.Second),
		Timestamp:      time.Now().UTC(),
	}
}

// Webhook posts events to one URL with retries.
type Webhook struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	backoff  time.Duration

	wg sync.WaitGroup
}

type Option func(*Webhook)

func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.client = c }
}

// WithBackoff sets the base delay between attempts; attempt n waits n*d.
func WithBackoff(d time.Duration) Option {
	return func(w *Webhook) { w.backoff = d }
}

// NewWebhook creates a webhook sender. An empty secret disables signing.
func NewWebhook(url, secret string, opts ...Option) *Webhook {
	w := &Webhook{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
		backoff:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send posts the event, retrying on transport errors and non-2xx replies.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = w.post(ctx, event.Type, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentwatch-webhook/1.0")
	req.Header.Set("X-Agentwatch-Event", eventType)
	if w.secret != "" {
		req.Header.Set("X-Agentwatch-Signature", Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// OnStale matches the reaper's hook. Delivery runs in the background so a
// slow receiver never holds up a sweep; Wait blocks until it finishes.
func (w *Webhook) OnStale(a models.Agent, silence time.Duration) {
	event := StaleEvent(a, silence)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(w.attempts)*(defaultTimeout+w.backoff))
		defer cancel()
		if err := w.Send(ctx, event); err != nil {
			log.Warn().Err(err).Str("agent", a.ID).Msg("Stale agent webhook failed")
			return
		}
		log.Info().Str("agent", a.ID).Str("url", w.url).Msg("Stale agent webhook dispatched")
	}()
}

// Wait blocks until background deliveries started by OnStale are done.
func (w *Webhook) Wait() {
	w.wg.Wait()
}
