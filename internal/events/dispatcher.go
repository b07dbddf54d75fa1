package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
)

// Dispatcher delivers events to matching subscriptions over HTTP. Each
// delivery runs in its own goroutine with a bounded timeout; failures are
// logged and counted, never propagated to the emitting operation.
type Dispatcher struct {
	store         Store
	client        *http.Client
	signingSecret string
	now           func() time.Time
}

func NewDispatcher(store Store, signingSecret string) *Dispatcher {
	return &Dispatcher{
		store:         store,
		client:        &http.Client{Timeout: 10 * time.Second},
		signingSecret: signingSecret,
		now:           time.Now,
	}
}

// Emit publishes an event to every matching subscription. Returns
// immediately; delivery happens in the background.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, payload any) {
	subs, err := d.store.List(ctx)
	if err != nil {
		logging.L(ctx).Error("list subscriptions for event", "event", eventType, "error", err)
		return
	}

	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		CreatedAt: d.now(),
		Payload:   payload,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		logging.L(ctx).Error("marshal event", "event", eventType, "error", err)
		return
	}

	logger := logging.L(ctx)
	for _, sub := range subs {
		if !sub.Matches(eventType) {
			continue
		}
		go d.deliver(logger, sub, evt, body)
	}
}

func (d *Dispatcher) deliver(logger *slog.Logger, sub *Subscription, evt *Event, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		metrics.EventsDelivered.WithLabelValues(evt.Type, "error").Inc()
		logger.Warn("build webhook request", "subscription_id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", evt.Type)
	req.Header.Set("X-Escrowd-Delivery", evt.ID)
	req.Header.Set("X-Escrowd-Signature", d.sign(sub, body))

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.EventsDelivered.WithLabelValues(evt.Type, "error").Inc()
		logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "event", evt.Type, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.EventsDelivered.WithLabelValues(evt.Type, "ok").Inc()
		logger.Debug("webhook delivered",
			"subscription_id", sub.ID, "event", evt.Type, "status", resp.StatusCode)
		return
	}
	metrics.EventsDelivered.WithLabelValues(evt.Type, "rejected").Inc()
	logger.Warn("webhook rejected",
		"subscription_id", sub.ID, "event", evt.Type, "status", resp.StatusCode)
}

// sign computes the hex HMAC-SHA256 of the body. Per-subscription secrets
// take precedence over the shared signing secret.
func (d *Dispatcher) sign(sub *Subscription, body []byte) string {
	secret := sub.Secret
	if secret == "" {
		secret = d.signingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Exposed for
// subscriber-side verification in integrations and tests.
func Verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
