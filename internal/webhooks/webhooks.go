// Package webhooks delivers user notifications to an external HTTP endpoint
// (typically the mail/push relay). Each delivery is a signed JSON POST.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/retry"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Slicepay-Event"
	HeaderTimestamp = "X-Slicepay-Timestamp"
	HeaderSignature = "X-Slicepay-Signature"
)

// Event is the JSON body of a delivery.
type Event struct {
	ID        string         `json:"id"`
	Type      notify.Kind    `json:"type"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher posts notifications to one URL. It implements notify.Notifier.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
}

// NewDispatcher creates a dispatcher. An empty secret disables signing.
func NewDispatcher(url, secret string) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// Notify delivers msg, retrying transport errors and 5xx answers.
// The receiver deduplicates on Event.ID.
func (d *Dispatcher) Notify(ctx context.Context, msg notify.Message) error {
	payload, err := json.Marshal(Event{
		ID:        msg.ID,
		Type:      msg.Kind,
		UserID:    msg.UserID,
		Timestamp: msg.At,
		Data:      msg.Payload,
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = retry.Do(ctx, d.policy, func(int) error {
		return d.send(ctx, msg, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	return nil
}

func (d *Dispatcher) send(ctx context.Context, msg notify.Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(msg.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.At.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
