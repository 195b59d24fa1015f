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
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/retry"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Landtrust-Event"
	HeaderDelivery  = "X-Landtrust-Delivery"
	HeaderTimestamp = "X-Landtrust-Timestamp"
	HeaderSignature = "X-Landtrust-Signature"
)

// WebhookEvent is the JSON body posted to the webhook endpoint.
type WebhookEvent struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	Notification escrow.Notification `json:"data"`
}

// WebhookSink posts notifications to a single HTTP endpoint.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. An empty secret sends unsigned
// requests.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithClient replaces the HTTP client.
func (w *WebhookSink) WithClient(c *http.Client) *WebhookSink {
	w.client = c
	return w
}

func (w *WebhookSink) Name() string { return "webhook" }

// Deliver posts n. Client errors other than 408 and 429 are not retried.
// A Retry-After on 429 or 503 sets the minimum wait before the next attempt.
func (w *WebhookSink) Deliver(ctx context.Context, n escrow.Notification) error {
	event := WebhookEvent{
		ID:           idgen.WithPrefix("evt_"),
		Type:         string(n.Type),
		Timestamp:    n.OccurredAt,
		Notification: n,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal webhook event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		err := fmt.Errorf("webhook status %d", resp.StatusCode)
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return retry.After(err, d)
		}
		return err
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
