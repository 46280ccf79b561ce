package alert

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

	"github.com/ilpconnector/connector/internal/fraud"
	"github.com/ilpconnector/connector/internal/retry"
)

// WebhookChannel delivers alerts as signed HTTP POSTs, matching the
// X-Connector-Signature HMAC scheme used elsewhere in the connector's
// outbound event delivery.
type WebhookChannel struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhookChannel creates a webhook alert channel. The destination URL
// must already have passed ValidateChannelURL.
func NewWebhookChannel(name, url, secret string) *WebhookChannel {
	return &WebhookChannel{
		name:   name,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return c.name }

type webhookPayload struct {
	Rule      string    `json:"rule"`
	PeerID    string    `json:"peer_id"`
	Severity  string    `json:"severity"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *WebhookChannel) Send(ctx context.Context, f fraud.Flag) error {
	payload, err := json.Marshal(webhookPayload{
		Rule:      f.Rule,
		PeerID:    f.PeerID,
		Severity:  string(f.Severity),
		Detail:    f.Detail,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Connector-Event", "fraud.flag")
	if c.secret != "" {
		req.Header.Set("X-Connector-Signature", c.sign(payload))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("alert rejected: status %d", resp.StatusCode))
	}
	return fmt.Errorf("alert delivery failed: status %d", resp.StatusCode)
}

func (c *WebhookChannel) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(c.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
