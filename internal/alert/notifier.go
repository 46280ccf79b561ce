// Package alert routes fraud flags and other operational alerts to
// notification channels based on severity, with bounded-concurrency
// dispatch and retry against flaky destinations.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/ilpconnector/connector/internal/fraud"
	"github.com/ilpconnector/connector/internal/retry"
	"github.com/ilpconnector/connector/internal/security"
)

// Channel delivers a rendered alert to one destination (webhook, chat
// integration, log sink).
type Channel interface {
	Name() string
	Send(ctx context.Context, f fraud.Flag) error
}

// Notifier fans a fraud.Flag out to the channels appropriate for its
// severity: critical reaches every configured channel, high reaches the
// chat channels, medium and low are logged only.
type Notifier struct {
	all    []Channel
	chat   []Channel
	logger *slog.Logger

	sem chan struct{}
}

// New creates a Notifier with the given channel sets. maxConcurrent
// bounds how many channel deliveries run at once across all flags.
func New(all, chat []Channel, logger *slog.Logger, maxConcurrent int) *Notifier {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Notifier{all: all, chat: chat, logger: logger, sem: make(chan struct{}, maxConcurrent)}
}

// Notify implements fraud.AlertSink.
func (n *Notifier) Notify(f fraud.Flag) {
	var targets []Channel
	switch f.Severity {
	case fraud.SeverityCritical:
		targets = n.all
	case fraud.SeverityHigh:
		targets = n.chat
	default:
		n.logger.Info("fraud flag", "rule", f.Rule, "peer_id", f.PeerID, "severity", f.Severity, "detail", f.Detail)
		return
	}

	for _, ch := range targets {
		ch := ch
		n.sem <- struct{}{}
		go func() {
			defer func() { <-n.sem }()
			n.deliver(ch, f)
		}()
	}
}

func (n *Notifier) deliver(ch Channel, f fraud.Flag) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return ch.Send(ctx, f)
	})
	if err != nil {
		n.logger.Error("alert delivery failed", "channel", ch.Name(), "rule", f.Rule, "peer_id", f.PeerID, "error", err)
	}
}

// ValidateChannelURL checks a channel destination URL is safe to deliver
// to (not an internal/loopback address), reusing the connector's shared
// SSRF guard.
func ValidateChannelURL(rawURL string) error {
	return security.ValidateEndpointURL(rawURL)
}
