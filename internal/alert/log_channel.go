package alert

import (
	"context"
	"log/slog"

	"github.com/ilpconnector/connector/internal/fraud"
)

// LogChannel delivers alerts only to structured logs. It never fails, so
// it is safe to include unconditionally in the "all channels" set.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, f fraud.Flag) error {
	c.logger.Warn("fraud alert", "rule", f.Rule, "peer_id", f.PeerID, "severity", f.Severity, "detail", f.Detail)
	return nil
}
