package keys

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KeyGenerator produces a new key under the Manager's backend and
// returns its ID. Local backends generate a fresh keypair and register
// it via AddKey; the KMS backend provisions a new key remotely and
// returns its identifier. HSMBackend does not implement it.
type KeyGenerator interface {
	GenerateKey(ctx context.Context) (keyID string, err error)
}

// RotationManager schedules periodic key rotation on a fixed interval
// and keeps the outgoing key valid for a grace period afterward, so
// signatures produced just before rotation still verify. Grounded on the
// overlap-window rotation the connector's session-key manager uses for
// its own delegated keys.
type RotationManager struct {
	manager   *Manager
	generator KeyGenerator
	interval  time.Duration
	grace     time.Duration
	logger    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewRotationManager creates a RotationManager. interval is how often a
// new key is minted; grace is how long the previous active key remains
// valid for verification after a rotation (must be less than interval).
func NewRotationManager(manager *Manager, generator KeyGenerator, interval, grace time.Duration, logger *slog.Logger) *RotationManager {
	return &RotationManager{
		manager:   manager,
		generator: generator,
		interval:  interval,
		grace:     grace,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the rotation loop until Stop is called or ctx is cancelled.
func (r *RotationManager) Start(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Rotate(ctx); err != nil {
				r.logger.Error("scheduled key rotation failed", "error", err)
			}
		}
	}
}

// Stop halts the rotation loop and waits for it to exit.
func (r *RotationManager) Stop() {
	close(r.stop)
	<-r.done
}

// Rotate generates a new key, adopts it as active, and schedules the
// outgoing key's final retirement after the grace period.
func (r *RotationManager) Rotate(ctx context.Context) error {
	oldID := r.manager.ActiveKeyID()

	newID, err := r.generator.GenerateKey(ctx)
	if err != nil {
		return fmt.Errorf("keys: generate rotated key: %w", err)
	}

	r.manager.adopt(newID, oldID)
	r.manager.audit.RecordKeyEvent(ctx, "rotate", newID, map[string]any{
		"previous_key_id": oldID,
		"grace_period":    r.grace.String(),
	})
	r.logger.Info("key rotated", "new_key_id", newID, "previous_key_id", oldID, "grace_period", r.grace)

	if oldID != "" {
		go r.retireAfterGrace(oldID)
	}
	return nil
}

func (r *RotationManager) retireAfterGrace(keyID string) {
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.manager.retire(keyID)
		r.logger.Info("key retired after grace period", "key_id", keyID)
	case <-r.stop:
	}
}
