package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CheckpointInbound is the sync_state key holding the last relay stream id
// that was fully processed.
const CheckpointInbound = "relay.inbound"

// CheckpointStore persists named checkpoints.
type CheckpointStore interface {
	SyncState(ctx context.Context, key string) (string, error)
	SetSyncState(ctx context.Context, key, value string) error
}

// Reconciler manages inbound stream checkpoints.
type Reconciler struct {
	store  CheckpointStore
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(store CheckpointStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// UpdateCheckpoint records value as the latest processed position for key.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	if err := r.store.SetSyncState(ctx, key, value); err != nil {
		return fmt.Errorf("update checkpoint %s: %w", key, err)
	}
	r.logger.Debug("checkpoint updated", zap.String("key", key), zap.String("value", value))
	return nil
}

// GetCheckpoint returns the stored position for key, or "" when unset.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (string, error) {
	v, err := r.store.SyncState(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return v, nil
}
