// Package storage persists position records. The engine persists intent
// before acting on it, so the store is written on every state transition.
package storage

import (
	"context"
	"errors"

	"condorbot/internal/models"
)

var (
	// ErrNotFound is returned when no position exists for the given ID.
	ErrNotFound = errors.New("storage: position not found")
	// ErrStaleWrite is returned when a save loses an optimistic concurrency
	// race. The caller must reload and reapply.
	ErrStaleWrite = errors.New("storage: stale write, position was modified concurrently")
)

// Store is the persistence surface for position records.
type Store interface {
	// SavePosition inserts or updates p. Updates are guarded by p.Version;
	// on success the stored and in-memory versions are incremented.
	SavePosition(ctx context.Context, p *models.Position) error
	// GetPosition returns the position with the given ID or ErrNotFound.
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	// ListActive returns every position that may still hold capital,
	// including orphaned ones.
	ListActive(ctx context.Context) ([]*models.Position, error)
	// ListByBot returns every position belonging to botID, any state.
	ListByBot(ctx context.Context, botID string) ([]*models.Position, error)
	// ListByState returns every position in the given state.
	ListByState(ctx context.Context, state models.PositionState) ([]*models.Position, error)
	// Close releases the underlying resources.
	Close() error
}
