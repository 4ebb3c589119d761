package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

// LockupStore holds item copies displaced from lapsed stalls.
type LockupStore interface {
	// Store persists one item copy
	Store(ctx context.Context, item domain.StoredItem) error

	// ListByOwner returns the items of owner in the storage bucket, oldest first
	ListByOwner(ctx context.Context, owner domain.PersonaID, storageID string) ([]domain.StoredItem, error)

	// Get loads one item, nil when absent
	Get(ctx context.Context, id uuid.UUID) (*domain.StoredItem, error)

	// Delete removes an item after successful delivery
	Delete(ctx context.Context, id uuid.UUID) error

	// CountByOwner counts the items of owner in the storage bucket
	CountByOwner(ctx context.Context, owner domain.PersonaID, storageID string) (int, error)
}
