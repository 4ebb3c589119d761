package port

import (
	"context"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

// StallRepository persists stalls and their rows. Getters return (nil, nil)
// when the record does not exist.
type StallRepository interface {
	// GetByID loads the stall row with its products
	GetByID(ctx context.Context, id int64) (*domain.Stall, error)

	// GetWithMembers loads the stall row with products and members, revoked ones included
	GetWithMembers(ctx context.Context, id int64) (*domain.Stall, error)

	// UpdateByID runs mutate against the locked row and persists the stall row.
	// Returns false when the stall does not exist. A mutate error aborts the write.
	UpdateByID(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error)

	// UpdateWithMembers is UpdateByID that also persists member rows
	UpdateWithMembers(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error)

	// AddProduct inserts a listing and fills its ID
	AddProduct(ctx context.Context, product *domain.StallProduct) error

	// RemoveProduct deletes a listing
	RemoveProduct(ctx context.Context, productID int64) error

	// GetProductByID loads one listing
	GetProductByID(ctx context.Context, productID int64) (*domain.StallProduct, error)

	// UpdateProduct applies mutate to the locked product row; false when nothing was applied
	UpdateProduct(ctx context.Context, productID int64, mutate domain.ProductMutation) (bool, error)

	// AddLedgerEntry appends to the stall ledger
	AddLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error

	// AllStalls loads every stall with its products
	AllStalls(ctx context.Context) ([]*domain.Stall, error)

	// HasActiveOwnershipInArea reports whether owner holds another active stall in area
	HasActiveOwnershipInArea(ctx context.Context, owner domain.PersonaID, areaResRef string, excludingStallID int64) (bool, error)
}
