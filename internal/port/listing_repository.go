package port

import (
	"context"
	"time"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

type ListingRepository interface {
	// GetByMarketplacePid retrieves a listing by its marketplace pid, nil if absent
	GetByMarketplacePid(ctx context.Context, pid int64) (*domain.Listing, error)

	// GetByStorefrontID retrieves a listing by its storefront product id, nil if absent
	GetByStorefrontID(ctx context.Context, storefrontID string) (*domain.Listing, error)

	// UpsertFromCatalog creates or refreshes descriptive fields from a catalog snapshot; never touches availability
	UpsertFromCatalog(ctx context.Context, snap domain.CatalogSnapshot) error

	// TransitionState applies mutate to the stored listing and writes it back guarded
	// by the version check; returns ErrConcurrencyConflict if expectedVersion is stale
	TransitionState(ctx context.Context, pid int64, expectedVersion int, mutate func(*domain.Listing) error) (*domain.Listing, error)

	// ListPendingRemote returns listings still waiting on a mirrored remote order
	ListPendingRemote(ctx context.Context, limit int) ([]domain.Listing, error)

	// ListRecentlySold returns sold listings whose sale is newer than since (refund watch)
	ListRecentlySold(ctx context.Context, since time.Time, limit int) ([]domain.Listing, error)

	// ListActive returns active listings not reconciled since checkedBefore (poll backstop)
	ListActive(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.Listing, error)
}
