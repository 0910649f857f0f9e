package port

import "context"

type StorefrontListing struct {
	ID         string
	Title      string
	Status     string
	Quantity   int
	PriceMinor int64
	Tags       []string
}

type StorefrontOrder struct {
	ID              string
	ProductIDs      []string
	FinancialStatus string
	Tags            []string
	Metadata        map[string]string
}

type StorefrontGateway interface {
	// QueryListing fetches the storefront's current view of a listing
	QueryListing(ctx context.Context, id string) (*StorefrontListing, error)

	// SetListingStatusAndTags updates listing visibility, title and tags in one call
	SetListingStatusAndTags(ctx context.Context, id, status, title string, tags []string) error

	// SetQuantity sets exposed stock at a location; qty is always 0 or 1
	SetQuantity(ctx context.Context, itemID, locationID string, qty int) error

	// QueryOrder fetches a storefront order
	QueryOrder(ctx context.Context, id string) (*StorefrontOrder, error)

	// AnnotateOrder appends tags and metadata to an order (remote order ids, error codes)
	AnnotateOrder(ctx context.Context, id string, tags []string, metadata map[string]string) error
}
