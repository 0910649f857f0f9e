package port

import (
	"context"
	"time"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

// OrdersMaxRangeDays is the widest date range the marketplace order API
// accepts. Wider requests are rejected locally before any call is made.
const OrdersMaxRangeDays = 15

type MarketplaceListing struct {
	Pid        int64
	Status     domain.SellStatus
	PriceMinor int64
	Quantity   int
}

type NewRemoteOrder struct {
	Pid                int64
	PriceMinor         int64
	DeliveryPriceMinor int64 // always 0; delivery is billed out-of-band
}

type MarketplaceOrder struct {
	OrderID    string
	Pid        int64
	Status     string
	PriceMinor int64
	UpdatedAt  time.Time
}

type MarketplaceOrdersPage struct {
	Orders     []MarketplaceOrder
	Page       int
	TotalPages int
}

type MarketplaceGateway interface {
	// GetListingDetails fetches live status/price/quantity; status is already normalized
	GetListingDetails(ctx context.Context, pid int64) (*MarketplaceListing, error)

	// CreateOrder places a remote order, returns the new order id
	CreateOrder(ctx context.Context, order NewRemoteOrder) (string, error)

	// ConfirmOrder confirms a placed order; confirming twice is not an error
	ConfirmOrder(ctx context.Context, orderID string) error

	// GetOrders pages through our orders in [start, end]; the range must not exceed OrdersMaxRangeDays
	GetOrders(ctx context.Context, start, end time.Time, page, size int) (MarketplaceOrdersPage, error)

	// GetAccountBalance returns the purchasing balance in minor units
	GetAccountBalance(ctx context.Context) (int64, error)
}
