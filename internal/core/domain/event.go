package domain

import "time"

type EventKind string

const (
	EventStorefrontSale                EventKind = "storefront_sale"
	EventMarketplaceSaleDetected       EventKind = "marketplace_sale_detected"
	EventStorefrontOrderCancelled      EventKind = "storefront_order_cancelled"
	EventMarketplaceOrderStatusChanged EventKind = "marketplace_order_status_changed"
	EventRemoteOrderPlaced             EventKind = "remote_order_placed"
)

// Remote order statuses carried by EventMarketplaceOrderStatusChanged that
// put the listing back on sale.
const (
	OrderStatusRefunded  = "refunded"
	OrderStatusCancelled = "cancelled"
	OrderStatusRelisted  = "relisted"
)

// ReconciliationEvent is the queue payload. Events are ephemeral; the engine
// must tolerate redelivery of any of them.
type ReconciliationEvent struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	ListingKey      int64     `json:"listing_key"` // marketplace pid
	PlatformOrderID string    `json:"platform_order_id,omitempty"`
	OrderStatus     string    `json:"order_status,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// RestoresListing reports whether a marketplace order status change should
// put the listing back on sale.
func (e ReconciliationEvent) RestoresListing() bool {
	if e.Kind != EventMarketplaceOrderStatusChanged {
		return false
	}
	switch e.OrderStatus {
	case OrderStatusRefunded, OrderStatusCancelled, OrderStatusRelisted:
		return true
	}
	return false
}

// ParkedEvent wraps an event that exhausted its delivery retries. Parked
// events are kept for manual inspection instead of being dropped.
type ParkedEvent struct {
	Event    ReconciliationEvent `json:"event"`
	Cause    string              `json:"cause"`
	Attempts int                 `json:"attempts"`
	ParkedAt time.Time           `json:"parked_at"`
}
