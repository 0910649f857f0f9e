package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

// errCodeVanished marks an active listing the marketplace no longer returns.
// Deletion and sale look identical in a not-found answer, so the listing is
// only flagged, never marked sold, until an order in the account history
// proves a sale.
const errCodeVanished = "VANISHED"

type PollerConfig struct {
	// PendingInterval drives the frequent tier: listings stuck in
	// sold_pending_remote.
	PendingInterval time.Duration
	// OrdersInterval drives the refund watch over recently sold listings.
	OrdersInterval time.Duration
	// ActiveInterval drives the slow backstop over active listings.
	ActiveInterval time.Duration

	// PendingRetryAfter is how long a pending listing must sit untouched
	// before the poller resumes it.
	PendingRetryAfter time.Duration
	// OrdersLookback bounds the order-history window. The marketplace caps
	// queries at fifteen days, so anything larger is clamped.
	OrdersLookback time.Duration
	// ActiveRecheckAfter is the maximum age of a reconciliation stamp before
	// an active listing is re-verified.
	ActiveRecheckAfter time.Duration

	BatchLimit     int
	OrdersPageSize int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.PendingInterval <= 0 {
		c.PendingInterval = time.Minute
	}
	if c.OrdersInterval <= 0 {
		c.OrdersInterval = time.Hour
	}
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = 24 * time.Hour
	}
	if c.PendingRetryAfter <= 0 {
		c.PendingRetryAfter = 5 * time.Minute
	}
	maxLookback := time.Duration(port.OrdersMaxRangeDays) * 24 * time.Hour
	if c.OrdersLookback <= 0 || c.OrdersLookback > maxLookback {
		c.OrdersLookback = maxLookback
	}
	if c.ActiveRecheckAfter <= 0 {
		c.ActiveRecheckAfter = 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.OrdersPageSize <= 0 {
		c.OrdersPageSize = 100
	}
	return c
}

// Poller closes the gaps webhooks leave: placements that stalled, sales the
// webhook never reported, and refunds or cancellations of mirrored orders.
// It only observes and enqueues canonical events; all state changes go
// through the engine.
type Poller struct {
	cfg         PollerConfig
	listings    port.ListingRepository
	marketplace port.MarketplaceGateway
	sink        port.EventSink
	logger      *slog.Logger

	now func() time.Time
}

func NewPoller(cfg PollerConfig, listings port.ListingRepository, marketplace port.MarketplaceGateway, sink port.EventSink, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:         cfg.withDefaults(),
		listings:    listings,
		marketplace: marketplace,
		sink:        sink,
		logger:      logger.With("component", "poller"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until the context is cancelled. Sweep errors are logged, never
// fatal; the next tick retries.
func (p *Poller) Run(ctx context.Context) error {
	pending := time.NewTicker(p.cfg.PendingInterval)
	defer pending.Stop()
	orders := time.NewTicker(p.cfg.OrdersInterval)
	defer orders.Stop()
	active := time.NewTicker(p.cfg.ActiveInterval)
	defer active.Stop()

	p.logger.Info("poller started",
		"pending_interval", p.cfg.PendingInterval,
		"orders_interval", p.cfg.OrdersInterval,
		"active_interval", p.cfg.ActiveInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending.C:
			p.sweepPending(ctx)
		case <-orders.C:
			p.sweepOrders(ctx)
		case <-active.C:
			p.sweepActive(ctx)
		}
	}
}

// sweepPending resumes listings stuck in sold_pending_remote by re-enqueueing
// their storefront sale. Listings held for manual review are skipped.
func (p *Poller) sweepPending(ctx context.Context) {
	listings, err := p.listings.ListPendingRemote(ctx, p.cfg.BatchLimit)
	if err != nil {
		p.logger.Error("pending sweep failed to list", "error", err)
		return
	}
	resumed := 0
	for _, l := range listings {
		if !resumableErrorCode(l.LastErrorCode) {
			continue
		}
		if p.now().Sub(l.UpdatedAt) < p.cfg.PendingRetryAfter {
			continue
		}
		ev := domain.ReconciliationEvent{
			ID:              uuid.NewString(),
			Kind:            domain.EventStorefrontSale,
			ListingKey:      l.MarketplacePid,
			PlatformOrderID: l.StorefrontOrderID,
			ObservedAt:      p.now(),
		}
		if err := p.sink.Enqueue(ctx, ev); err != nil {
			p.logger.Error("pending sweep failed to enqueue", "pid", l.MarketplacePid, "error", err)
			return
		}
		resumed++
		p.logger.Info("resuming stalled placement", "pid", l.MarketplacePid, "code", l.LastErrorCode, "attempts", l.SyncAttemptCount)
	}
	if resumed > 0 {
		p.logger.Info("pending sweep done", "scanned", len(listings), "resumed", resumed)
	}
}

// sweepOrders watches recently sold listings for refunds, cancellations and
// relists on the marketplace side.
func (p *Poller) sweepOrders(ctx context.Context) {
	since := p.now().Add(-p.cfg.OrdersLookback)
	sold, err := p.listings.ListRecentlySold(ctx, since, p.cfg.BatchLimit)
	if err != nil {
		p.logger.Error("order sweep failed to list", "error", err)
		return
	}
	if len(sold) == 0 {
		return
	}

	orders, err := p.fetchRecentOrders(ctx)
	if err != nil {
		p.logger.Error("order sweep failed to fetch order history", "error", err)
		return
	}

	for _, l := range sold {
		if orderID, ok := l.ActiveRemoteOrderID(); ok {
			order, found := orders[orderID]
			if !found {
				continue
			}
			if status, undone := restoringOrderStatus(order.Status); undone {
				p.logger.Info("mirrored order undone on marketplace", "pid", l.MarketplacePid, "remote_order_id", orderID, "status", order.Status)
				p.enqueue(ctx, domain.ReconciliationEvent{
					ID:              uuid.NewString(),
					Kind:            domain.EventMarketplaceOrderStatusChanged,
					ListingKey:      l.MarketplacePid,
					PlatformOrderID: orderID,
					OrderStatus:     status,
					ObservedAt:      p.now(),
				})
			}
			continue
		}

		// No order of ours: the item sold to someone else. If it shows as
		// on sale again, the seller relisted after a cancellation.
		if l.Availability != domain.AvailabilitySoldRemoteOnly {
			continue
		}
		details, err := p.marketplace.GetListingDetails(ctx, l.MarketplacePid)
		if err != nil {
			if !port.IsNotFound(err) {
				p.logger.Warn("order sweep failed to check relist", "pid", l.MarketplacePid, "error", err)
			}
			continue
		}
		if details.Status == domain.SellStatusSelling && details.Quantity > 0 {
			p.logger.Info("sold listing is on sale again, restoring", "pid", l.MarketplacePid)
			p.enqueue(ctx, domain.ReconciliationEvent{
				ID:          uuid.NewString(),
				Kind:        domain.EventMarketplaceOrderStatusChanged,
				ListingKey:  l.MarketplacePid,
				OrderStatus: domain.OrderStatusRelisted,
				ObservedAt:  p.now(),
			})
		}
	}
}

// sweepActive is the backstop: verify that listings we believe are on sale
// still are.
func (p *Poller) sweepActive(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.ActiveRecheckAfter)
	listings, err := p.listings.ListActive(ctx, cutoff, p.cfg.BatchLimit)
	if err != nil {
		p.logger.Error("active sweep failed to list", "error", err)
		return
	}

	// Fetched once, lazily, for all vanished listings in this sweep.
	var orderHistory map[string]port.MarketplaceOrder

	for _, l := range listings {
		details, err := p.marketplace.GetListingDetails(ctx, l.MarketplacePid)
		switch {
		case err == nil:
		case port.IsNotFound(err):
			if orderHistory == nil {
				if orderHistory, err = p.fetchRecentOrders(ctx); err != nil {
					p.logger.Error("active sweep failed to fetch order history", "error", err)
					return
				}
			}
			p.handleVanished(ctx, l, orderHistory)
			continue
		default:
			p.logger.Warn("active sweep failed to fetch details", "pid", l.MarketplacePid, "error", err)
			continue
		}

		switch details.Status {
		case domain.SellStatusSold:
			p.logger.Info("active listing shows as sold on marketplace", "pid", l.MarketplacePid)
			p.enqueue(ctx, domain.ReconciliationEvent{
				ID:         uuid.NewString(),
				Kind:       domain.EventMarketplaceSaleDetected,
				ListingKey: l.MarketplacePid,
				ObservedAt: p.now(),
			})
		case domain.SellStatusSelling:
			p.touch(ctx, l.MarketplacePid, "")
		default:
			p.logger.Debug("active sweep could not classify status payload", "pid", l.MarketplacePid)
		}
	}
	if len(listings) > 0 {
		p.logger.Info("active sweep done", "scanned", len(listings))
	}
}

// handleVanished decides what a not-found answer means for an active listing.
// Only an order in the account history proves a sale; without one the listing
// is stamped vanished and left active for the operator.
func (p *Poller) handleVanished(ctx context.Context, l domain.Listing, orders map[string]port.MarketplaceOrder) {
	for _, order := range orders {
		if order.Pid != l.MarketplacePid {
			continue
		}
		p.logger.Info("vanished listing matches an order, recording sale", "pid", l.MarketplacePid, "remote_order_id", order.OrderID)
		p.enqueue(ctx, domain.ReconciliationEvent{
			ID:              uuid.NewString(),
			Kind:            domain.EventMarketplaceSaleDetected,
			ListingKey:      l.MarketplacePid,
			PlatformOrderID: order.OrderID,
			ObservedAt:      p.now(),
		})
		return
	}
	p.logger.Warn("active listing vanished without sale evidence", "pid", l.MarketplacePid, "strikes", l.SyncAttemptCount+1)
	p.touch(ctx, l.MarketplacePid, errCodeVanished)
}

// fetchRecentOrders pages through the account's order history inside the
// fifteen-day ceiling and indexes it by order id.
func (p *Poller) fetchRecentOrders(ctx context.Context) (map[string]port.MarketplaceOrder, error) {
	end := p.now()
	start := end.Add(-p.cfg.OrdersLookback)

	orders := make(map[string]port.MarketplaceOrder)
	totalPages := 1
	for page := 1; page <= totalPages; page++ {
		result, err := p.marketplace.GetOrders(ctx, start, end, page, p.cfg.OrdersPageSize)
		if err != nil {
			return nil, err
		}
		for _, o := range result.Orders {
			orders[o.OrderID] = o
		}
		if result.TotalPages > totalPages {
			totalPages = result.TotalPages
		}
		if len(result.Orders) == 0 {
			break
		}
	}
	return orders, nil
}

// touch stamps a listing as reconciled without changing availability. A
// non-empty code also increments the attempt counter for operator visibility.
func (p *Poller) touch(ctx context.Context, pid int64, code string) {
	_, err := transition(ctx, p.listings, pid, func(l *domain.Listing) error {
		now := p.now()
		l.LastReconciledAt = &now
		if code != "" {
			l.LastErrorCode = code
			l.SyncAttemptCount++
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to stamp listing", "pid", pid, "error", err)
	}
}

func (p *Poller) enqueue(ctx context.Context, ev domain.ReconciliationEvent) {
	if err := p.sink.Enqueue(ctx, ev); err != nil {
		p.logger.Error("failed to enqueue event", "event", ev.Kind, "pid", ev.ListingKey, "error", err)
	}
}

// resumableErrorCode reports whether the poller may retry a stalled placement
// on its own. Price and status holds need a human decision first.
func resumableErrorCode(code string) bool {
	switch code {
	case "", errCodeCircuitOpen, errCodeInsufficientFunds, errCodeAuthFailed,
		errCodeRetriesExhausted, errCodePlacementInFlight:
		return true
	default:
		return false
	}
}

// restoringOrderStatus maps a marketplace order status onto the canonical
// status that restores a listing. Only settled statuses qualify; a pending
// refund request leaves the sale standing.
func restoringOrderStatus(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "refunded", "refund":
		return domain.OrderStatusRefunded, true
	case "cancelled", "canceled", "cancel":
		return domain.OrderStatusCancelled, true
	case "returned", "return":
		return domain.OrderStatusRefunded, true
	default:
		return "", false
	}
}
