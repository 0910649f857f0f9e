package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

// Markers applied to the storefront listing when the mirrored item sells.
// The title prefix is visible to staff, the tag drives storefront automation.
const (
	soldMarketplaceMarker = "[SOLD - MARKETPLACE] "
	soldBothMarker        = "[SOLD - BOTH] "

	tagSoldMarketplace = "sold-marketplace"
	tagSoldBoth        = "sold-both"
	tagNeedsRefund     = "needs-refund"
	tagManualReview    = "manual-review"

	storefrontStatusActive   = "active"
	storefrontStatusInactive = "draft"
)

// Engine applies canonical reconciliation events to listings. All writes go
// through the store's version check; on conflict the event is re-evaluated
// against the fresh state, so concurrent sources converge instead of
// clobbering each other.
type Engine struct {
	listings   port.ListingRepository
	storefront port.StorefrontGateway
	placement  *PlacementWorkflow
	guards     port.GuardRepository
	logger     *slog.Logger

	// locationID names the storefront stock location for quantity writes.
	locationID string

	now func() time.Time
}

func NewEngine(listings port.ListingRepository, storefront port.StorefrontGateway, placement *PlacementWorkflow, guards port.GuardRepository, locationID string, logger *slog.Logger) *Engine {
	return &Engine{
		listings:   listings,
		storefront: storefront,
		placement:  placement,
		guards:     guards,
		logger:     logger.With("component", "engine"),
		locationID: locationID,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one event to completion. A non-nil error asks the queue to
// redeliver; everything else, duplicates included, is absorbed here.
func (e *Engine) Handle(ctx context.Context, ev domain.ReconciliationEvent) error {
	logger := e.logger.With("event", ev.Kind, "pid", ev.ListingKey, "event_id", ev.ID)

	for attempt := 0; attempt < stateRetryLimit; attempt++ {
		listing, err := e.listings.GetByMarketplacePid(ctx, ev.ListingKey)
		if err != nil {
			return fmt.Errorf("load listing %d: %w", ev.ListingKey, err)
		}
		if listing == nil {
			logger.Error("event references unknown listing, parking for inspection")
			return e.park(ctx, ev, "unknown listing", attempt)
		}

		err = e.applyOnce(ctx, logger, listing, ev)
		if errors.Is(err, port.ErrConcurrencyConflict) {
			logger.Debug("version conflict, re-evaluating against fresh state", "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("listing %d: %w", ev.ListingKey, port.ErrConcurrencyConflict)
}

func (e *Engine) applyOnce(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	switch ev.Kind {
	case domain.EventStorefrontSale:
		return e.onStorefrontSale(ctx, logger, listing, ev)
	case domain.EventMarketplaceSaleDetected:
		return e.onMarketplaceSale(ctx, logger, listing, ev)
	case domain.EventRemoteOrderPlaced:
		return e.onRemoteOrderPlaced(ctx, logger, listing, ev)
	case domain.EventStorefrontOrderCancelled:
		return e.onRestore(ctx, logger, listing, ev)
	case domain.EventMarketplaceOrderStatusChanged:
		if ev.RestoresListing() {
			return e.onRestore(ctx, logger, listing, ev)
		}
		return e.onOrderStatusNoted(ctx, logger, listing, ev)
	default:
		logger.Warn("unknown event kind dropped")
		return nil
	}
}

// onStorefrontSale mirrors a storefront sale onto the marketplace.
func (e *Engine) onStorefrontSale(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	switch listing.Availability {
	case domain.AvailabilityActive, domain.AvailabilityRestored:
		soldAt := e.eventTime(ev)
		updated, err := e.listings.TransitionState(ctx, listing.MarketplacePid, listing.Version, func(l *domain.Listing) error {
			l.Availability = domain.AvailabilitySoldPendingRemote
			l.SoldFrom = domain.SoldFromStorefront
			l.PendingRemoteOrder = true
			l.StorefrontOrderID = ev.PlatformOrderID
			l.SoldAt = &soldAt
			l.LastErrorCode = ""
			l.SyncAttemptCount = 0
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("storefront sale accepted, mirroring on marketplace", "order_id", ev.PlatformOrderID)
		return e.runPlacement(ctx, logger, updated, ev)

	case domain.AvailabilitySoldPendingRemote:
		logger.Info("storefront sale redelivered while placement pending, resuming")
		return e.runPlacement(ctx, logger, listing, ev)

	case domain.AvailabilitySoldBoth:
		if ev.PlatformOrderID != "" && ev.PlatformOrderID != listing.StorefrontOrderID {
			// A second storefront order for an item already sold on both
			// sides means the delist never landed. Flag the order and
			// re-assert the delist.
			logger.Error("storefront oversold an already-mirrored listing", "order_id", ev.PlatformOrderID)
			if err := e.flagOrderForRefund(ctx, ev.PlatformOrderID, conflictCode(listing.MarketplacePid, "AlreadySold")); err != nil {
				return err
			}
			return e.delistStorefront(ctx, listing, true)
		}
		logger.Info("duplicate storefront sale ignored", "state", listing.Availability)
		return nil

	case domain.AvailabilitySoldRemoteOnly:
		// The marketplace sale won the race. The storefront charge cannot be
		// fulfilled, so the order is flagged for refund.
		logger.Warn("storefront sale lost the cross-platform race, flagging order for refund")
		orderID := ev.PlatformOrderID
		if orderID == "" {
			orderID = listing.StorefrontOrderID
		}
		return e.applyConflict(ctx, logger, listing.MarketplacePid, orderID, conflictCode(listing.MarketplacePid, "AlreadySold"))

	default:
		return e.park(ctx, ev, fmt.Sprintf("unexpected availability %q", listing.Availability), 0)
	}
}

// onMarketplaceSale records a sale observed on the marketplace side.
func (e *Engine) onMarketplaceSale(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	switch listing.Availability {
	case domain.AvailabilityActive, domain.AvailabilityRestored:
		soldAt := e.eventTime(ev)
		now := e.now()
		updated, err := e.listings.TransitionState(ctx, listing.MarketplacePid, listing.Version, func(l *domain.Listing) error {
			l.Availability = domain.AvailabilitySoldRemoteOnly
			l.SoldFrom = domain.SoldFromMarketplace
			l.PendingRemoteOrder = false
			l.SoldAt = &soldAt
			l.LastReconciledAt = &now
			l.LastErrorCode = ""
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("marketplace sale recorded, delisting storefront")
		return e.delistStorefront(ctx, updated, false)

	case domain.AvailabilitySoldPendingRemote:
		if orderID, ok := listing.ActiveRemoteOrderID(); ok {
			// The detected sale is our own mirrored order surfacing through
			// the poll. Fold it into the normal success path.
			logger.Info("detected sale matches our recorded remote order", "remote_order_id", orderID)
			return e.Handle(ctx, e.followUpEvent(domain.EventRemoteOrderPlaced, listing.MarketplacePid, orderID))
		}
		// Someone else bought the item before our mirror completed.
		logger.Warn("marketplace sale beat the pending mirror, flagging storefront order for refund")
		return e.applyConflict(ctx, logger, listing.MarketplacePid, listing.StorefrontOrderID, conflictCode(listing.MarketplacePid, "AlreadySold"))

	case domain.AvailabilitySoldRemoteOnly:
		logger.Info("duplicate marketplace sale, re-asserting storefront delist")
		return e.delistStorefront(ctx, listing, false)

	case domain.AvailabilitySoldBoth:
		logger.Info("duplicate marketplace sale ignored", "state", listing.Availability)
		return nil

	default:
		return e.park(ctx, ev, fmt.Sprintf("unexpected availability %q", listing.Availability), 0)
	}
}

// onRemoteOrderPlaced finalizes a successful mirror: the listing is sold on
// both platforms.
func (e *Engine) onRemoteOrderPlaced(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	switch listing.Availability {
	case domain.AvailabilitySoldPendingRemote:
		now := e.now()
		updated, err := e.listings.TransitionState(ctx, listing.MarketplacePid, listing.Version, func(l *domain.Listing) error {
			l.AppendRemoteOrderID(ev.PlatformOrderID)
			l.Availability = domain.AvailabilitySoldBoth
			l.SoldFrom = domain.SoldFromBoth
			l.PendingRemoteOrder = false
			l.LastReconciledAt = &now
			l.LastErrorCode = ""
			l.SyncAttemptCount = 0
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("listing sold on both platforms", "remote_order_id", ev.PlatformOrderID)
		if err := e.delistStorefront(ctx, updated, true); err != nil {
			return err
		}
		return e.annotateMirroredOrder(ctx, logger, updated, ev.PlatformOrderID)

	case domain.AvailabilitySoldBoth:
		logger.Info("duplicate remote order confirmation, re-asserting storefront delist")
		return e.delistStorefront(ctx, listing, true)

	case domain.AvailabilitySoldRemoteOnly:
		// A conflict was applied while the placement actually went through.
		// The order stands, so upgrade; the refund flag on the storefront
		// order stays for the operator to resolve.
		logger.Warn("late remote order confirmation upgrades conflict state", "remote_order_id", ev.PlatformOrderID)
		updated, err := transition(ctx, e.listings, listing.MarketplacePid, func(l *domain.Listing) error {
			l.AppendRemoteOrderID(ev.PlatformOrderID)
			l.Availability = domain.AvailabilitySoldBoth
			l.SoldFrom = domain.SoldFromBoth
			l.PendingRemoteOrder = false
			return nil
		})
		if err != nil {
			return err
		}
		return e.delistStorefront(ctx, updated, true)

	default:
		logger.Error("remote order confirmation does not match listing state", "state", listing.Availability)
		return e.park(ctx, ev, fmt.Sprintf("remote order confirmed while %q", listing.Availability), 0)
	}
}

// onRestore brings a sold listing back to active after a cancellation or
// refund. The active remote order id is tombstoned, never erased.
func (e *Engine) onRestore(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	switch listing.Availability {
	case domain.AvailabilitySoldBoth, domain.AvailabilitySoldRemoteOnly:
		updated, err := e.listings.TransitionState(ctx, listing.MarketplacePid, listing.Version, func(l *domain.Listing) error {
			l.TombstoneActiveRemoteOrder()
			l.Availability = domain.AvailabilityRestored
			l.SoldFrom = domain.SoldFromNone
			l.PendingRemoteOrder = false
			l.StorefrontOrderID = ""
			l.SoldAt = nil
			l.LastErrorCode = ""
			l.SyncAttemptCount = 0
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("sale undone, restoring listing", "cause", ev.Kind, "status", ev.OrderStatus)
		return e.relistStorefront(ctx, logger, updated)

	case domain.AvailabilityRestored:
		// A crash between the restore write and the storefront relist lands
		// here on redelivery.
		logger.Info("restore redelivered, re-running storefront relist")
		return e.relistStorefront(ctx, logger, listing)

	case domain.AvailabilitySoldPendingRemote:
		if _, ok := listing.ActiveRemoteOrderID(); ok {
			// The mirror already bought the item. A sent order is never
			// aborted, so settle it through the placement resume first and
			// apply the restore to the settled state.
			if err := e.runPlacement(ctx, logger, listing, ev); err != nil {
				return err
			}
			fresh, err := e.listings.GetByMarketplacePid(ctx, listing.MarketplacePid)
			if err != nil {
				return fmt.Errorf("load listing %d: %w", listing.MarketplacePid, err)
			}
			if fresh == nil {
				return e.park(ctx, ev, "listing vanished while settling remote order", 0)
			}
			if fresh.Availability == domain.AvailabilitySoldPendingRemote {
				// The confirm did not go through; redelivery retries the
				// whole settle-then-restore sequence.
				return fmt.Errorf("listing %d: recorded remote order not settled yet", listing.MarketplacePid)
			}
			return e.applyOnce(ctx, logger, fresh, ev)
		}
		// No remote order yet: drop the pending mirror outright.
		updated, err := e.listings.TransitionState(ctx, listing.MarketplacePid, listing.Version, func(l *domain.Listing) error {
			l.Availability = domain.AvailabilityRestored
			l.SoldFrom = domain.SoldFromNone
			l.PendingRemoteOrder = false
			l.StorefrontOrderID = ""
			l.SoldAt = nil
			l.LastErrorCode = ""
			l.SyncAttemptCount = 0
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("pending mirror cancelled before placement, restoring listing")
		return e.relistStorefront(ctx, logger, updated)

	case domain.AvailabilityActive:
		logger.Info("duplicate restore ignored, listing already active")
		return nil

	default:
		return e.park(ctx, ev, fmt.Sprintf("unexpected availability %q", listing.Availability), 0)
	}
}

// onOrderStatusNoted records a remote order status that does not change
// availability.
func (e *Engine) onOrderStatusNoted(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	logger.Debug("remote order status noted", "status", ev.OrderStatus)
	_, err := transition(ctx, e.listings, listing.MarketplacePid, func(l *domain.Listing) error {
		now := e.now()
		l.LastReconciledAt = &now
		return nil
	})
	return err
}

func (e *Engine) runPlacement(ctx context.Context, logger *slog.Logger, listing *domain.Listing, ev domain.ReconciliationEvent) error {
	res, err := e.placement.Run(ctx, listing)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case outcomePlaced:
		// Applied in the same call stack: the per-listing queue guarantees
		// nobody else touches this key meanwhile.
		return e.Handle(ctx, e.followUpEvent(domain.EventRemoteOrderPlaced, listing.MarketplacePid, res.OrderID))

	case outcomeConflict:
		orderID := listing.StorefrontOrderID
		if orderID == "" {
			orderID = ev.PlatformOrderID
		}
		return e.applyConflict(ctx, logger, listing.MarketplacePid, orderID, res.ErrorCode)

	case outcomeHeld, outcomeDeferred:
		return e.holdPlacement(ctx, logger, listing, res)

	default:
		return fmt.Errorf("listing %d: unknown placement outcome %d", listing.MarketplacePid, res.Outcome)
	}
}

// applyConflict settles a listing whose storefront sale cannot be honored:
// the marketplace item is already gone. The listing ends in sold_remote_only
// and the storefront order is flagged for refund.
func (e *Engine) applyConflict(ctx context.Context, logger *slog.Logger, pid int64, storefrontOrderID, code string) error {
	now := e.now()
	updated, err := transition(ctx, e.listings, pid, func(l *domain.Listing) error {
		l.Availability = domain.AvailabilitySoldRemoteOnly
		l.SoldFrom = domain.SoldFromMarketplace
		l.PendingRemoteOrder = false
		l.LastReconciledAt = &now
		l.LastErrorCode = code
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.delistStorefront(ctx, updated, false); err != nil {
		return err
	}
	if storefrontOrderID != "" {
		if err := e.flagOrderForRefund(ctx, storefrontOrderID, code); err != nil {
			return err
		}
	}
	logger.Warn("cross-platform conflict settled", "code", code, "order_id", storefrontOrderID)
	return nil
}

// holdPlacement keeps the listing in sold_pending_remote and records why the
// mirror did not complete. Held outcomes additionally flag the storefront
// order for manual review.
func (e *Engine) holdPlacement(ctx context.Context, logger *slog.Logger, listing *domain.Listing, res PlacementResult) error {
	_, err := transition(ctx, e.listings, listing.MarketplacePid, func(l *domain.Listing) error {
		l.SyncAttemptCount++
		l.LastErrorCode = res.ErrorCode
		return nil
	})
	if err != nil {
		return err
	}
	if res.Outcome == outcomeHeld && listing.StorefrontOrderID != "" {
		if err := e.storefront.AnnotateOrder(ctx, listing.StorefrontOrderID, []string{tagManualReview}, map[string]string{
			"reconciliation_error": res.ErrorCode,
		}); err != nil {
			return fmt.Errorf("annotate held order: %w", err)
		}
	}
	logger.Warn("placement did not complete, listing stays pending",
		"code", res.ErrorCode, "attempts", listing.SyncAttemptCount+1, "urgent", res.Urgent)
	return nil
}

// delistStorefront zeroes the stock and deactivates the storefront listing.
// Both writes are idempotent and safe to re-assert.
func (e *Engine) delistStorefront(ctx context.Context, listing *domain.Listing, soldBoth bool) error {
	if listing.StorefrontID == "" {
		return nil
	}
	marker, tag := soldMarketplaceMarker, tagSoldMarketplace
	if soldBoth {
		marker, tag = soldBothMarker, tagSoldBoth
	}
	if err := e.storefront.SetQuantity(ctx, listing.StorefrontID, e.locationID, 0); err != nil {
		return fmt.Errorf("zero storefront quantity: %w", err)
	}
	if err := e.storefront.SetListingStatusAndTags(ctx, listing.StorefrontID, storefrontStatusInactive, marker+listing.Title, []string{tag}); err != nil {
		return fmt.Errorf("deactivate storefront listing: %w", err)
	}
	return nil
}

// relistStorefront puts the listing back on sale and folds the transient
// restored state into active.
func (e *Engine) relistStorefront(ctx context.Context, logger *slog.Logger, listing *domain.Listing) error {
	if listing.StorefrontID != "" {
		if err := e.storefront.SetQuantity(ctx, listing.StorefrontID, e.locationID, 1); err != nil {
			return fmt.Errorf("restore storefront quantity: %w", err)
		}
		if err := e.storefront.SetListingStatusAndTags(ctx, listing.StorefrontID, storefrontStatusActive, listing.Title, nil); err != nil {
			return fmt.Errorf("reactivate storefront listing: %w", err)
		}
	}
	_, err := transition(ctx, e.listings, listing.MarketplacePid, func(l *domain.Listing) error {
		if l.Availability != domain.AvailabilityRestored {
			return nil
		}
		now := e.now()
		l.Availability = domain.AvailabilityActive
		l.LastReconciledAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("listing restored to active")
	return nil
}

func (e *Engine) annotateMirroredOrder(ctx context.Context, logger *slog.Logger, listing *domain.Listing, remoteOrderID string) error {
	if listing.StorefrontOrderID == "" {
		return nil
	}
	if err := e.storefront.AnnotateOrder(ctx, listing.StorefrontOrderID, nil, map[string]string{
		"remote_order_id": remoteOrderID,
	}); err != nil {
		return fmt.Errorf("annotate mirrored order: %w", err)
	}
	logger.Debug("storefront order annotated with remote order id", "order_id", listing.StorefrontOrderID)
	return nil
}

func (e *Engine) flagOrderForRefund(ctx context.Context, orderID, code string) error {
	if err := e.storefront.AnnotateOrder(ctx, orderID, []string{tagNeedsRefund}, map[string]string{
		"reconciliation_error": code,
	}); err != nil {
		return fmt.Errorf("flag order for refund: %w", err)
	}
	return nil
}

func (e *Engine) park(ctx context.Context, ev domain.ReconciliationEvent, cause string, attempts int) error {
	parked := domain.ParkedEvent{Event: ev, Cause: cause, Attempts: attempts, ParkedAt: e.now()}
	if err := e.guards.ParkEvent(ctx, parked); err != nil {
		return fmt.Errorf("park event %s: %w", ev.ID, err)
	}
	return nil
}

func (e *Engine) followUpEvent(kind domain.EventKind, pid int64, platformOrderID string) domain.ReconciliationEvent {
	return domain.ReconciliationEvent{
		ID:              uuid.NewString(),
		Kind:            kind,
		ListingKey:      pid,
		PlatformOrderID: platformOrderID,
		ObservedAt:      e.now(),
	}
}

func (e *Engine) eventTime(ev domain.ReconciliationEvent) time.Time {
	if ev.ObservedAt.IsZero() {
		return e.now()
	}
	return ev.ObservedAt.UTC()
}

// transition applies mutate through the store's version check, re-reading on
// conflict. Use it for bookkeeping writes whose mutation is valid regardless
// of concurrent changes; availability decisions belong in Handle's loop where
// the event is re-evaluated instead.
func transition(ctx context.Context, repo port.ListingRepository, pid int64, mutate func(*domain.Listing) error) (*domain.Listing, error) {
	for attempt := 0; attempt < stateRetryLimit; attempt++ {
		listing, err := repo.GetByMarketplacePid(ctx, pid)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			return nil, port.ErrListingNotFound
		}
		updated, err := repo.TransitionState(ctx, pid, listing.Version, mutate)
		if errors.Is(err, port.ErrConcurrencyConflict) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("listing %d: %w", pid, port.ErrConcurrencyConflict)
}
