package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

// stateRetryLimit bounds the read-CAS-retry loops. Conflicts come from
// concurrent bookkeeping writers (catalog refresh, poll touches), so a
// handful of retries always suffices.
const stateRetryLimit = 5

// Error codes recorded in lastErrorCode while a listing waits in
// sold_pending_remote. Resumable codes are retried by the poller once
// conditions heal; the rest wait for an operator.
const (
	errCodePriceDrift        = "PRICE_DRIFT"
	errCodeBadPrice          = "BAD_PRICE"
	errCodeStatusUnknown     = "STATUS_UNKNOWN"
	errCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	errCodeCircuitOpen       = "CIRCUIT_OPEN"
	errCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	errCodeAuthFailed        = "AUTH_FAILED"
	errCodePlacementInFlight = "PLACEMENT_IN_FLIGHT"
	errCodePlacementRejected = "PLACEMENT_REJECTED"
)

type placementOutcome int

const (
	// outcomePlaced: the remote order exists and is confirmed.
	outcomePlaced placementOutcome = iota
	// outcomeConflict: the item is gone on the marketplace; the storefront
	// sale cannot be mirrored.
	outcomeConflict
	// outcomeHeld: the listing stays pending and waits for manual review.
	outcomeHeld
	// outcomeDeferred: the listing stays pending and may be retried
	// automatically later.
	outcomeDeferred
)

type PlacementResult struct {
	Outcome   placementOutcome
	OrderID   string
	ErrorCode string
	Urgent    bool
}

// PlacementWorkflow mirrors a storefront sale onto the marketplace: re-check
// the live listing, place the order at the live price with zero delivery fee,
// record the id, confirm. Every step is safe to re-run.
type PlacementWorkflow struct {
	listings    port.ListingRepository
	marketplace port.MarketplaceGateway
	guards      port.GuardRepository
	logger      *slog.Logger

	// priceDriftTolerance is the accepted relative difference between the
	// catalog price and the live price. Beyond it the order is held for
	// review instead of being placed silently.
	priceDriftTolerance float64
}

func NewPlacementWorkflow(listings port.ListingRepository, marketplace port.MarketplaceGateway, guards port.GuardRepository, priceDriftTolerance float64, logger *slog.Logger) *PlacementWorkflow {
	if priceDriftTolerance <= 0 {
		priceDriftTolerance = 0.10
	}
	return &PlacementWorkflow{
		listings:            listings,
		marketplace:         marketplace,
		guards:              guards,
		logger:              logger.With("component", "placement"),
		priceDriftTolerance: priceDriftTolerance,
	}
}

// Run executes the placement for a listing in sold_pending_remote. A non-nil
// error means infrastructure trouble and asks the queue to redeliver; every
// business outcome, including failure to place, comes back as a result.
func (w *PlacementWorkflow) Run(ctx context.Context, listing *domain.Listing) (PlacementResult, error) {
	pid := listing.MarketplacePid
	logger := w.logger.With("pid", pid)

	// A previous attempt may have placed the order and crashed before the
	// confirm or the follow-up event. Finish that order instead of buying
	// the item twice.
	if orderID, ok := listing.ActiveRemoteOrderID(); ok {
		logger.Info("resuming recorded remote order", "remote_order_id", orderID)
		if err := w.marketplace.ConfirmOrder(ctx, orderID); err != nil {
			if res, handled := w.mapGatewayFailure(ctx, logger, pid, err); handled {
				return res, nil
			}
			return PlacementResult{}, fmt.Errorf("confirm remote order %s: %w", orderID, err)
		}
		return PlacementResult{Outcome: outcomePlaced, OrderID: orderID}, nil
	}

	reserved, err := w.guards.ReservePlacement(ctx, pid)
	if err != nil {
		return PlacementResult{}, fmt.Errorf("reserve placement: %w", err)
	}
	if !reserved {
		logger.Warn("placement already claimed, deferring")
		return PlacementResult{Outcome: outcomeDeferred, ErrorCode: errCodePlacementInFlight}, nil
	}
	defer func() {
		if releaseErr := w.guards.ReleasePlacement(ctx, pid); releaseErr != nil {
			logger.Error("failed to release placement claim", "error", releaseErr)
		}
	}()

	// The catalog price may be stale; always re-fetch before spending money.
	live, err := w.marketplace.GetListingDetails(ctx, pid)
	if err != nil {
		if res, handled := w.mapGatewayFailure(ctx, logger, pid, err); handled {
			return res, nil
		}
		return PlacementResult{}, fmt.Errorf("fetch live details: %w", err)
	}

	if live.Status == domain.SellStatusSold || live.Quantity <= 0 {
		return PlacementResult{Outcome: outcomeConflict, ErrorCode: conflictCode(pid, "AlreadySold")}, nil
	}
	if live.Status == domain.SellStatusUnknown {
		logger.Warn("live status unclassifiable, holding for review")
		return PlacementResult{Outcome: outcomeHeld, ErrorCode: errCodeStatusUnknown}, nil
	}
	if live.PriceMinor <= 0 || listing.OriginalPriceMinor <= 0 {
		derr := &port.DataIntegrityError{
			MarketplacePid: pid,
			Reason:         fmt.Sprintf("unusable price: live=%d catalog=%d", live.PriceMinor, listing.OriginalPriceMinor),
		}
		if res, handled := w.mapGatewayFailure(ctx, logger, pid, derr); handled {
			return res, nil
		}
		return PlacementResult{}, derr
	}

	if drift := relativeDrift(listing.OriginalPriceMinor, live.PriceMinor); drift > w.priceDriftTolerance {
		logger.Warn("live price drifted beyond tolerance, holding for review",
			"expected", listing.OriginalPriceMinor, "live", live.PriceMinor, "drift", fmt.Sprintf("%.3f", drift))
		return PlacementResult{Outcome: outcomeHeld, ErrorCode: errCodePriceDrift}, nil
	}

	orderID, err := w.marketplace.CreateOrder(ctx, port.NewRemoteOrder{
		Pid:                pid,
		PriceMinor:         live.PriceMinor,
		DeliveryPriceMinor: 0,
	})
	if err != nil {
		if res, handled := w.mapGatewayFailure(ctx, logger, pid, err); handled {
			return res, nil
		}
		return PlacementResult{}, fmt.Errorf("create remote order: %w", err)
	}

	// Record the id before confirming so a crash between the two calls can
	// never lead to a second order for the same item.
	if err := w.recordRemoteOrder(ctx, pid, orderID); err != nil {
		w.alertUrgent(ctx, logger, "ORDER_RECORD_FAILED",
			fmt.Sprintf("listing %d: remote order %s placed but not recorded: %v", pid, orderID, err))
		return PlacementResult{}, fmt.Errorf("record remote order %s: %w", orderID, err)
	}

	if err := w.marketplace.ConfirmOrder(ctx, orderID); err != nil {
		if res, handled := w.mapGatewayFailure(ctx, logger, pid, err); handled {
			// The order id is recorded; a later resume finishes the confirm.
			return res, nil
		}
		return PlacementResult{}, fmt.Errorf("confirm remote order %s: %w", orderID, err)
	}

	logger.Info("remote order placed and confirmed", "remote_order_id", orderID, "price", live.PriceMinor)
	return PlacementResult{Outcome: outcomePlaced, OrderID: orderID}, nil
}

// mapGatewayFailure turns a classified gateway error into a placement result.
// The second return is false for infrastructure errors the queue should
// redeliver.
func (w *PlacementWorkflow) mapGatewayFailure(ctx context.Context, logger *slog.Logger, pid int64, err error) (PlacementResult, bool) {
	switch {
	case port.IsCircuitOpen(err):
		logger.Warn("order circuit open, deferring placement")
		return PlacementResult{Outcome: outcomeDeferred, ErrorCode: errCodeCircuitOpen}, true
	case port.IsInsufficientFunds(err):
		w.alertUrgent(ctx, logger, errCodeInsufficientFunds, fmt.Sprintf("listing %d: %v", pid, err))
		return PlacementResult{Outcome: outcomeDeferred, ErrorCode: errCodeInsufficientFunds, Urgent: true}, true
	case port.IsAuthFailure(err):
		w.alertUrgent(ctx, logger, errCodeAuthFailed, fmt.Sprintf("listing %d: %v", pid, err))
		return PlacementResult{Outcome: outcomeDeferred, ErrorCode: errCodeAuthFailed, Urgent: true}, true
	case port.IsAlreadySold(err):
		return PlacementResult{Outcome: outcomeConflict, ErrorCode: conflictCode(pid, "AlreadySold")}, true
	case port.IsNotFound(err):
		return PlacementResult{Outcome: outcomeConflict, ErrorCode: conflictCode(pid, "NotAvailable")}, true
	case port.IsDataIntegrity(err):
		logger.Error("listing data unusable, holding for review", "error", err)
		return PlacementResult{Outcome: outcomeHeld, ErrorCode: errCodeBadPrice}, true
	case port.IsTransient(err):
		logger.Warn("placement retries exhausted, holding for review", "error", err)
		return PlacementResult{Outcome: outcomeHeld, ErrorCode: errCodeRetriesExhausted}, true
	case port.IsPermanent(err):
		logger.Error("marketplace rejected the order, holding for review", "error", err)
		return PlacementResult{Outcome: outcomeHeld, ErrorCode: errCodePlacementRejected}, true
	}
	return PlacementResult{}, false
}

func (w *PlacementWorkflow) recordRemoteOrder(ctx context.Context, pid int64, orderID string) error {
	_, err := transition(ctx, w.listings, pid, func(l *domain.Listing) error {
		l.AppendRemoteOrderID(orderID)
		l.PendingRemoteOrder = false
		return nil
	})
	return err
}

func (w *PlacementWorkflow) alertUrgent(ctx context.Context, logger *slog.Logger, code, detail string) {
	logger.Error("urgent operator attention required", "code", code, "detail", detail)
	if err := w.guards.PushUrgentAlert(ctx, code, detail); err != nil {
		logger.Error("failed to push urgent alert", "error", err)
	}
}

func conflictCode(pid int64, reason string) string {
	return fmt.Sprintf("Error:PID-%d-%s", pid, reason)
}

func relativeDrift(expected, live int64) float64 {
	diff := live - expected
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(expected)
}
