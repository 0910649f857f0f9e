package port

import (
	"context"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

type GuardRepository interface {
	// MarkEventSeen records a webhook delivery id, returns false if already seen
	MarkEventSeen(ctx context.Context, deliveryID string) (bool, error)

	// ReservePlacement claims the right to place a remote order for a listing, returns false if already claimed
	ReservePlacement(ctx context.Context, pid int64) (bool, error)

	// ReleasePlacement frees a placement claim once the attempt reached a definitive outcome
	ReleasePlacement(ctx context.Context, pid int64) error

	// ParkEvent stores an event that exhausted delivery retries for manual inspection
	ParkEvent(ctx context.Context, parked domain.ParkedEvent) error

	// ParkedEvents returns up to limit parked events, most recent first
	ParkedEvents(ctx context.Context, limit int64) ([]domain.ParkedEvent, error)

	// PushUrgentAlert queues an operator alert (auth failure, empty balance)
	PushUrgentAlert(ctx context.Context, code, detail string) error
}
