package port

import (
	"context"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

type EventSink interface {
	// Enqueue hands a canonical event to the dispatch queue
	Enqueue(ctx context.Context, ev domain.ReconciliationEvent) error
}
