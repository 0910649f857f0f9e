package domain

import (
	"strings"
	"time"
)

type Availability string

const (
	AvailabilityActive            Availability = "active"
	AvailabilitySoldPendingRemote Availability = "sold_pending_remote"
	AvailabilitySoldBoth          Availability = "sold_both"
	AvailabilitySoldRemoteOnly    Availability = "sold_remote_only"
	AvailabilityRestored          Availability = "restored"
)

type SoldFrom string

const (
	SoldFromNone        SoldFrom = "none"
	SoldFromStorefront  SoldFrom = "storefront"
	SoldFromMarketplace SoldFrom = "marketplace"
	SoldFromBoth        SoldFrom = "both"
)

// TombstonePrefix marks a remote order id whose order was cancelled or
// refunded. Tombstoned ids stay in RemoteOrderIDs forever; the list never
// shrinks.
const TombstonePrefix = "~"

// Listing is a single secondhand item tracked on both platforms. Effective
// quantity is always 0 or 1. All mutation goes through the listing store's
// version-checked transition; nothing else writes these fields.
type Listing struct {
	MarketplacePid     int64
	StorefrontID       string // empty until the storefront listing is linked
	StorefrontOrderID  string // last storefront order that sold this listing
	Title              string
	OriginalPriceMinor int64
	Availability       Availability
	SoldFrom           SoldFrom
	PendingRemoteOrder bool
	RemoteOrderIDs     []string // append-only, oldest first
	SoldAt             *time.Time
	LastReconciledAt   *time.Time
	SyncAttemptCount   int
	LastErrorCode      string
	Version            int // optimistic locking
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Quantity is the stock both platforms should expose for this listing.
func (l *Listing) Quantity() int {
	if l.Availability == AvailabilityActive || l.Availability == AvailabilityRestored {
		return 1
	}
	return 0
}

// ActiveRemoteOrderID returns the most recent remote order id that has not
// been tombstoned.
func (l *Listing) ActiveRemoteOrderID() (string, bool) {
	tombstoned := make(map[string]bool)
	for _, id := range l.RemoteOrderIDs {
		if strings.HasPrefix(id, TombstonePrefix) {
			tombstoned[strings.TrimPrefix(id, TombstonePrefix)] = true
		}
	}
	for i := len(l.RemoteOrderIDs) - 1; i >= 0; i-- {
		id := l.RemoteOrderIDs[i]
		if strings.HasPrefix(id, TombstonePrefix) {
			continue
		}
		if !tombstoned[id] {
			return id, true
		}
	}
	return "", false
}

// HasRemoteOrderID reports whether id was ever recorded, tombstoned or not.
func (l *Listing) HasRemoteOrderID(id string) bool {
	for _, existing := range l.RemoteOrderIDs {
		if existing == id || existing == TombstonePrefix+id {
			return true
		}
	}
	return false
}

// AppendRemoteOrderID records a newly placed remote order. Appending an id
// that is already present is a no-op so redelivered confirmations stay
// idempotent.
func (l *Listing) AppendRemoteOrderID(id string) {
	if l.HasRemoteOrderID(id) {
		return
	}
	l.RemoteOrderIDs = append(l.RemoteOrderIDs, id)
}

// TombstoneActiveRemoteOrder marks the current active remote order id as
// cancelled. History is retained; only a marker entry is appended.
func (l *Listing) TombstoneActiveRemoteOrder() {
	id, ok := l.ActiveRemoteOrderID()
	if !ok {
		return
	}
	l.RemoteOrderIDs = append(l.RemoteOrderIDs, TombstonePrefix+id)
}

// CatalogSnapshot is what the (out-of-scope) catalog ingestion path hands the
// listing store. It can refresh descriptive fields but never availability.
type CatalogSnapshot struct {
	MarketplacePid     int64
	StorefrontID       string
	Title              string
	OriginalPriceMinor int64
}
