package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeListings is an in-memory ListingRepository with the same version-check
// semantics as the MySQL store.
type fakeListings struct {
	mu   sync.Mutex
	rows map[int64]*domain.Listing

	// conflictsLeft forces that many TransitionState calls to fail with a
	// version conflict (bumping the stored version like a concurrent writer
	// would) before writes go through again.
	conflictsLeft int

	// transitionErr, when set, fails every TransitionState call.
	transitionErr error

	transitions int
}

func newFakeListings(seed ...*domain.Listing) *fakeListings {
	f := &fakeListings{rows: make(map[int64]*domain.Listing)}
	for _, l := range seed {
		cp := cloneListing(l)
		if cp.Version == 0 {
			cp.Version = 1
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = cp.CreatedAt
		}
		f.rows[cp.MarketplacePid] = cp
	}
	return f
}

func cloneListing(l *domain.Listing) *domain.Listing {
	cp := *l
	cp.RemoteOrderIDs = append([]string(nil), l.RemoteOrderIDs...)
	if l.SoldAt != nil {
		t := *l.SoldAt
		cp.SoldAt = &t
	}
	if l.LastReconciledAt != nil {
		t := *l.LastReconciledAt
		cp.LastReconciledAt = &t
	}
	return &cp
}

func (f *fakeListings) GetByMarketplacePid(_ context.Context, pid int64) (*domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[pid]
	if !ok {
		return nil, nil
	}
	return cloneListing(row), nil
}

func (f *fakeListings) GetByStorefrontID(_ context.Context, storefrontID string) (*domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.StorefrontID == storefrontID {
			return cloneListing(row), nil
		}
	}
	return nil, nil
}

func (f *fakeListings) UpsertFromCatalog(_ context.Context, snap domain.CatalogSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[snap.MarketplacePid]
	if !ok {
		now := time.Now().UTC()
		f.rows[snap.MarketplacePid] = &domain.Listing{
			MarketplacePid:     snap.MarketplacePid,
			StorefrontID:       snap.StorefrontID,
			Title:              snap.Title,
			OriginalPriceMinor: snap.OriginalPriceMinor,
			Availability:       domain.AvailabilityActive,
			SoldFrom:           domain.SoldFromNone,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return nil
	}
	row.Title = snap.Title
	row.OriginalPriceMinor = snap.OriginalPriceMinor
	if snap.StorefrontID != "" {
		row.StorefrontID = snap.StorefrontID
	}
	row.Version++
	return nil
}

func (f *fakeListings) TransitionState(_ context.Context, pid int64, expectedVersion int, mutate func(*domain.Listing) error) (*domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions++
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	row, ok := f.rows[pid]
	if !ok {
		return nil, port.ErrListingNotFound
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		row.Version++
		return nil, port.ErrConcurrencyConflict
	}
	if row.Version != expectedVersion {
		return nil, port.ErrConcurrencyConflict
	}
	work := cloneListing(row)
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.Version = row.Version + 1
	work.UpdatedAt = time.Now().UTC()
	f.rows[pid] = work
	return cloneListing(work), nil
}

func (f *fakeListings) ListPendingRemote(_ context.Context, limit int) ([]domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Listing
	for _, row := range f.rows {
		if row.Availability == domain.AvailabilitySoldPendingRemote && len(out) < limit {
			out = append(out, *cloneListing(row))
		}
	}
	return out, nil
}

func (f *fakeListings) ListRecentlySold(_ context.Context, since time.Time, limit int) ([]domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Listing
	for _, row := range f.rows {
		sold := row.Availability == domain.AvailabilitySoldBoth || row.Availability == domain.AvailabilitySoldRemoteOnly
		if sold && row.SoldAt != nil && !row.SoldAt.Before(since) && len(out) < limit {
			out = append(out, *cloneListing(row))
		}
	}
	return out, nil
}

func (f *fakeListings) ListActive(_ context.Context, checkedBefore time.Time, limit int) ([]domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Listing
	for _, row := range f.rows {
		active := row.Availability == domain.AvailabilityActive || row.Availability == domain.AvailabilityRestored
		stale := row.LastReconciledAt == nil || row.LastReconciledAt.Before(checkedBefore)
		if active && stale && len(out) < limit {
			out = append(out, *cloneListing(row))
		}
	}
	return out, nil
}

// get returns the stored listing for assertions.
func (f *fakeListings) get(pid int64) *domain.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[pid]
	if !ok {
		return nil
	}
	return cloneListing(row)
}

type fakeGuards struct {
	mu          sync.Mutex
	seen        map[string]bool
	reserved    map[int64]bool
	denyReserve bool
	parked      []domain.ParkedEvent
	alerts      []string
	releases    int
}

func newFakeGuards() *fakeGuards {
	return &fakeGuards{seen: make(map[string]bool), reserved: make(map[int64]bool)}
}

func (f *fakeGuards) MarkEventSeen(_ context.Context, deliveryID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[deliveryID] {
		return false, nil
	}
	f.seen[deliveryID] = true
	return true, nil
}

func (f *fakeGuards) ReservePlacement(_ context.Context, pid int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyReserve || f.reserved[pid] {
		return false, nil
	}
	f.reserved[pid] = true
	return true, nil
}

func (f *fakeGuards) ReleasePlacement(_ context.Context, pid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, pid)
	f.releases++
	return nil
}

func (f *fakeGuards) ParkEvent(_ context.Context, parked domain.ParkedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, parked)
	return nil
}

func (f *fakeGuards) ParkedEvents(_ context.Context, limit int64) ([]domain.ParkedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ParkedEvent, 0, limit)
	for i := len(f.parked) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, f.parked[i])
	}
	return out, nil
}

func (f *fakeGuards) PushUrgentAlert(_ context.Context, code, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, code+": "+detail)
	return nil
}

func (f *fakeGuards) parkedEvents() []domain.ParkedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ParkedEvent(nil), f.parked...)
}

func (f *fakeGuards) urgentAlerts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alerts...)
}

type stockWrite struct {
	ItemID     string
	LocationID string
	Qty        int
}

type statusWrite struct {
	ID     string
	Status string
	Title  string
	Tags   []string
}

type orderAnnotation struct {
	OrderID  string
	Tags     []string
	Metadata map[string]string
}

type fakeStorefront struct {
	mu           sync.Mutex
	stockWrites  []stockWrite
	statusWrites []statusWrite
	annotations  []orderAnnotation
	quantityErr  error
	annotateErr  error
}

func newFakeStorefront() *fakeStorefront { return &fakeStorefront{} }

func (f *fakeStorefront) QueryListing(_ context.Context, id string) (*port.StorefrontListing, error) {
	return &port.StorefrontListing{ID: id}, nil
}

func (f *fakeStorefront) SetListingStatusAndTags(_ context.Context, id, status, title string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites = append(f.statusWrites, statusWrite{ID: id, Status: status, Title: title, Tags: append([]string(nil), tags...)})
	return nil
}

func (f *fakeStorefront) SetQuantity(_ context.Context, itemID, locationID string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quantityErr != nil {
		return f.quantityErr
	}
	f.stockWrites = append(f.stockWrites, stockWrite{ItemID: itemID, LocationID: locationID, Qty: qty})
	return nil
}

func (f *fakeStorefront) QueryOrder(_ context.Context, id string) (*port.StorefrontOrder, error) {
	return &port.StorefrontOrder{ID: id}, nil
}

func (f *fakeStorefront) AnnotateOrder(_ context.Context, id string, tags []string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.annotateErr != nil {
		return f.annotateErr
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	f.annotations = append(f.annotations, orderAnnotation{OrderID: id, Tags: append([]string(nil), tags...), Metadata: md})
	return nil
}

func (f *fakeStorefront) lastStatusWrite() (statusWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusWrites) == 0 {
		return statusWrite{}, false
	}
	return f.statusWrites[len(f.statusWrites)-1], true
}

func (f *fakeStorefront) lastStockWrite() (stockWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stockWrites) == 0 {
		return stockWrite{}, false
	}
	return f.stockWrites[len(f.stockWrites)-1], true
}

func (f *fakeStorefront) annotationsFor(orderID string) []orderAnnotation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orderAnnotation
	for _, a := range f.annotations {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out
}

type fakeMarketplace struct {
	mu          sync.Mutex
	details     map[int64]*port.MarketplaceListing
	detailsErr  map[int64]error
	createErr   error
	confirmErr  error
	orderIDs    []string // scripted ids handed out before the mo-%d default
	ordersPages []port.MarketplaceOrdersPage
	ordersErr   error
	balance     int64

	nextOrder    int
	created      []port.NewRemoteOrder
	confirmed    []string
	detailCalls  int
	createCalls  int
	confirmCalls int
	ordersCalls  int
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		details:    make(map[int64]*port.MarketplaceListing),
		detailsErr: make(map[int64]error),
		balance:    1_000_000,
	}
}

func gatewayErr(class port.GatewayErrorClass, code string) error {
	return &port.GatewayError{Gateway: "marketplace", Class: class, Code: code}
}

func (f *fakeMarketplace) GetListingDetails(_ context.Context, pid int64) (*port.MarketplaceListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if err, ok := f.detailsErr[pid]; ok {
		return nil, err
	}
	d, ok := f.details[pid]
	if !ok {
		return nil, gatewayErr(port.GatewayPermanent, port.CodeNotFound)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeMarketplace) CreateOrder(_ context.Context, order port.NewRemoteOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextOrder++
	f.created = append(f.created, order)
	if len(f.orderIDs) > 0 {
		id := f.orderIDs[0]
		f.orderIDs = f.orderIDs[1:]
		return id, nil
	}
	return fmt.Sprintf("mo-%d", f.nextOrder), nil
}

func (f *fakeMarketplace) ConfirmOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, orderID)
	return nil
}

func (f *fakeMarketplace) GetOrders(_ context.Context, _, _ time.Time, page, _ int) (port.MarketplaceOrdersPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ordersCalls++
	if f.ordersErr != nil {
		return port.MarketplaceOrdersPage{}, f.ordersErr
	}
	if page < 1 || page > len(f.ordersPages) {
		return port.MarketplaceOrdersPage{Page: page, TotalPages: len(f.ordersPages)}, nil
	}
	out := f.ordersPages[page-1]
	out.Page = page
	out.TotalPages = len(f.ordersPages)
	return out, nil
}

func (f *fakeMarketplace) GetAccountBalance(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeMarketplace) createdOrders() []port.NewRemoteOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]port.NewRemoteOrder(nil), f.created...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.ReconciliationEvent
}

func (f *fakeSink) Enqueue(_ context.Context, ev domain.ReconciliationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) drained() []domain.ReconciliationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ReconciliationEvent(nil), f.events...)
}
