package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

const listingColumns = `marketplace_pid, storefront_id, storefront_order_id, title,
	original_price_minor, availability, sold_from, pending_remote_order,
	remote_order_ids, sold_at, last_reconciled_at, sync_attempt_count,
	last_error_code, version, created_at, updated_at`

type MySQLListingStore struct {
	db *sql.DB
}

func NewMySQLListingStore(db *sql.DB) *MySQLListingStore {
	return &MySQLListingStore{db: db}
}

// Migrate creates the listings table when it does not exist yet. Safe to run
// on every start.
func (m *MySQLListingStore) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			marketplace_pid      BIGINT NOT NULL,
			storefront_id        VARCHAR(64) NULL,
			storefront_order_id  VARCHAR(64) NOT NULL DEFAULT '',
			title                VARCHAR(512) NOT NULL DEFAULT '',
			original_price_minor BIGINT NOT NULL DEFAULT 0,
			availability         VARCHAR(32) NOT NULL,
			sold_from            VARCHAR(16) NOT NULL,
			pending_remote_order TINYINT(1) NOT NULL DEFAULT 0,
			remote_order_ids     JSON NOT NULL,
			sold_at              DATETIME(6) NULL,
			last_reconciled_at   DATETIME(6) NULL,
			sync_attempt_count   INT NOT NULL DEFAULT 0,
			last_error_code      VARCHAR(128) NOT NULL DEFAULT '',
			version              INT NOT NULL DEFAULT 0,
			created_at           DATETIME(6) NOT NULL,
			updated_at           DATETIME(6) NOT NULL,
			PRIMARY KEY (marketplace_pid),
			UNIQUE KEY uniq_storefront_id (storefront_id),
			KEY idx_availability (availability),
			KEY idx_pending_remote (pending_remote_order),
			KEY idx_sold_at (sold_at)
		)`)
	if err != nil {
		return fmt.Errorf("migrate listings: %w", err)
	}
	return nil
}

func (m *MySQLListingStore) GetByMarketplacePid(ctx context.Context, pid int64) (*domain.Listing, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE marketplace_pid = ?`, pid)
	return scanListing(row)
}

func (m *MySQLListingStore) GetByStorefrontID(ctx context.Context, storefrontID string) (*domain.Listing, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE storefront_id = ?`, storefrontID)
	return scanListing(row)
}

func (m *MySQLListingStore) UpsertFromCatalog(ctx context.Context, snap domain.CatalogSnapshot) error {
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO listings (marketplace_pid, storefront_id, title, original_price_minor,
			availability, sold_from, pending_remote_order, remote_order_ids,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '[]', 0, ?, ?)
		ON DUPLICATE KEY UPDATE
			storefront_id = COALESCE(NULLIF(VALUES(storefront_id), ''), storefront_id),
			title = VALUES(title),
			original_price_minor = VALUES(original_price_minor),
			version = version + 1,
			updated_at = VALUES(updated_at)`,
		snap.MarketplacePid, nullableString(snap.StorefrontID), snap.Title, snap.OriginalPriceMinor,
		domain.AvailabilityActive, domain.SoldFromNone, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert listing %d: %w", snap.MarketplacePid, err)
	}
	return nil
}

func (m *MySQLListingStore) TransitionState(ctx context.Context, pid int64, expectedVersion int, mutate func(*domain.Listing) error) (*domain.Listing, error) {
	listing, err := m.GetByMarketplacePid(ctx, pid)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, port.ErrListingNotFound
	}
	if listing.Version != expectedVersion {
		return nil, port.ErrConcurrencyConflict
	}

	if err := mutate(listing); err != nil {
		return nil, err
	}

	orderIDs, err := json.Marshal(listing.RemoteOrderIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal remote order ids: %w", err)
	}

	now := time.Now().UTC()
	result, err := m.db.ExecContext(ctx, `
		UPDATE listings SET
			storefront_id = ?,
			storefront_order_id = ?,
			title = ?,
			original_price_minor = ?,
			availability = ?,
			sold_from = ?,
			pending_remote_order = ?,
			remote_order_ids = ?,
			sold_at = ?,
			last_reconciled_at = ?,
			sync_attempt_count = ?,
			last_error_code = ?,
			version = version + 1,
			updated_at = ?
		WHERE marketplace_pid = ? AND version = ?`,
		nullableString(listing.StorefrontID), listing.StorefrontOrderID, listing.Title,
		listing.OriginalPriceMinor, listing.Availability, listing.SoldFrom,
		listing.PendingRemoteOrder, orderIDs, nullableTime(listing.SoldAt),
		nullableTime(listing.LastReconciledAt), listing.SyncAttemptCount,
		listing.LastErrorCode, now,
		pid, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update listing %d: %w", pid, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, port.ErrConcurrencyConflict
	}

	listing.Version = expectedVersion + 1
	listing.UpdatedAt = now
	return listing, nil
}

func (m *MySQLListingStore) ListPendingRemote(ctx context.Context, limit int) ([]domain.Listing, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE pending_remote_order = 1
		 ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending remote: %w", err)
	}
	return collectListings(rows)
}

func (m *MySQLListingStore) ListRecentlySold(ctx context.Context, since time.Time, limit int) ([]domain.Listing, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE availability IN (?, ?) AND sold_at >= ?
		 ORDER BY sold_at DESC LIMIT ?`,
		domain.AvailabilitySoldBoth, domain.AvailabilitySoldRemoteOnly, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list recently sold: %w", err)
	}
	return collectListings(rows)
}

func (m *MySQLListingStore) ListActive(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.Listing, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE availability = ? AND (last_reconciled_at IS NULL OR last_reconciled_at < ?)
		 ORDER BY last_reconciled_at ASC LIMIT ?`,
		domain.AvailabilityActive, checkedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return collectListings(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*domain.Listing, error) {
	var (
		l            domain.Listing
		storefrontID sql.NullString
		orderIDs     []byte
		soldAt       sql.NullTime
		reconciledAt sql.NullTime
	)

	err := row.Scan(
		&l.MarketplacePid, &storefrontID, &l.StorefrontOrderID, &l.Title,
		&l.OriginalPriceMinor, &l.Availability, &l.SoldFrom, &l.PendingRemoteOrder,
		&orderIDs, &soldAt, &reconciledAt, &l.SyncAttemptCount,
		&l.LastErrorCode, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}

	if storefrontID.Valid {
		l.StorefrontID = storefrontID.String
	}
	if soldAt.Valid {
		t := soldAt.Time
		l.SoldAt = &t
	}
	if reconciledAt.Valid {
		t := reconciledAt.Time
		l.LastReconciledAt = &t
	}
	if len(orderIDs) > 0 {
		if err := json.Unmarshal(orderIDs, &l.RemoteOrderIDs); err != nil {
			return nil, fmt.Errorf("unmarshal remote order ids: %w", err)
		}
	}

	return &l, nil
}

func collectListings(rows *sql.Rows) ([]domain.Listing, error) {
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return listings, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
