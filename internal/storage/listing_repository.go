package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// ListingRepository persists the listing/auction read model
type ListingRepository struct {
	db *PostgresDB
}

// NewListingRepository creates a new listing repository
func NewListingRepository(db *PostgresDB) *ListingRepository {
	return &ListingRepository{db: db}
}

const listingColumns = `
	listing_id::text, listing_type, token_id::text, creator, price::text, highest_bid::text,
	buyer, auction_started, auction_end_time, cast_payload, bids, status, last_event_at,
	created_at, updated_at
`

// Get retrieves a listing by (listingID, type); ErrNotFound when absent
func (r *ListingRepository) Get(ctx context.Context, listingID string, listingType types.ListingType) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE listing_id = $1::numeric AND listing_type = $2
	`

	l, err := scanListing(r.db.Pool().QueryRow(ctx, query, listingID, listingType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

// Insert creates the listing if (listingID, type) is absent and reports whether it did
func (r *ListingRepository) Insert(ctx context.Context, l *models.Listing) (bool, error) {
	buyer, cast, bids, err := encodeListingJSON(l)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO listings (
			listing_id, listing_type, token_id, creator, price, highest_bid,
			buyer, auction_started, auction_end_time, cast_payload, bids, status,
			last_event_at, created_at, updated_at
		)
		VALUES ($1::numeric, $2, $3::numeric, $4, $5::numeric, $6::numeric,
			$7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (listing_id, listing_type) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		l.ListingID,
		l.ListingType,
		l.TokenID,
		types.NormalizeAddress(l.Creator),
		nullableNumeric(l.Price),
		nullableNumeric(l.HighestBid),
		buyer,
		l.AuctionStarted,
		l.AuctionEndTime,
		cast,
		bids,
		l.Status,
		l.LastEventAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert listing: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Save writes the mutable state of an existing listing
func (r *ListingRepository) Save(ctx context.Context, l *models.Listing) error {
	buyer, cast, bids, err := encodeListingJSON(l)
	if err != nil {
		return err
	}

	query := `
		UPDATE listings
		SET price = $3::numeric, highest_bid = $4::numeric, buyer = $5,
			auction_started = $6, auction_end_time = $7, cast_payload = $8,
			bids = $9, status = $10, last_event_at = $11, updated_at = NOW()
		WHERE listing_id = $1::numeric AND listing_type = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		l.ListingID,
		l.ListingType,
		nullableNumeric(l.Price),
		nullableNumeric(l.HighestBid),
		buyer,
		l.AuctionStarted,
		l.AuctionEndTime,
		cast,
		bids,
		l.Status,
		l.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Count returns the number of listings, optionally restricted to a status
func (r *ListingRepository) Count(ctx context.Context, status types.ListingStatus) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM listings WHERE $1 = '' OR status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return n, nil
}

// DeleteMany removes listings of a type by id
func (r *ListingRepository) DeleteMany(ctx context.Context, listingType types.ListingType, listingIDs []string) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM listings WHERE listing_type = $1 AND listing_id = ANY($2::numeric[])`,
		listingType, listingIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete listings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeListingJSON(l *models.Listing) (buyer, cast, bids []byte, err error) {
	if l.Buyer != nil {
		if buyer, err = marshalJSONB(l.Buyer); err != nil {
			return nil, nil, nil, err
		}
	}
	if l.Cast != nil {
		if cast, err = marshalJSONB(l.Cast); err != nil {
			return nil, nil, nil, err
		}
	}
	bidList := l.Bids
	if bidList == nil {
		bidList = []models.Bid{}
	}
	if bids, err = marshalJSONB(bidList); err != nil {
		return nil, nil, nil, err
	}
	return buyer, cast, bids, nil
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var (
		l                      models.Listing
		price, highestBid      *string
		buyer, cast, bidsBytes []byte
	)

	if err := row.Scan(
		&l.ListingID,
		&l.ListingType,
		&l.TokenID,
		&l.Creator,
		&price,
		&highestBid,
		&buyer,
		&l.AuctionStarted,
		&l.AuctionEndTime,
		&cast,
		&bidsBytes,
		&l.Status,
		&l.LastEventAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, err
	}

	l.Price = stringOrEmpty(price)
	l.HighestBid = stringOrEmpty(highestBid)
	if len(buyer) > 0 {
		l.Buyer = &types.Identity{}
		if err := unmarshalJSONB(buyer, l.Buyer); err != nil {
			return nil, err
		}
	}
	if len(cast) > 0 {
		l.Cast = &types.Content{}
		if err := unmarshalJSONB(cast, l.Cast); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSONB(bidsBytes, &l.Bids); err != nil {
		return nil, err
	}

	return &l, nil
}
