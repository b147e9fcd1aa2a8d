package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ListingRepository reads the catalog's read model. Listings are written by the
// catalog service, never by the booking core.
type ListingRepository interface {
	ListPublished(ctx context.Context) ([]domain.Listing, error)
	GetByRef(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error)
}

type PGListingRepository struct {
	db *pgxpool.Pool
}

func NewListingRepository(db *pgxpool.Pool) ListingRepository {
	return &PGListingRepository{db: db}
}

const listingColumns = `kind, id, title, status, currency, unit_price, pricing_unit, min_guests, max_guests, capacity, fee_basis_points, policy, add_ons, updated_at`

func (r *PGListingRepository) ListPublished(ctx context.Context) ([]domain.Listing, error) {
	rows, err := r.db.Query(ctx, `SELECT `+listingColumns+` FROM listings WHERE status=$1 ORDER BY kind, id`, domain.ListingStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := make([]domain.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (r *PGListingRepository) GetByRef(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error) {
	row := r.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID)
	l, err := scanListing(row)
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var (
		l      domain.Listing
		addOns []byte
	)
	if err := row.Scan(&l.Ref.Kind, &l.Ref.ID, &l.Title, &l.Status, &l.Currency, &l.UnitPrice, &l.PricingUnit, &l.MinGuests, &l.MaxGuests, &l.Capacity, &l.FeeBasisPoints, &l.Policy, &addOns, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addOns, &l.AddOns); err != nil {
		return nil, fmt.Errorf("decode add-ons of %s: %w", l.Ref, err)
	}
	return &l, nil
}

var _ ListingRepository = (*PGListingRepository)(nil)
