package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BookingRepository persists the booking aggregate. Every update is a
// compare-and-swap on the version column.
type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	Get(ctx context.Context, id string) (*domain.Booking, error)
	CompareAndSwap(ctx context.Context, booking *domain.Booking, expectedVersion int64) error
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
	ListCompletable(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
}

type PGBookingRepository struct {
	db *pgxpool.Pool
}

func NewBookingRepository(db *pgxpool.Pool) BookingRepository {
	return &PGBookingRepository{db: db}
}

const bookingColumns = `id, status, user_id, listing_kind, listing_id, guests, check_in, check_out, price_snapshot, hold_expires_at, cancel_reason, version, created_at, updated_at`

func (r *PGBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	snapshot, err := json.Marshal(b.Price)
	if err != nil {
		return fmt.Errorf("encode price snapshot: %w", err)
	}
	err = r.db.QueryRow(ctx, `INSERT INTO bookings (id, status, user_id, listing_kind, listing_id, guests, check_in, check_out, price_snapshot, hold_expires_at, cancel_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
		RETURNING version`,
		b.ID, b.Status, b.UserID, b.Listing.Kind, b.Listing.ID, b.Guests, b.CheckIn, b.CheckOut, snapshot, b.HoldExpiresAt, b.CancelReason, b.CreatedAt).
		Scan(&b.Version)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *PGBookingRepository) Get(ctx context.Context, id string) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
	b, err := scanBooking(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// CompareAndSwap writes the mutable fields only if the stored version still
// equals expectedVersion. On success booking.Version is bumped.
func (r *PGBookingRepository) CompareAndSwap(ctx context.Context, b *domain.Booking, expectedVersion int64) error {
	cmd, err := r.db.Exec(ctx, `UPDATE bookings
		SET status=$1, hold_expires_at=$2, cancel_reason=$3, updated_at=$4, version=version+1
		WHERE id=$5 AND version=$6`,
		b.Status, b.HoldExpiresAt, b.CancelReason, b.UpdatedAt, b.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}
	b.Version = expectedVersion + 1
	return nil
}

func (r *PGBookingRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status IN ($1, $2) AND hold_expires_at <= $3
		ORDER BY hold_expires_at
		LIMIT $4`,
		domain.BookingStatusHold, domain.BookingStatusPaymentPending, now, limit)
}

func (r *PGBookingRepository) ListCompletable(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND check_out < $2
		ORDER BY check_out
		LIMIT $3`,
		domain.BookingStatusConfirmed, now, limit)
}

func (r *PGBookingRepository) list(ctx context.Context, query string, args ...any) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b        domain.Booking
		snapshot []byte
	)
	if err := row.Scan(&b.ID, &b.Status, &b.UserID, &b.Listing.Kind, &b.Listing.ID, &b.Guests, &b.CheckIn, &b.CheckOut, &snapshot, &b.HoldExpiresAt, &b.CancelReason, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &b.Price); err != nil {
		return nil, fmt.Errorf("decode price snapshot of %s: %w", b.ID, err)
	}
	return &b, nil
}

var _ BookingRepository = (*PGBookingRepository)(nil)
