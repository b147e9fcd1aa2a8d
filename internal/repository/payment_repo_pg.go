package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentRepository stores payment attempts. provider_intent_id is unique and
// is what webhook reconciliation keys on.
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetByProviderIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	ActiveForBooking(ctx context.Context, bookingID string) (*domain.Payment, error)
	CompareAndSwap(ctx context.Context, payment *domain.Payment, expectedVersion int64) error
	GetRefund(ctx context.Context, paymentID, key string) (*domain.Refund, error)
	// ClaimRefund stores refund as PENDING together with the payment's raised
	// RefundPending, before the provider is called.
	ClaimRefund(ctx context.Context, payment *domain.Payment, expectedVersion int64, refund domain.Refund) error
	// SettleRefund stores the provider's answer for a claimed refund.
	SettleRefund(ctx context.Context, payment *domain.Payment, expectedVersion int64, refund domain.Refund) error
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Payment, error)
}

type PGPaymentRepository struct {
	db *pgxpool.Pool
}

func NewPaymentRepository(db *pgxpool.Pool) PaymentRepository {
	return &PGPaymentRepository{db: db}
}

const paymentColumns = `id, booking_id, amount, currency, status, provider_intent_id, payment_method, authorized_at, refunded_amount, refund_pending, failure_reason, version, created_at, updated_at`

func (r *PGPaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	err := r.db.QueryRow(ctx, `INSERT INTO payments (id, booking_id, amount, currency, status, provider_intent_id, payment_method, authorized_at, refunded_amount, refund_pending, failure_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
		RETURNING version`,
		p.ID, p.BookingID, p.Amount, p.Currency, p.Status, p.ProviderIntentID, p.PaymentMethod, p.AuthorizedAt, p.RefundedAmount, p.RefundPending, p.FailureReason, p.CreatedAt).
		Scan(&p.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: booking %s already has an active payment", domain.ErrIllegalStateTransition, p.BookingID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PGPaymentRepository) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
}

func (r *PGPaymentRepository) GetByProviderIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_intent_id=$1`, intentID)
}

func (r *PGPaymentRepository) ActiveForBooking(ctx context.Context, bookingID string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id=$1 AND status <> $2`, bookingID, domain.PaymentStatusFailed)
}

func (r *PGPaymentRepository) CompareAndSwap(ctx context.Context, p *domain.Payment, expectedVersion int64) error {
	return casPayment(ctx, r.db, p, expectedVersion)
}

const refundColumns = `id, payment_id, idempotency_key, amount, status, provider_refund_id, reason, created_at, updated_at`

func (r *PGPaymentRepository) GetRefund(ctx context.Context, paymentID, key string) (*domain.Refund, error) {
	var ref domain.Refund
	err := r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE payment_id=$1 AND idempotency_key=$2`, paymentID, key).
		Scan(&ref.ID, &ref.PaymentID, &ref.Key, &ref.Amount, &ref.Status, &ref.ProviderRefundID, &ref.Reason, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ref, nil
}

// ClaimRefund inserts the refund row, or re-opens a failed or abandoned one
// with the same key. The payment CAS serializes competing claims.
func (r *PGPaymentRepository) ClaimRefund(ctx context.Context, p *domain.Payment, expectedVersion int64, refund domain.Refund) error {
	return r.withPayment(ctx, p, expectedVersion, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO payment_refunds (`+refundColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (payment_id, idempotency_key) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
			refund.ID, refund.PaymentID, refund.Key, refund.Amount, refund.Status, refund.ProviderRefundID, refund.Reason, refund.CreatedAt, refund.UpdatedAt)
		if err != nil {
			return fmt.Errorf("claim refund: %w", err)
		}
		return nil
	})
}

func (r *PGPaymentRepository) SettleRefund(ctx context.Context, p *domain.Payment, expectedVersion int64, refund domain.Refund) error {
	return r.withPayment(ctx, p, expectedVersion, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `UPDATE payment_refunds SET status=$1, provider_refund_id=$2, updated_at=$3
			WHERE payment_id=$4 AND idempotency_key=$5 AND status=$6`,
			refund.Status, refund.ProviderRefundID, refund.UpdatedAt, refund.PaymentID, refund.Key, domain.RefundStatusPending)
		if err != nil {
			return fmt.Errorf("settle refund: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return domain.ErrConcurrentUpdate
		}
		return nil
	})
}

// withPayment runs fn in the same transaction as the payment CAS.
func (r *PGPaymentRepository) withPayment(ctx context.Context, p *domain.Payment, expectedVersion int64, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := casPayment(ctx, tx, p, expectedVersion); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		p.Version = expectedVersion
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		p.Version = expectedVersion
		return err
	}
	return nil
}

// ListStaleProcessing returns unauthorized PENDING/PROCESSING payments untouched since updatedBefore.
func (r *PGPaymentRepository) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status IN ($1, $2) AND authorized_at IS NULL AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`,
		domain.PaymentStatusPending, domain.PaymentStatusProcessing, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PGPaymentRepository) one(ctx context.Context, query string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func casPayment(ctx context.Context, db execer, p *domain.Payment, expectedVersion int64) error {
	cmd, err := db.Exec(ctx, `UPDATE payments
		SET status=$1, provider_intent_id=$2, authorized_at=$3, refunded_amount=$4, refund_pending=$5, failure_reason=$6, updated_at=$7, version=version+1
		WHERE id=$8 AND version=$9`,
		p.Status, p.ProviderIntentID, p.AuthorizedAt, p.RefundedAmount, p.RefundPending, p.FailureReason, p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provider intent %s already recorded", domain.ErrConcurrentUpdate, p.IntentID())
		}
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}
	p.Version = expectedVersion + 1
	return nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	if err := row.Scan(&p.ID, &p.BookingID, &p.Amount, &p.Currency, &p.Status, &p.ProviderIntentID, &p.PaymentMethod, &p.AuthorizedAt, &p.RefundedAmount, &p.RefundPending, &p.FailureReason, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ PaymentRepository = (*PGPaymentRepository)(nil)
