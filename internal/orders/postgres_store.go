package orders

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists order records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, status, payout_status, total_amount, provider_id, customer_id,
		payment_intent_id, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, status, payout_status, total_amount, provider_id, customer_id,
			payment_intent_id, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, string(o.Status), string(o.PayoutStatus), o.TotalAmount,
		o.ProviderID, o.CustomerID, nullString(o.PaymentIntentID),
		nullTime(o.CompletedAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, payout_status = $2, total_amount = $3,
			payment_intent_id = $4, completed_at = $5, updated_at = $6
		WHERE id = $7`,
		string(o.Status), string(o.PayoutStatus), o.TotalAmount,
		nullString(o.PaymentIntentID), nullTime(o.CompletedAt), o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status          string
		payoutStatus    string
		paymentIntentID sql.NullString
		completedAt     sql.NullTime
	)

	err := s.Scan(
		&o.ID, &status, &payoutStatus, &o.TotalAmount,
		&o.ProviderID, &o.CustomerID, &paymentIntentID,
		&completedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.PayoutStatus = PayoutStatus(payoutStatus)
	o.PaymentIntentID = paymentIntentID.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}

	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
