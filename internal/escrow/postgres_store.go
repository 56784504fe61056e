package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_id, provider_id, gross_amount, platform_fee_amount,
		provider_amount, status, claimed_by, refund_reason, held_at, clearing_ends_at,
		released_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, provider_id, gross_amount, platform_fee_amount,
			provider_amount, status, claimed_by, refund_reason, held_at,
			clearing_ends_at, released_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.OrderID, e.ProviderID, e.GrossAmount, e.PlatformFeeAmount,
		e.ProviderAmount, string(e.Status), nullString(e.ClaimedBy),
		nullString(e.RefundReason), e.HeldAt, e.ClearingEndsAt,
		nullTime(e.ReleasedAt), e.CreatedAt, e.UpdatedAt,
	)
	if err, ok := err.(*pq.Error); ok && err.Code == "23505" {
		// unique order_id index; one escrow per order
		return ErrEscrowClosed
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			gross_amount = $1, platform_fee_amount = $2, provider_amount = $3,
			status = $4, claimed_by = $5, refund_reason = $6,
			released_at = $7, updated_at = $8
		WHERE id = $9`,
		e.GrossAmount, e.PlatformFeeAmount, e.ProviderAmount,
		string(e.Status), nullString(e.ClaimedBy), nullString(e.RefundReason),
		nullTime(e.ReleasedAt), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectEscrows(rows)
}

func (p *PostgresStore) ListMatured(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'held' AND clearing_ends_at <= $1
		ORDER BY clearing_ends_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectEscrows(rows)
}

func (p *PostgresStore) ListAvailable(ctx context.Context, providerID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE provider_id = $1 AND status = 'available' AND claimed_by IS NULL
		ORDER BY created_at ASC`, providerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectEscrows(rows)
}

func (p *PostgresStore) SumAvailable(ctx context.Context, providerID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(provider_amount), 0)
		FROM escrows
		WHERE provider_id = $1 AND status = 'available' AND claimed_by IS NULL`,
		providerID).Scan(&sum)
	return sum, err
}

// Reserve claims all escrows in one transaction. The claimed_by IS NULL
// guard makes concurrent claims race safely; whoever updates fewer rows
// than asked loses and rolls back.
func (p *PostgresStore) Reserve(ctx context.Context, escrowIDs []string, claimRef string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET claimed_by = $1, updated_at = NOW()
			WHERE id = ANY($2) AND status = 'available' AND claimed_by IS NULL`,
			claimRef, pq.Array(escrowIDs))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != int64(len(escrowIDs)) {
			return ErrAlreadyClaimed
		}
		return nil
	})
}

func (p *PostgresStore) Unclaim(ctx context.Context, escrowIDs []string, claimRef string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET claimed_by = NULL, updated_at = NOW()
			WHERE id = ANY($1) AND claimed_by = $2`,
			pq.Array(escrowIDs), claimRef)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != int64(len(escrowIDs)) {
			return ErrAlreadyClaimed
		}
		return nil
	})
}

func (p *PostgresStore) Release(ctx context.Context, escrowIDs []string, claimRef string, releasedAt time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET status = 'released', released_at = $1, updated_at = $1
			WHERE id = ANY($2) AND status = 'available' AND claimed_by = $3`,
			releasedAt, pq.Array(escrowIDs), claimRef)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != int64(len(escrowIDs)) {
			return ErrAlreadyClaimed
		}
		return nil
	})
}

func (p *PostgresStore) Reopen(ctx context.Context, escrowIDs []string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET status = 'available', claimed_by = NULL, released_at = NULL, updated_at = NOW()
			WHERE id = ANY($1) AND status = 'released'`,
			pq.Array(escrowIDs))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != int64(len(escrowIDs)) {
			return ErrNotReopenable
		}
		return nil
	})
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status       string
		claimedBy    sql.NullString
		refundReason sql.NullString
		releasedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.ProviderID, &e.GrossAmount, &e.PlatformFeeAmount,
		&e.ProviderAmount, &status, &claimedBy, &refundReason,
		&e.HeldAt, &e.ClearingEndsAt, &releasedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ClaimedBy = claimedBy.String
	e.RefundReason = refundReason.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}

	return e, nil
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
