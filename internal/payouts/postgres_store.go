package payouts

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskilo/settlement/internal/fees"
)

// PostgresStore persists payout requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, provider_id, account_id, method, gross_amount, fee_amount,
		net_amount, currency, status, escrow_ids, external_payout_id, failure_reason,
		estimated_arrival, submitted_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	escrowIDs, err := json.Marshal(r.EscrowIDs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payout_requests (
			id, provider_id, account_id, method, gross_amount, fee_amount,
			net_amount, currency, status, escrow_ids, external_payout_id,
			failure_reason, estimated_arrival, submitted_at, resolved_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.ProviderID, r.AccountID, string(r.Method), r.GrossAmount,
		r.FeeAmount, r.NetAmount, r.Currency, string(r.Status), escrowIDs,
		nullString(r.ExternalPayoutID), nullString(r.FailureReason),
		nullTime(r.EstimatedArrival), nullTime(r.SubmittedAt), nullTime(r.ResolvedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM payout_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM payout_requests WHERE external_payout_id = $1`, externalID)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) GetActiveByProvider(ctx context.Context, providerID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM payout_requests
		WHERE provider_id = $1 AND status IN ('pending', 'submitted', 'in_transit')
		ORDER BY created_at DESC
		LIMIT 1`, providerID)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_requests SET
			status = $1, external_payout_id = $2, failure_reason = $3,
			estimated_arrival = $4, submitted_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8`,
		string(r.Status), nullString(r.ExternalPayoutID), nullString(r.FailureReason),
		nullTime(r.EstimatedArrival), nullTime(r.SubmittedAt), nullTime(r.ResolvedAt),
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM payout_requests
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		method           string
		status           string
		escrowIDs        []byte
		externalID       sql.NullString
		failureReason    sql.NullString
		estimatedArrival sql.NullTime
		submittedAt      sql.NullTime
		resolvedAt       sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.ProviderID, &r.AccountID, &method, &r.GrossAmount,
		&r.FeeAmount, &r.NetAmount, &r.Currency, &status, &escrowIDs,
		&externalID, &failureReason, &estimatedArrival, &submittedAt, &resolvedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Method = fees.Method(method)
	r.Status = Status(status)
	if err := json.Unmarshal(escrowIDs, &r.EscrowIDs); err != nil {
		return nil, err
	}
	r.ExternalPayoutID = externalID.String
	r.FailureReason = failureReason.String
	if estimatedArrival.Valid {
		r.EstimatedArrival = &estimatedArrival.Time
	}
	if submittedAt.Valid {
		r.SubmittedAt = &submittedAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}

	return r, nil
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
