package reconcile

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists snapshots and discrepancies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reconciliation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots (
			provider_id, internal_available, external_available,
			external_pending, currency, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE SET
			internal_available = EXCLUDED.internal_available,
			external_available = EXCLUDED.external_available,
			external_pending = EXCLUDED.external_pending,
			currency = EXCLUDED.currency,
			taken_at = EXCLUDED.taken_at`,
		s.ProviderID, s.InternalAvailable, s.ExternalAvailable,
		s.ExternalPending, s.Currency, s.TakenAt,
	)
	return err
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, providerID string) (*Snapshot, error) {
	s := &Snapshot{Source: "cache"}
	err := p.db.QueryRowContext(ctx, `
		SELECT provider_id, internal_available, external_available,
			external_pending, currency, taken_at
		FROM balance_snapshots
		WHERE provider_id = $1`, providerID).Scan(
		&s.ProviderID, &s.InternalAvailable, &s.ExternalAvailable,
		&s.ExternalPending, &s.Currency, &s.TakenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotUnavailable
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) CreateDiscrepancy(ctx context.Context, d *Discrepancy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO discrepancies (
			id, provider_id, internal_amount, external_amount, delta,
			status, resolution, detected_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ProviderID, d.InternalAmount, d.ExternalAmount, d.Delta,
		string(d.Status), nullString(d.Resolution), d.DetectedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, provider_id, internal_amount, external_amount, delta,
			status, resolution, detected_at, resolved_at
		FROM discrepancies
		WHERE id = $1`, id)

	d, err := scanDiscrepancy(row)
	if err == sql.ErrNoRows {
		return nil, ErrDiscrepancyNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE discrepancies SET
			status = $1, resolution = $2, resolved_at = $3
		WHERE id = $4`,
		string(d.Status), nullString(d.Resolution), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDiscrepancyNotFound
	}
	return nil
}

func (p *PostgresStore) ListDiscrepancies(ctx context.Context, status DiscrepancyStatus, limit int) ([]*Discrepancy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, provider_id, internal_amount, external_amount, delta,
			status, resolution, detected_at, resolved_at
		FROM discrepancies
		WHERE status = $1
		ORDER BY detected_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListProvidersWithOpenEscrows(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT provider_id
		FROM escrows
		WHERE status IN ('held', 'available')
		ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var providers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		providers = append(providers, id)
	}
	return providers, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDiscrepancy(s scanner) (*Discrepancy, error) {
	d := &Discrepancy{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.ProviderID, &d.InternalAmount, &d.ExternalAmount, &d.Delta,
		&status, &resolution, &d.DetectedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DiscrepancyStatus(status)
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
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
