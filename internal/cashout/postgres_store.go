package cashout

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed cashout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, co *Cashout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashouts (id, user_id, amount_usd, destination, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7)
	`, co.ID, co.UserID, co.AmountUSD, co.Destination, co.Status, co.CreatedAt, co.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cashout: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Cashout, error) {
	co := &Cashout{}
	var resolvedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_usd, destination, status, resolved_at, created_at, updated_at
		FROM cashouts WHERE id = $1
	`, id).Scan(&co.ID, &co.UserID, &co.AmountUSD, &co.Destination, &co.Status,
		&resolvedAt, &co.CreatedAt, &co.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCashoutNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		co.ResolvedAt = &resolvedAt.Time
	}
	return co, nil
}

func (p *PostgresStore) Update(ctx context.Context, co *Cashout) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cashouts SET status = $2, resolved_at = $3, updated_at = $4
		WHERE id = $1
	`, co.ID, co.Status, co.ResolvedAt, co.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update cashout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCashoutNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, amount_usd, destination, status, resolved_at, created_at, updated_at
		FROM cashouts WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Cashout
	for rows.Next() {
		co := &Cashout{}
		var resolvedAt sql.NullTime
		if err := rows.Scan(&co.ID, &co.UserID, &co.AmountUSD, &co.Destination, &co.Status,
			&resolvedAt, &co.CreatedAt, &co.UpdatedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			co.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, co)
	}
	return out, rows.Err()
}
