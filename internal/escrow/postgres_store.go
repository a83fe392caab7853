package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, buyer_id, seller_id, expected_usd, received_usd, status,
	auto_release_at, funded_at, delivered_at, resolved_at,
	dispute_reason, resolution, created_at, updated_at
`

func (p *PostgresStore) Create(ctx context.Context, esc *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, buyer_id, seller_id, expected_usd, status, auto_release_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8)
	`, esc.ID, esc.BuyerID, esc.SellerID, esc.ExpectedUSD, esc.Status,
		esc.AutoReleaseAt, esc.CreatedAt, esc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	esc, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return esc, err
}

func (p *PostgresStore) Update(ctx context.Context, esc *Escrow) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			received_usd   = $2::NUMERIC(20,6),
			status         = $3,
			funded_at      = $4,
			delivered_at   = $5,
			resolved_at    = $6,
			dispute_reason = $7,
			resolution     = $8,
			updated_at     = $9
		WHERE id = $1
	`, esc.ID, nullIfEmpty(esc.ReceivedUSD), esc.Status, esc.FundedAt, esc.DeliveredAt,
		esc.ResolvedAt, nullIfEmpty(esc.DisputeReason), nullIfEmpty(esc.Resolution), esc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListExpired returns delivered escrows whose auto-release deadline passed.
func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND auto_release_at < $2
		ORDER BY auto_release_at ASC
		LIMIT $3
	`, StatusDelivered, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	esc := &Escrow{}
	var receivedUSD, disputeReason, resolution sql.NullString
	var fundedAt, deliveredAt, resolvedAt sql.NullTime
	err := row.Scan(&esc.ID, &esc.BuyerID, &esc.SellerID, &esc.ExpectedUSD, &receivedUSD,
		&esc.Status, &esc.AutoReleaseAt, &fundedAt, &deliveredAt, &resolvedAt,
		&disputeReason, &resolution, &esc.CreatedAt, &esc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	esc.ReceivedUSD = receivedUSD.String
	esc.DisputeReason = disputeReason.String
	esc.Resolution = resolution.String
	if fundedAt.Valid {
		esc.FundedAt = &fundedAt.Time
	}
	if deliveredAt.Valid {
		esc.DeliveredAt = &deliveredAt.Time
	}
	if resolvedAt.Valid {
		esc.ResolvedAt = &resolvedAt.Time
	}
	return esc, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
