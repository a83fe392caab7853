package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/paycore-io/paycore/internal/idgen"
	"github.com/paycore-io/paycore/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL.
//
// CreditOnce is the idempotency gate: it locks the settlement record row,
// checks status, and commits the status flip and the ledger credit in one
// transaction. Two concurrent deliveries of the same payment serialize on
// the row lock; the loser observes credited and no-ops. The UNIQUE
// constraint on (provider, external_tx_id) backs up the record insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get retrieves the record for (provider, externalTxID).
func (p *PostgresStore) Get(ctx context.Context, provider, externalTxID string) (*Record, error) {
	return p.get(ctx, p.db, provider, externalTxID, false)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) get(ctx context.Context, q querier, provider, externalTxID string, forUpdate bool) (*Record, error) {
	query := `
		SELECT provider, external_tx_id, user_id, status, amount_native, currency, amount_usd, credited_at, created_at
		FROM settlement_records
		WHERE provider = $1 AND external_tx_id = $2
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	rec := &Record{}
	var creditedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, provider, externalTxID).Scan(
		&rec.Provider, &rec.ExternalTxID, &rec.UserID, &rec.Status,
		&rec.AmountNative, &rec.Currency, &rec.AmountUSD, &creditedAt, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if creditedAt.Valid {
		rec.CreditedAt = &creditedAt.Time
	}
	return rec, nil
}

// MarkPending upserts the record as pending_unconfirmed. Records that
// already reached credited are left untouched.
func (p *PostgresStore) MarkPending(ctx context.Context, rec *Record) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_records (id, provider, external_tx_id, user_id, status, amount_native, currency, amount_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8::NUMERIC(20,6), NOW())
		ON CONFLICT (provider, external_tx_id) DO UPDATE SET
			user_id       = EXCLUDED.user_id,
			amount_native = EXCLUDED.amount_native,
			amount_usd    = EXCLUDED.amount_usd
		WHERE settlement_records.status <> $9
	`, idgen.WithPrefix("str_"), rec.Provider, rec.ExternalTxID, rec.UserID,
		StatusPendingUnconfirmed, rec.AmountNative, rec.Currency, rec.AmountUSD, StatusCredited)
	if err != nil {
		return fmt.Errorf("failed to record pending settlement: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyCredited
	}
	return nil
}

// CreditOnce performs the atomic check-and-credit.
func (p *PostgresStore) CreditOnce(ctx context.Context, rec *Record) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := p.get(ctx, tx, rec.Provider, rec.ExternalTxID, true)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return false, err
	}
	if existing != nil && existing.Status == StatusCredited {
		return true, nil
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO settlement_records (id, provider, external_tx_id, user_id, status, amount_native, currency, amount_usd, credited_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8::NUMERIC(20,6), NOW(), NOW())
		`, idgen.WithPrefix("str_"), rec.Provider, rec.ExternalTxID, rec.UserID,
			StatusCredited, rec.AmountNative, rec.Currency, rec.AmountUSD)
		if isUniqueViolation(err) {
			// A concurrent delivery inserted first; re-read outside the
			// aborted insert's savepoint-free path via a fresh lookup.
			return p.lostInsertRace(ctx, rec)
		}
		if err != nil {
			return false, fmt.Errorf("failed to insert settlement record: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE settlement_records SET
				status      = $3,
				amount_usd  = $4::NUMERIC(20,6),
				credited_at = NOW()
			WHERE provider = $1 AND external_tx_id = $2
		`, rec.Provider, rec.ExternalTxID, StatusCredited, rec.AmountUSD)
		if err != nil {
			return false, fmt.Errorf("failed to mark settlement credited: %w", err)
		}
	}

	if err := creditLedger(ctx, tx, rec); err != nil {
		return false, err
	}

	return false, tx.Commit()
}

// creditLedger applies the deposit to the user's available balance inside the
// settlement transaction, with a companion log entry.
func creditLedger(ctx context.Context, tx *sql.Tx, rec *Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $3::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,6),
			total_in   = ledger_accounts.total_in  + $3::NUMERIC(20,6),
			updated_at = NOW()
	`, rec.UserID, "USD", rec.AmountUSD)
	if err != nil {
		return fmt.Errorf("failed to credit deposit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, currency, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, NOW())
	`, idgen.WithPrefix("le_"), rec.UserID, "USD", ledger.EntryDeposit,
		rec.AmountUSD, rec.Provider+":"+rec.ExternalTxID, "deposit via "+rec.Provider)
	if err != nil {
		return fmt.Errorf("failed to record deposit entry: %w", err)
	}
	return nil
}

// lostInsertRace handles the window where two first-time deliveries race:
// the loser's insert hits the unique constraint, so it waits on a fresh read
// for the winner to commit, then reports already-processed.
func (p *PostgresStore) lostInsertRace(ctx context.Context, rec *Record) (bool, error) {
	winner, err := p.get(ctx, p.db, rec.Provider, rec.ExternalTxID, false)
	if err != nil {
		return false, err
	}
	if winner.Status == StatusCredited {
		return true, nil
	}
	// Winner inserted pending and is still in flight. Retryable.
	return false, fmt.Errorf("settlement %s:%s in flight", rec.Provider, rec.ExternalTxID)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
