package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paycore-io/paycore/internal/idgen"
	"github.com/paycore-io/paycore/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// Every mutation runs in a transaction that locks the account row first
// (SELECT ... FOR UPDATE), so no two concurrent operations on the
// same (user_id, currency) observe a stale intermediate value. Lock scope is
// per account: unrelated users proceed fully in parallel. CHECK constraints
// on available >= 0 and frozen >= 0 back up the in-transaction guards.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetAccount retrieves an account. Missing accounts return a zero balance.
func (p *PostgresStore) GetAccount(ctx context.Context, userID, currency string) (*Account, error) {
	acct := &Account{UserID: userID, Currency: currency}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, frozen, total_in, total_out, updated_at::TEXT
		FROM ledger_accounts WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&acct.Available, &acct.Frozen, &acct.TotalIn, &acct.TotalOut, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return zeroAccount(userID, currency), nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Credit adds funds to available, creating the account if needed.
func (p *PostgresStore) Credit(ctx context.Context, userID, currency, amount, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $3::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,6),
			total_in   = ledger_accounts.total_in  + $3::NUMERIC(20,6),
			updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	if err := insertEntry(ctx, tx, userID, currency, entryType, amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateHold moves amount from available to frozen under a row lock.
func (p *PostgresStore) CreateHold(ctx context.Context, userID, currency, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	available, _, err := lockAccount(ctx, tx, userID, currency)
	if err == sql.ErrNoRows {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	if money.Cmp(available, amount) < 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET
			available  = available - $3::NUMERIC(20,6),
			frozen     = frozen    + $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to place hold: %w", err)
	}

	if err := insertEntry(ctx, tx, userID, currency, EntryHold, amount, reference, "hold_created"); err != nil {
		return err
	}

	return tx.Commit()
}

// FundHold credits a payment straight into frozen (plus any excess into
// available) in one transaction, skipping the mutation entirely when a
// funding entry already exists for the reference.
func (p *PostgresStore) FundHold(ctx context.Context, userID, currency, heldAmount, excessAmount, excessType, reference string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Serialize replays of the same funding on the account row before
	// checking for a prior funding entry. A brand-new account has no row to
	// lock, but then it also has no prior funding to race against.
	if _, _, err := lockAccount(ctx, tx, userID, currency); err != nil && err != sql.ErrNoRows {
		return false, err
	}

	var seen bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE reference = $1 AND type IN ($2, $3)
		)
	`, reference, EntryHold, EntryRefund).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check funding entry: %w", err)
	}
	if seen {
		return false, tx.Commit()
	}

	total := money.Add(heldAmount, excessAmount)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, available, frozen, total_in, updated_at)
		VALUES ($1, $2, $4::NUMERIC(20,6), $3::NUMERIC(20,6), $5::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = ledger_accounts.available + $4::NUMERIC(20,6),
			frozen     = ledger_accounts.frozen    + $3::NUMERIC(20,6),
			total_in   = ledger_accounts.total_in  + $5::NUMERIC(20,6),
			updated_at = NOW()
	`, userID, currency, heldAmount, excessAmount, total)
	if err != nil {
		return false, fmt.Errorf("failed to fund hold: %w", err)
	}

	if money.IsPositive(heldAmount) {
		if err := insertEntry(ctx, tx, userID, currency, EntryDeposit, heldAmount, reference, "funding_credited"); err != nil {
			return false, err
		}
		if err := insertEntry(ctx, tx, userID, currency, EntryHold, heldAmount, reference, "funding_held"); err != nil {
			return false, err
		}
	}
	if money.IsPositive(excessAmount) {
		if err := insertEntry(ctx, tx, userID, currency, excessType, excessAmount, reference, fundingExcessDescription(excessType)); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// ReleaseHold moves amount from frozen back to available.
func (p *PostgresStore) ReleaseHold(ctx context.Context, userID, currency, amount, reference string) error {
	return p.drainFrozen(ctx, userID, currency, amount, reference, false)
}

// ConsumeHold finalizes a held amount out of the account.
func (p *PostgresStore) ConsumeHold(ctx context.Context, userID, currency, amount, reference string) error {
	return p.drainFrozen(ctx, userID, currency, amount, reference, true)
}

// drainFrozen removes amount from frozen; consumed amounts go to total_out,
// released amounts return to available.
func (p *PostgresStore) drainFrozen(ctx context.Context, userID, currency, amount, reference string, consume bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, frozen, err := lockAccount(ctx, tx, userID, currency)
	if err == sql.ErrNoRows {
		return ErrFrozenUnderflow
	}
	if err != nil {
		return err
	}
	if money.Cmp(frozen, amount) < 0 {
		return ErrFrozenUnderflow
	}

	if consume {
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				frozen     = frozen    - $3::NUMERIC(20,6),
				total_out  = total_out + $3::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND currency = $2
		`, userID, currency, amount)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				frozen     = frozen    - $3::NUMERIC(20,6),
				available  = available + $3::NUMERIC(20,6),
				updated_at = NOW()
			WHERE user_id = $1 AND currency = $2
		`, userID, currency, amount)
	}
	if err != nil {
		return fmt.Errorf("failed to drain frozen funds: %w", err)
	}

	entryType := EntryRelease
	description := "hold_released"
	if consume {
		entryType = EntryPayout
		description = "hold_consumed"
	}
	if err := insertEntry(ctx, tx, userID, currency, entryType, amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// SplitHold releases a held amount proportionally to buyer and seller.
func (p *PostgresStore) SplitHold(ctx context.Context, holderID, buyerID, sellerID, currency, amount, buyerAmount, sellerAmount, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, frozen, err := lockAccount(ctx, tx, holderID, currency)
	if err == sql.ErrNoRows {
		return ErrFrozenUnderflow
	}
	if err != nil {
		return err
	}
	if money.Cmp(frozen, amount) < 0 {
		return ErrFrozenUnderflow
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET
			frozen     = frozen - $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, holderID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to release held funds: %w", err)
	}
	if err := insertEntry(ctx, tx, holderID, currency, EntryRelease, amount, reference, "dispute_split"); err != nil {
		return err
	}

	if err := splitCredit(ctx, tx, buyerID, currency, buyerAmount, reference, "dispute_split_buyer"); err != nil {
		return err
	}
	if err := splitCredit(ctx, tx, sellerID, currency, sellerAmount, reference, "dispute_split_seller"); err != nil {
		return err
	}

	return tx.Commit()
}

// History retrieves transaction log entries for a user.
func (p *PostgresStore) History(ctx context.Context, userID, currency string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, currency, type, amount, reference, description, created_at::TEXT
		FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Currency, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// lockAccount reads the account row FOR UPDATE, blocking concurrent
// mutations of the same (user_id, currency) until this transaction ends.
func lockAccount(ctx context.Context, tx *sql.Tx, userID, currency string) (available, frozen string, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT available, frozen FROM ledger_accounts
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency).Scan(&available, &frozen)
	return available, frozen, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID, currency, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, currency, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, NOW())
	`, idgen.WithPrefix("le_"), userID, currency, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// splitCredit upserts one party's share of a dispute split. Zero portions
// are skipped so a 0/100 split leaves no empty log entries.
func splitCredit(ctx context.Context, tx *sql.Tx, userID, currency, amount, reference, description string) error {
	if money.IsZero(amount) {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, available, total_in, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $3::NUMERIC(20,6), NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,6),
			total_in   = ledger_accounts.total_in  + $3::NUMERIC(20,6),
			updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit split portion: %w", err)
	}
	return insertEntry(ctx, tx, userID, currency, EntrySplitCredit, amount, reference, description)
}
