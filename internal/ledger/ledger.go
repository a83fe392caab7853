// Package ledger tracks per-user, per-currency balances.
//
// Each account carries two buckets:
//   - available: spendable now
//   - frozen: committed to a pending escrow or cashout, not spendable
//
// The two buckets are mutually exclusive partitions of the total balance;
// available already reflects money removed for holds. Both are always >= 0.
// Every mutation writes a companion entry to the transaction log inside the
// same store transaction, so holds and releases stay auditable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paycore-io/paycore/internal/logging"
	"github.com/paycore-io/paycore/internal/metrics"
	"github.com/paycore-io/paycore/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")

	// ErrFrozenUnderflow means a release asked for more than is frozen.
	// This must never happen in correct operation: it signals a bookkeeping
	// bug in the calling state machine, not a recoverable runtime condition.
	ErrFrozenUnderflow = errors.New("release exceeds frozen funds")
)

// Entry types written to the transaction log.
const (
	EntryDeposit           = "deposit"
	EntryOverpaymentExcess = "overpayment_excess"
	EntryRefund            = "refund"
	EntryHold              = "hold"
	EntryRelease           = "release"
	EntryPayout            = "payout"
	EntrySplitCredit       = "split_credit"
)

// fundingExcessDescription labels the excess portion of a funding entry.
func fundingExcessDescription(excessType string) string {
	if excessType == EntryRefund {
		return "funding_refunded"
	}
	return "funding_excess"
}

// Account is a per-user, per-currency balance record.
type Account struct {
	UserID    string `json:"userId"`
	Currency  string `json:"currency"`
	Available string `json:"available"` // Spendable now
	Frozen    string `json:"frozen"`    // Held for pending escrow/cashout
	TotalIn   string `json:"totalIn"`   // Lifetime credits
	TotalOut  string `json:"totalOut"`  // Lifetime payouts
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Entry is one row of the transaction log.
type Entry struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Currency    string `json:"currency"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference,omitempty"` // e.g. "escrow:<id>", "cashout:<id>"
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Store persists accounts and the transaction log. Every mutation is atomic:
// balance change and log entry commit together or not at all.
type Store interface {
	// GetAccount returns a fresh read of the account. Missing accounts
	// return a zero balance, not an error.
	GetAccount(ctx context.Context, userID, currency string) (*Account, error)

	// Credit adds amount to available, creating the account if needed.
	Credit(ctx context.Context, userID, currency, amount, entryType, reference, description string) error

	// CreateHold moves amount from available to frozen under a row lock.
	// Fails with ErrInsufficientFunds if available < amount.
	CreateHold(ctx context.Context, userID, currency, amount, reference string) error

	// FundHold credits heldAmount directly into frozen and excessAmount
	// (either may be zero) into available, writing all log entries in the
	// same transaction. Idempotent on reference: if a funding entry already
	// exists for it, nothing mutates and applied is false.
	FundHold(ctx context.Context, userID, currency, heldAmount, excessAmount, excessType, reference string) (applied bool, err error)

	// ReleaseHold moves amount from frozen back to available.
	// Fails with ErrFrozenUnderflow if frozen < amount.
	ReleaseHold(ctx context.Context, userID, currency, amount, reference string) error

	// ConsumeHold finalizes a held amount out of the account (frozen -> total_out).
	// Fails with ErrFrozenUnderflow if frozen < amount.
	ConsumeHold(ctx context.Context, userID, currency, amount, reference string) error

	// SplitHold releases a held amount proportionally: holder's frozen drops
	// by the full amount, buyer and seller available each gain their portion,
	// all in one transaction. buyerAmount + sellerAmount must equal amount.
	SplitHold(ctx context.Context, holderID, buyerID, sellerID, currency, amount, buyerAmount, sellerAmount, reference string) error

	// History returns recent transaction log entries for a user.
	History(ctx context.Context, userID, currency string, limit int) ([]*Entry, error)
}

// Ledger wraps a Store with validation, metrics, and invariant alerting.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// AvailableBalance returns the spendable balance as a fresh store read.
// Never served from a cache: it gates whether a hold can succeed.
func (l *Ledger) AvailableBalance(ctx context.Context, userID, currency string) (string, error) {
	acct, err := l.store.GetAccount(ctx, userID, currency)
	if err != nil {
		return "", err
	}
	return acct.Available, nil
}

// Account returns the full account record.
func (l *Ledger) Account(ctx context.Context, userID, currency string) (*Account, error) {
	return l.store.GetAccount(ctx, userID, currency)
}

// Credit adds funds to a user's available balance.
func (l *Ledger) Credit(ctx context.Context, userID, currency, amount, entryType, reference, description string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, userID, currency, amount, entryType, reference, description)
}

// CreateHold moves amount from available to frozen, tagged with
// holdType:referenceID (e.g. "escrow:esc_ab12").
func (l *Ledger) CreateHold(ctx context.Context, userID, currency, amount, holdType, referenceID string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	ref := holdType + ":" + referenceID
	if err := l.store.CreateHold(ctx, userID, currency, amount, ref); err != nil {
		return err
	}
	metrics.HoldsCreatedTotal.WithLabelValues(holdType).Inc()
	return nil
}

// FundHold credits an incoming payment and immediately freezes heldAmount of
// it under holdType:referenceID, with excessAmount (overpayment above the
// expected amount, or the full refund when heldAmount is zero) landing in
// available. The credit and the hold commit in one store transaction, and a
// replay of the same reference is a no-op: a redelivered funding event can
// never credit the payer twice.
func (l *Ledger) FundHold(ctx context.Context, userID, currency, heldAmount, excessAmount, excessType, holdType, referenceID string) (bool, error) {
	held, okHeld := money.Parse(heldAmount)
	excess, okExcess := money.Parse(excessAmount)
	if !okHeld || !okExcess || held.Sign() < 0 || excess.Sign() < 0 {
		return false, ErrInvalidAmount
	}
	if held.Sign() == 0 && excess.Sign() == 0 {
		return false, ErrInvalidAmount
	}

	ref := holdType + ":" + referenceID
	applied, err := l.store.FundHold(ctx, userID, currency, heldAmount, excessAmount, excessType, ref)
	if err != nil {
		return false, err
	}
	if applied && held.Sign() > 0 {
		metrics.HoldsCreatedTotal.WithLabelValues(holdType).Inc()
	}
	return applied, nil
}

// ReleaseHold returns held funds to available. A frozen underflow here is an
// invariant violation: it is logged critical and surfaced, never tolerated.
func (l *Ledger) ReleaseHold(ctx context.Context, userID, currency, amount, holdType, referenceID string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	ref := holdType + ":" + referenceID
	err := l.store.ReleaseHold(ctx, userID, currency, amount, ref)
	if errors.Is(err, ErrFrozenUnderflow) {
		l.alertFrozenUnderflow(ctx, "release_hold", userID, currency, amount, ref)
		return err
	}
	if err != nil {
		return err
	}
	metrics.HoldsReleasedTotal.WithLabelValues(holdType).Inc()
	return nil
}

// ConsumeHold finalizes a held amount out of the account (a completed cashout).
func (l *Ledger) ConsumeHold(ctx context.Context, userID, currency, amount, holdType, referenceID string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	ref := holdType + ":" + referenceID
	err := l.store.ConsumeHold(ctx, userID, currency, amount, ref)
	if errors.Is(err, ErrFrozenUnderflow) {
		l.alertFrozenUnderflow(ctx, "consume_hold", userID, currency, amount, ref)
	}
	return err
}

// TransferHold releases a held amount into another user's available balance
// (an escrow paying out to the seller). The holder's frozen drops and the
// recipient's available rises in one store transaction.
func (l *Ledger) TransferHold(ctx context.Context, holderID, toID, currency, amount, holdType, referenceID string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	ref := holdType + ":" + referenceID
	err := l.store.SplitHold(ctx, holderID, holderID, toID, currency, amount, "0", amount, ref)
	if errors.Is(err, ErrFrozenUnderflow) {
		l.alertFrozenUnderflow(ctx, "transfer_hold", holderID, currency, amount, ref)
		return err
	}
	if err != nil {
		return err
	}
	metrics.HoldsReleasedTotal.WithLabelValues(holdType).Inc()
	return nil
}

// ResolveDisputeSplit releases a held amount proportionally to buyer and
// seller. buyerPct + sellerPct must equal 100; buyerPct=100 is a full refund,
// sellerPct=100 a full payout, and the same path handles both boundaries.
// Returns the exact amounts credited to each party.
func (l *Ledger) ResolveDisputeSplit(ctx context.Context, holderID, buyerID, sellerID, currency, heldAmount string, buyerPct, sellerPct int, referenceID string) (buyerAmount, sellerAmount string, err error) {
	if buyerPct+sellerPct != 100 || buyerPct < 0 || sellerPct < 0 {
		return "", "", fmt.Errorf("%w: split percentages must sum to 100", ErrInvalidAmount)
	}
	if !money.IsPositive(heldAmount) {
		return "", "", ErrInvalidAmount
	}

	buyerAmount, sellerAmount, ok := money.Split(heldAmount, buyerPct)
	if !ok {
		return "", "", ErrInvalidAmount
	}

	ref := "escrow:" + referenceID
	err = l.store.SplitHold(ctx, holderID, buyerID, sellerID, currency, heldAmount, buyerAmount, sellerAmount, ref)
	if errors.Is(err, ErrFrozenUnderflow) {
		l.alertFrozenUnderflow(ctx, "dispute_split", holderID, currency, heldAmount, ref)
		return "", "", err
	}
	if err != nil {
		return "", "", err
	}

	metrics.DisputeSplitsTotal.Inc()
	metrics.HoldsReleasedTotal.WithLabelValues("escrow").Inc()
	return buyerAmount, sellerAmount, nil
}

// History returns recent transaction log entries for a user.
func (l *Ledger) History(ctx context.Context, userID, currency string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, currency, limit)
}

func (l *Ledger) alertFrozenUnderflow(ctx context.Context, op, userID, currency, amount, ref string) {
	metrics.InvariantViolationsTotal.WithLabelValues("frozen_underflow").Inc()
	logging.Critical(logging.WithLogger(ctx, l.logger), "frozen underflow: release exceeds held funds",
		"operation", op,
		"user_id", userID,
		"currency", currency,
		"amount", amount,
		"reference", ref,
	)
}
