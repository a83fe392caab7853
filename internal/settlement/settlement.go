// Package settlement converts confirmed payment events into ledger credits,
// exactly once per (provider, external_tx_id).
//
// Flow:
//  1. Provider webhook delivers a normalized event (possibly more than once)
//  2. The idempotency gate checks the settlement record under a row lock
//  3. Confirmed payments credit the user's available balance and mark the
//     record credited, atomically in one transaction
//  4. Duplicate deliveries observe the credited record and no-op
package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("settlement record not found")
	ErrInvalidRequest = errors.New("invalid settlement request")

	// ErrAlreadyCredited is returned by MarkPending when the record has
	// already reached credited; the transition is one-way.
	ErrAlreadyCredited = errors.New("settlement record already credited")
)

// Record statuses. The only transition is pending_unconfirmed -> credited,
// and it happens at most once per key.
const (
	StatusPendingUnconfirmed = "pending_unconfirmed"
	StatusCredited           = "credited"
)

// Record is the idempotency record for one real-world payment, keyed by
// (provider, external_tx_id), unique. Never deleted.
type Record struct {
	Provider     string     `json:"provider"`
	ExternalTxID string     `json:"externalTxId"`
	UserID       string     `json:"userId"`
	Status       string     `json:"status"`
	AmountNative string     `json:"amountNative"`
	Currency     string     `json:"currency"`
	AmountUSD    string     `json:"amountUsd"`
	CreditedAt   *time.Time `json:"creditedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Store persists settlement records and performs the atomic credit.
type Store interface {
	// Get returns the record for (provider, externalTxID), or ErrRecordNotFound.
	Get(ctx context.Context, provider, externalTxID string) (*Record, error)

	// MarkPending upserts the record as pending_unconfirmed. Returns
	// ErrAlreadyCredited if the record already reached credited.
	MarkPending(ctx context.Context, rec *Record) error

	// CreditOnce atomically checks the record under a row lock and, if it
	// has not been credited, credits the user's available balance and
	// writes the record as credited, all in one transaction. Returns
	// already=true (and no mutation) if a previous or concurrent call won.
	CreditOnce(ctx context.Context, rec *Record) (already bool, err error)
}

// OutcomeStatus tags the result of processing one delivery.
type OutcomeStatus string

const (
	OutcomeCredited         OutcomeStatus = "credited"          // Ledger credited by this call
	OutcomeAlreadyProcessed OutcomeStatus = "already_processed" // Idempotent replay, successful no-op
	OutcomePending          OutcomeStatus = "pending"           // Unconfirmed, recorded, ledger untouched
	OutcomeBelowMinimum     OutcomeStatus = "below_minimum"     // Business floor rejection, no mutation
)

// Outcome is the typed result of Processor.Process. Business rejections and
// replays are outcomes, not errors; errors are reserved for transient
// infrastructure failures that the queue consumer should retry.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	AmountUSD string        `json:"amountUsd,omitempty"` // Credited amount, when applicable
}
