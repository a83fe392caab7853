// Package escrow holds buyer funds for a transaction until delivery is
// confirmed or a dispute is resolved.
//
// Flow:
//  1. Escrow created with an expected amount → awaiting_funds
//  2. Payment arrives → tolerance check → funds held from buyer → funded
//  3. Seller marks delivered, buyer confirms → held funds paid to seller
//  4. Buyer disputes → arbiter resolves with a buyer/seller percentage split
//  5. Timeout after delivery → auto-released to seller
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paycore-io/paycore/internal/idgen"
	"github.com/paycore-io/paycore/internal/ledger"
	"github.com/paycore-io/paycore/internal/money"
	"github.com/paycore-io/paycore/internal/notify"
	"github.com/paycore-io/paycore/internal/settlement"
	"github.com/paycore-io/paycore/internal/syncutil"
	"github.com/paycore-io/paycore/internal/traces"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAlreadyResolved = errors.New("escrow already resolved")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusAwaitingFunds Status = "awaiting_funds" // Created, no acceptable payment yet
	StatusFunded        Status = "funded"         // Expected amount held from buyer
	StatusDelivered     Status = "delivered"      // Seller marked delivered
	StatusReleased      Status = "released"       // Held funds paid to seller
	StatusDisputed      Status = "disputed"       // Buyer disputed, funds still held
	StatusRefunded      Status = "refunded"       // Resolved fully in the buyer's favor
	StatusCancelled     Status = "cancelled"      // Cancelled or auto-refunded before release
)

const holdType = "escrow"

// DefaultAutoRelease is the default time before a funded escrow auto-releases
// to the seller.
const DefaultAutoRelease = 72 * time.Hour

// Escrow is one buyer-protection record. Amounts are USD.
type Escrow struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	ExpectedUSD   string     `json:"expectedUsd"`
	ReceivedUSD   string     `json:"receivedUsd,omitempty"` // Last payment seen for this escrow
	Status        Status     `json:"status"`
	AutoReleaseAt time.Time  `json:"autoReleaseAt"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, esc *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, esc *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	ExpectedUSD string `json:"expectedUsd" binding:"required"`
	AutoRelease string `json:"autoRelease"` // Duration string, e.g. "24h"
}

// FundingResult describes how a payment against an escrow was settled.
type FundingResult struct {
	Class     settlement.Class `json:"class"`
	Escrow    *Escrow          `json:"escrow"`
	ExcessUSD string           `json:"excessUsd,omitempty"`    // Credited back on overpayment
	Shortfall string           `json:"shortfallUsd,omitempty"` // Outstanding on underpayment
}

// DisputeSplit is an arbiter's resolution. Percentages must sum to 100;
// 100/0 is a full refund and 0/100 a full release, through the same path.
type DisputeSplit struct {
	BuyerPct  int `json:"buyerPct"`
	SellerPct int `json:"sellerPct"`
}

// Service implements the escrow lifecycle over the ledger's hold API.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	tol      settlement.Tolerance
	notifier *notify.Emitter
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // per-escrow ID locks against racing transitions
}

// NewService creates a new escrow service.
func NewService(store Store, lgr *ledger.Ledger, tol settlement.Tolerance, notifier *notify.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: lgr, tol: tol, notifier: notifier, logger: logger}
}

// Create registers an escrow awaiting funds. No money moves yet.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, errors.New("buyer and seller cannot be the same user")
	}
	if !money.IsPositive(req.ExpectedUSD) {
		return nil, ErrInvalidAmount
	}

	autoRelease := DefaultAutoRelease
	if req.AutoRelease != "" {
		if d, err := time.ParseDuration(req.AutoRelease); err == nil && d > 0 {
			autoRelease = d
		}
	}

	now := time.Now().UTC()
	esc := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		ExpectedUSD:   req.ExpectedUSD,
		Status:        StatusAwaitingFunds,
		AutoReleaseAt: now.Add(autoRelease),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, esc); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	return esc, nil
}

// Fund settles a received payment against the escrow's expected amount.
//
// Within tolerance, the expected amount is credited to the buyer and held.
// Overpayments hold the expected amount and credit the excess back to the
// buyer's available balance as a tagged entry. Recoverable underpayments
// leave the ledger untouched and ask the buyer how to proceed. Severe
// underpayments credit the full received amount back and cancel the escrow;
// the flow never activates.
//
// Each ledger mutation is a single FundHold keyed by the escrow id, so a
// queue redelivery after a transient failure replays as a no-op instead of
// crediting the buyer a second time.
func (s *Service) Fund(ctx context.Context, id, receivedUSD string) (*FundingResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.fund",
		traces.Reference(id),
		traces.Amount(receivedUSD),
	)
	defer span.End()

	if !money.IsPositive(receivedUSD) {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusAwaitingFunds {
		return nil, ErrInvalidStatus
	}

	class, diff := s.tol.Classify(esc.ExpectedUSD, receivedUSD)
	now := time.Now().UTC()
	esc.ReceivedUSD = receivedUSD
	esc.UpdatedAt = now
	result := &FundingResult{Class: class, Escrow: esc}

	switch class {
	case settlement.ClassExact, settlement.ClassOverpaid:
		excess, excessType := "0", ""
		if class == settlement.ClassOverpaid {
			excess, excessType = diff, ledger.EntryOverpaymentExcess
		}
		if _, err := s.ledger.FundHold(ctx, esc.BuyerID, "USD",
			esc.ExpectedUSD, excess, excessType, holdType, esc.ID); err != nil {
			return nil, fmt.Errorf("failed to fund escrow: %w", err)
		}
		if class == settlement.ClassOverpaid {
			result.ExcessUSD = diff
			s.notifier.OverpaymentExcess(esc.BuyerID, esc.ID, diff)
		}
		esc.Status = StatusFunded
		esc.FundedAt = &now
		s.notifier.EscrowFunded(esc.BuyerID, esc.ID, esc.ExpectedUSD)

	case settlement.ClassUnderpaidRecoverable:
		// No ledger mutation: the buyer chooses to top up, accept partial,
		// or take a refund before anything settles.
		result.Shortfall = diff
		s.notifier.UnderpaymentChoice(esc.BuyerID, esc.ID, diff)

	case settlement.ClassUnderpaidSevere:
		if _, err := s.ledger.FundHold(ctx, esc.BuyerID, "USD",
			"0", receivedUSD, ledger.EntryRefund, holdType, esc.ID); err != nil {
			return nil, fmt.Errorf("failed to auto-refund: %w", err)
		}
		esc.Status = StatusCancelled
		esc.ResolvedAt = &now
		esc.Resolution = "auto_refund"
		result.Shortfall = diff
		s.notifier.AutoRefunded(esc.BuyerID, esc.ID, receivedUSD)
	}

	if err := s.store.Update(ctx, esc); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDelivered marks the escrow as delivered by the seller.
func (s *Service) MarkDelivered(ctx context.Context, id, callerID string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != esc.SellerID {
		return nil, ErrUnauthorized
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if esc.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	esc.Status = StatusDelivered
	esc.DeliveredAt = &now
	esc.UpdatedAt = now
	if err := s.store.Update(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// Confirm releases the held funds to the seller.
func (s *Service) Confirm(ctx context.Context, id, callerID string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != esc.BuyerID {
		return nil, ErrUnauthorized
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if esc.Status != StatusFunded && esc.Status != StatusDelivered {
		return nil, ErrInvalidStatus
	}

	return s.release(ctx, esc, "buyer_confirmed")
}

// Dispute freezes the escrow for arbitration. Funds stay held.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != esc.BuyerID {
		return nil, ErrUnauthorized
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if esc.Status != StatusFunded && esc.Status != StatusDelivered {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	esc.Status = StatusDisputed
	esc.DisputeReason = reason
	esc.UpdatedAt = now
	if err := s.store.Update(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// ResolveDispute splits the held amount between buyer and seller per the
// arbiter's percentages. The two credits and the hold release commit in one
// ledger transaction; the portions always sum to the held amount exactly.
func (s *Service) ResolveDispute(ctx context.Context, id string, split DisputeSplit) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.Reference(id))
	defer span.End()

	if split.BuyerPct+split.SellerPct != 100 || split.BuyerPct < 0 || split.SellerPct < 0 {
		return nil, fmt.Errorf("%w: split percentages must sum to 100", ErrInvalidAmount)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	buyerAmount, sellerAmount, err := s.ledger.ResolveDisputeSplit(ctx,
		esc.BuyerID, esc.BuyerID, esc.SellerID, "USD", esc.ExpectedUSD,
		split.BuyerPct, split.SellerPct, esc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to split escrow funds: %w", err)
	}

	now := time.Now().UTC()
	if split.BuyerPct == 100 {
		esc.Status = StatusRefunded
	} else {
		esc.Status = StatusReleased
	}
	esc.Resolution = fmt.Sprintf("dispute_split buyer=%d%% seller=%d%%", split.BuyerPct, split.SellerPct)
	esc.ResolvedAt = &now
	esc.UpdatedAt = now
	if err := s.store.Update(ctx, esc); err != nil {
		// Funds already moved; the state change must persist.
		s.logger.Error("escrow update failed after dispute split", "escrow_id", esc.ID, "error", err)
		if retryErr := s.store.Update(ctx, esc); retryErr != nil {
			return nil, retryErr
		}
	}

	if money.IsPositive(buyerAmount) {
		s.notifier.DisputeResolved(esc.BuyerID, esc.ID, buyerAmount)
	}
	if money.IsPositive(sellerAmount) {
		s.notifier.DisputeResolved(esc.SellerID, esc.ID, sellerAmount)
	}
	return esc, nil
}

// Cancel aborts an escrow. Held funds, if any, return to the buyer.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != esc.BuyerID && callerID != esc.SellerID {
		return nil, ErrUnauthorized
	}
	if esc.IsTerminal() || esc.Status == StatusDisputed {
		return nil, ErrInvalidStatus
	}

	if esc.Status == StatusFunded {
		if err := s.ledger.ReleaseHold(ctx, esc.BuyerID, "USD", esc.ExpectedUSD, holdType, esc.ID); err != nil {
			return nil, fmt.Errorf("failed to release escrow funds: %w", err)
		}
	}

	now := time.Now().UTC()
	esc.Status = StatusCancelled
	esc.Resolution = "cancelled"
	esc.ResolvedAt = &now
	esc.UpdatedAt = now
	if err := s.store.Update(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// Get returns one escrow.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// release pays the held amount to the seller and finalizes the escrow.
// Caller must hold the escrow lock.
func (s *Service) release(ctx context.Context, esc *Escrow, resolution string) (*Escrow, error) {
	if err := s.ledger.TransferHold(ctx, esc.BuyerID, esc.SellerID, "USD", esc.ExpectedUSD, holdType, esc.ID); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now().UTC()
	esc.Status = StatusReleased
	esc.Resolution = resolution
	esc.ResolvedAt = &now
	esc.UpdatedAt = now
	if err := s.store.Update(ctx, esc); err != nil {
		// Funds already moved; the state change must persist.
		s.logger.Error("escrow update failed after release", "escrow_id", esc.ID, "error", err)
		if retryErr := s.store.Update(ctx, esc); retryErr != nil {
			return nil, retryErr
		}
	}
	return esc, nil
}
