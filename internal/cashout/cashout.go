// Package cashout moves user funds out of the platform. The amount is held
// the moment a cashout is initiated, so it cannot be double-spent while the
// external transfer is in flight; completion consumes the hold, cancellation
// returns it.
package cashout

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
	"github.com/paycore-io/paycore/internal/syncutil"
	"github.com/paycore-io/paycore/internal/traces"
)

var (
	ErrCashoutNotFound = errors.New("cashout not found")
	ErrInvalidStatus   = errors.New("invalid cashout status for this operation")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Status represents the state of a cashout.
type Status string

const (
	StatusPending   Status = "pending"   // Funds held, transfer in flight
	StatusCompleted Status = "completed" // Transfer done, funds consumed
	StatusCancelled Status = "cancelled" // Funds returned to available
)

const holdType = "cashout"

// Cashout is one withdrawal record. Amounts are USD.
type Cashout struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	AmountUSD   string     `json:"amountUsd"`
	Destination string     `json:"destination"` // Bank account, wallet address, etc.
	Status      Status     `json:"status"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists cashout records.
type Store interface {
	Create(ctx context.Context, co *Cashout) error
	Get(ctx context.Context, id string) (*Cashout, error)
	Update(ctx context.Context, co *Cashout) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error)
}

// InitiateRequest contains the parameters for starting a cashout.
type InitiateRequest struct {
	UserID      string `json:"userId" binding:"required"`
	AmountUSD   string `json:"amountUsd" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// Service implements the cashout lifecycle over the ledger's hold API.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	notifier *notify.Emitter
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
}

// NewService creates a new cashout service.
func NewService(store Store, lgr *ledger.Ledger, notifier *notify.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: lgr, notifier: notifier, logger: logger}
}

// Initiate holds the amount from the user's available balance and records
// the cashout. Fails if available funds are insufficient.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Cashout, error) {
	ctx, span := traces.StartSpan(ctx, "cashout.initiate",
		traces.UserID(req.UserID),
		traces.Amount(req.AmountUSD),
	)
	defer span.End()

	if !money.IsPositive(req.AmountUSD) {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	co := &Cashout{
		ID:          idgen.WithPrefix("co_"),
		UserID:      req.UserID,
		AmountUSD:   req.AmountUSD,
		Destination: req.Destination,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.ledger.CreateHold(ctx, co.UserID, "USD", co.AmountUSD, holdType, co.ID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, co); err != nil {
		// Funds are held with no record; put them back.
		if relErr := s.ledger.ReleaseHold(ctx, co.UserID, "USD", co.AmountUSD, holdType, co.ID); relErr != nil {
			s.logger.Error("failed to release hold after create failure",
				"cashout_id", co.ID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create cashout record: %w", err)
	}

	s.notifier.CashoutInitiated(co.UserID, co.ID, co.AmountUSD)
	return co, nil
}

// Complete finalizes a cashout after the external transfer succeeds. The
// held amount leaves the account for good.
func (s *Service) Complete(ctx context.Context, id string) (*Cashout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	co, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if co.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	if err := s.ledger.ConsumeHold(ctx, co.UserID, "USD", co.AmountUSD, holdType, co.ID); err != nil {
		return nil, fmt.Errorf("failed to consume cashout hold: %w", err)
	}

	now := time.Now().UTC()
	co.Status = StatusCompleted
	co.ResolvedAt = &now
	co.UpdatedAt = now
	if err := s.store.Update(ctx, co); err != nil {
		// Funds already consumed; the state change must persist.
		s.logger.Error("cashout update failed after consume", "cashout_id", co.ID, "error", err)
		if retryErr := s.store.Update(ctx, co); retryErr != nil {
			return nil, retryErr
		}
	}

	s.notifier.CashoutCompleted(co.UserID, co.ID, co.AmountUSD)
	return co, nil
}

// Cancel aborts a pending cashout and returns the held amount to available.
func (s *Service) Cancel(ctx context.Context, id string) (*Cashout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	co, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if co.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	if err := s.ledger.ReleaseHold(ctx, co.UserID, "USD", co.AmountUSD, holdType, co.ID); err != nil {
		return nil, fmt.Errorf("failed to release cashout hold: %w", err)
	}

	now := time.Now().UTC()
	co.Status = StatusCancelled
	co.ResolvedAt = &now
	co.UpdatedAt = now
	if err := s.store.Update(ctx, co); err != nil {
		return nil, err
	}
	return co, nil
}

// Get returns one cashout.
func (s *Service) Get(ctx context.Context, id string) (*Cashout, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's cashouts, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
