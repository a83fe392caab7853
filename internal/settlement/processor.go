package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paycore-io/paycore/internal/metrics"
	"github.com/paycore-io/paycore/internal/money"
	"github.com/paycore-io/paycore/internal/notify"
	"github.com/paycore-io/paycore/internal/traces"
)

// USDConverter converts a native amount to USD when the provider did not
// supply a USD value itself.
type USDConverter interface {
	USDValue(ctx context.Context, amountNative, currency string) (string, error)
}

// Request is one normalized payment delivery from a provider adapter or the
// chain watcher. Deliveries are not assumed unique; the processor is.
type Request struct {
	Provider     string `json:"provider"`
	ExternalTxID string `json:"externalTxId"`
	UserID       string `json:"userId"`
	AmountNative string `json:"amountNative"`
	Currency     string `json:"currency"`
	AmountUSD    string `json:"amountUsd,omitempty"` // Provider-supplied, preferred over conversion
	Confirmed    bool   `json:"confirmed"`
}

// Processor turns payment deliveries into at-most-one ledger credit each.
type Processor struct {
	store        Store
	converter    USDConverter
	notifier     *notify.Emitter
	minCreditUSD string
	logger       *slog.Logger
}

// NewProcessor creates a settlement processor.
func NewProcessor(store Store, converter USDConverter, notifier *notify.Emitter, minCreditUSD string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:        store,
		converter:    converter,
		notifier:     notifier,
		minCreditUSD: minCreditUSD,
		logger:       logger,
	}
}

// Process handles one delivery. Unconfirmed payments are recorded and
// announced without touching the ledger. Confirmed payments below the
// minimum credit floor are rejected. Everything else goes through the
// idempotent credit; replays return already_processed.
//
// Errors mean transient infrastructure failure and ask the caller to retry
// the same delivery; every business decision is an Outcome.
func (p *Processor) Process(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.process",
		traces.Provider(req.Provider),
		traces.ExternalTxID(req.ExternalTxID),
		traces.UserID(req.UserID),
		traces.Amount(req.AmountNative),
		traces.Currency(req.Currency),
	)
	defer span.End()

	if req.Provider == "" || req.ExternalTxID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: provider, external tx id, and user id are required", ErrInvalidRequest)
	}

	amountUSD := req.AmountUSD
	if amountUSD == "" {
		var err error
		amountUSD, err = p.converter.USDValue(ctx, req.AmountNative, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("usd conversion: %w", err)
		}
	}
	parsed, ok := money.Parse(amountUSD)
	if !ok || parsed.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive usd amount %q", ErrInvalidRequest, amountUSD)
	}
	amountUSD = money.Format(parsed)

	rec := &Record{
		Provider:     req.Provider,
		ExternalTxID: req.ExternalTxID,
		UserID:       req.UserID,
		AmountNative: req.AmountNative,
		Currency:     req.Currency,
		AmountUSD:    amountUSD,
	}

	if !req.Confirmed {
		err := p.store.MarkPending(ctx, rec)
		if err == ErrAlreadyCredited {
			p.outcome(OutcomeAlreadyProcessed)
			return &Outcome{Status: OutcomeAlreadyProcessed}, nil
		}
		if err != nil {
			return nil, err
		}
		p.notifier.PaymentDetected(req.UserID, req.Provider, req.AmountNative, req.Currency)
		p.outcome(OutcomePending)
		return &Outcome{Status: OutcomePending}, nil
	}

	if money.Cmp(amountUSD, p.minCreditUSD) < 0 {
		// Do not store a record: a later, larger payment reusing the same
		// external tx id is impossible, and the floor is a terminal decision.
		p.logger.InfoContext(ctx, "payment below minimum, not credited",
			"provider", req.Provider, "external_tx_id", req.ExternalTxID,
			"amount_usd", amountUSD, "minimum_usd", p.minCreditUSD)
		p.notifier.BelowMinimum(req.UserID, amountUSD, p.minCreditUSD)
		p.outcome(OutcomeBelowMinimum)
		return &Outcome{Status: OutcomeBelowMinimum}, nil
	}

	already, err := p.store.CreditOnce(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	if already {
		p.logger.InfoContext(ctx, "duplicate delivery ignored",
			"provider", req.Provider, "external_tx_id", req.ExternalTxID)
		p.outcome(OutcomeAlreadyProcessed)
		return &Outcome{Status: OutcomeAlreadyProcessed}, nil
	}

	p.logger.InfoContext(ctx, "deposit credited",
		"provider", req.Provider, "external_tx_id", req.ExternalTxID,
		"user_id", req.UserID, "amount_usd", amountUSD)
	p.notifier.DepositConfirmed(req.UserID, amountUSD)
	p.outcome(OutcomeCredited)
	return &Outcome{Status: OutcomeCredited, AmountUSD: amountUSD}, nil
}

func (p *Processor) outcome(s OutcomeStatus) {
	metrics.SettlementsTotal.WithLabelValues(string(s)).Inc()
}
