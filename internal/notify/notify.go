// Package notify hands settlement outcomes to the external unified
// notification collaborator. Delivery channel selection (push, email, SMS)
// is that collaborator's concern, not the core's.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/paycore-io/paycore/internal/metrics"
)

// Kinds of notifications the core emits.
const (
	KindPaymentDetected    = "payment_detected"
	KindDepositConfirmed   = "deposit_confirmed"
	KindBelowMinimum       = "below_minimum"
	KindUnderpaymentChoice = "underpayment_choice"
	KindAutoRefund         = "auto_refund"
	KindOverpaymentExcess  = "overpayment_excess"
	KindEscrowFunded       = "escrow_funded"
	KindDisputeResolved    = "dispute_resolved"
	KindCashoutInitiated   = "cashout_initiated"
	KindCashoutCompleted   = "cashout_completed"
)

// Notifier delivers one message to one user.
type Notifier interface {
	Notify(ctx context.Context, userID, message, kind string) error
}

// LogNotifier is the default Notifier: it logs instead of delivering.
// Used in development and as a stand-in when no collaborator is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, userID, message, kind string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", userID, "kind", kind, "message", message)
	return nil
}

// Emitter wraps a Notifier with typed helpers for the core's events.
// All methods are fire-and-forget: errors are logged but never returned,
// so a dead notification channel cannot fail a settlement.
type Emitter struct {
	n      Notifier
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{n: n, logger: logger}
}

func (e *Emitter) emit(userID, message, kind string) {
	if e == nil || e.n == nil {
		return
	}
	metrics.NotificationsTotal.WithLabelValues(kind).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.n.Notify(ctx, userID, message, kind); err != nil {
		e.logger.Warn("notification emit failed", "kind", kind, "user_id", userID, "error", err)
	}
}

// PaymentDetected announces an unconfirmed payment was seen.
func (e *Emitter) PaymentDetected(userID, provider, amountNative, currency string) {
	e.emit(userID, "Payment of "+amountNative+" "+currency+" detected via "+provider+", awaiting confirmation", KindPaymentDetected)
}

// DepositConfirmed announces a credited deposit.
func (e *Emitter) DepositConfirmed(userID, amountUSD string) {
	e.emit(userID, "Deposit confirmed: $"+amountUSD+" credited to your balance", KindDepositConfirmed)
}

// BelowMinimum announces a rejected too-small deposit.
func (e *Emitter) BelowMinimum(userID, amountUSD, minimumUSD string) {
	e.emit(userID, "Payment of $"+amountUSD+" is below the $"+minimumUSD+" minimum and was not credited", KindBelowMinimum)
}

// UnderpaymentChoice asks the user how to proceed with a recoverable shortfall.
func (e *Emitter) UnderpaymentChoice(userID, reference, shortfallUSD string) {
	e.emit(userID, "Payment for "+reference+" is short by $"+shortfallUSD+": top up, accept partial, or request a refund", KindUnderpaymentChoice)
}

// AutoRefunded announces a severe-underpayment auto refund.
func (e *Emitter) AutoRefunded(userID, reference, amountUSD string) {
	e.emit(userID, "Payment for "+reference+" was too far below the expected amount; $"+amountUSD+" returned to your balance", KindAutoRefund)
}

// OverpaymentExcess announces the excess of an overpayment being credited.
func (e *Emitter) OverpaymentExcess(userID, reference, excessUSD string) {
	e.emit(userID, "Overpayment on "+reference+": excess $"+excessUSD+" credited to your balance", KindOverpaymentExcess)
}

// EscrowFunded announces a fully funded escrow.
func (e *Emitter) EscrowFunded(userID, escrowID, amountUSD string) {
	e.emit(userID, "Escrow "+escrowID+" funded with $"+amountUSD, KindEscrowFunded)
}

// DisputeResolved announces a dispute split to one party.
func (e *Emitter) DisputeResolved(userID, escrowID, creditedUSD string) {
	e.emit(userID, "Dispute on escrow "+escrowID+" resolved: $"+creditedUSD+" credited to your balance", KindDisputeResolved)
}

// CashoutInitiated announces a cashout hold.
func (e *Emitter) CashoutInitiated(userID, cashoutID, amountUSD string) {
	e.emit(userID, "Cashout "+cashoutID+" initiated for $"+amountUSD, KindCashoutInitiated)
}

// CashoutCompleted announces a finalized cashout.
func (e *Emitter) CashoutCompleted(userID, cashoutID, amountUSD string) {
	e.emit(userID, "Cashout "+cashoutID+" completed: $"+amountUSD+" sent", KindCashoutCompleted)
}
