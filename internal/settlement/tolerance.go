package settlement

import (
	"math/big"

	"github.com/paycore-io/paycore/internal/money"
)

// Class is the result of comparing a received payment against the expected
// amount. Used by escrow and cashout funding flows.
type Class string

const (
	// ClassExact: within tolerance of expected. Settle normally.
	ClassExact Class = "exact"
	// ClassOverpaid: above tolerance. Settle the expected amount and credit
	// the excess to available as a separate, tagged ledger entry.
	ClassOverpaid Class = "overpaid"
	// ClassUnderpaidRecoverable: short by more than tolerance but within the
	// severe threshold. Surface a user choice (top up, accept partial,
	// refund) without touching the ledger.
	ClassUnderpaidRecoverable Class = "underpaid_recoverable"
	// ClassUnderpaidSevere: short by more than the severe threshold.
	// Auto-refund the entire received amount; never activate the flow.
	ClassUnderpaidSevere Class = "underpaid_severe"
)

// Tolerance holds the configured payment-tolerance margins, in USD.
type Tolerance struct {
	ToleranceUSD      string // Received within this of expected counts as exact
	SevereUnderpayUSD string // Shortfall beyond this triggers auto-refund
}

// Classify compares receivedUSD to expectedUSD.
//
// Boundary semantics: a difference exactly at the tolerance edge is exact;
// a shortfall exactly at the severe threshold is still recoverable. Returns
// the classification and the absolute difference (excess for overpayments,
// shortfall for underpayments) as a formatted amount.
func (t Tolerance) Classify(expectedUSD, receivedUSD string) (Class, string) {
	expected, _ := money.Parse(expectedUSD)
	received, _ := money.Parse(receivedUSD)
	tolerance, _ := money.Parse(t.ToleranceUSD)
	severe, _ := money.Parse(t.SevereUnderpayUSD)

	diff := new(big.Int).Sub(received, expected)

	if diff.Sign() >= 0 {
		if diff.Cmp(tolerance) <= 0 {
			return ClassExact, money.Format(diff)
		}
		return ClassOverpaid, money.Format(diff)
	}

	shortfall := new(big.Int).Neg(diff)
	if shortfall.Cmp(tolerance) <= 0 {
		return ClassExact, money.Format(shortfall)
	}
	if shortfall.Cmp(severe) <= 0 {
		return ClassUnderpaidRecoverable, money.Format(shortfall)
	}
	return ClassUnderpaidSevere, money.Format(shortfall)
}
