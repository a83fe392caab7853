// Package idgen mints the random identifiers used across the settlement
// core. Every record carries a typed prefix so an ID is self-describing in
// logs: "esc_" escrows, "co_" cashouts, "evt_" queue events, "le_" ledger
// entries, "req_" HTTP requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix followed by 24 hex characters of crypto/rand
// output. 96 bits of randomness keeps collisions out of reach at any volume
// this system will see.
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		// The kernel CSPRNG failing is not a condition to limp through.
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
