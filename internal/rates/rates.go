// Package rates converts native payment amounts to USD.
//
// Provider-supplied USD values always take precedence over conversion here:
// recomputing via a different rate source at a different instant introduces
// rate-drift loss. This package is the fallback for providers that supply
// none.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/paycore-io/paycore/internal/money"
	"github.com/paycore-io/paycore/internal/retry"
)

var ErrUnknownCurrency = errors.New("no rate for currency")

// Source supplies the USD rate for one unit of a currency (e.g. "BTC" ->
// "64123.50"). Implementations call external rate services.
type Source interface {
	Rate(ctx context.Context, currency string) (string, error)
}

type cachedRate struct {
	rate      string
	fetchedAt time.Time
}

// Converter caches rates from a Source with a TTL. It is an explicit
// per-instance keyed store rather than a package-level singleton, so
// converters can be created and torn down per test.
type Converter struct {
	source Source
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedRate
}

// NewConverter creates a converter over the given source. Rates older than
// ttl are refetched.
func NewConverter(source Source, ttl time.Duration) *Converter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Converter{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cachedRate),
	}
}

// USDValue converts amountNative of currency to a USD amount string.
// USD and stablecoin-pegged currencies pass through unchanged.
func (c *Converter) USDValue(ctx context.Context, amountNative, currency string) (string, error) {
	cur := strings.ToUpper(currency)
	if cur == "USD" || cur == "USDC" || cur == "USDT" {
		v, ok := money.Parse(amountNative)
		if !ok {
			return "", fmt.Errorf("invalid amount %q", amountNative)
		}
		return money.Format(v), nil
	}

	rate, err := c.rate(ctx, cur)
	if err != nil {
		return "", err
	}

	amount, ok := money.Parse(amountNative)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", amountNative)
	}
	rateV, ok := money.Parse(rate)
	if !ok {
		return "", fmt.Errorf("invalid rate %q for %s", rate, cur)
	}

	// Both operands are fixed-point with 6 decimals; rescale the product.
	usd := new(big.Int).Mul(amount, rateV)
	usd.Div(usd, big.NewInt(1_000_000))
	return money.Format(usd), nil
}

// rate returns a cached rate, fetching through the source (with retries)
// when missing or expired.
func (c *Converter) rate(ctx context.Context, currency string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.cache[currency]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.rate, nil
	}
	c.mu.Unlock()

	if c.source == nil {
		return "", ErrUnknownCurrency
	}

	var fetched string
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		r, err := c.source.Rate(ctx, currency)
		if err != nil {
			return err
		}
		fetched = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch rate for %s: %w", currency, err)
	}

	c.mu.Lock()
	c.cache[currency] = cachedRate{rate: fetched, fetchedAt: time.Now()}
	c.mu.Unlock()
	return fetched, nil
}
