package rates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingSource struct {
	mu    sync.Mutex
	rate  string
	err   error
	calls int
}

func (s *countingSource) Rate(ctx context.Context, currency string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.rate, nil
}

func TestUSDValue_Passthrough(t *testing.T) {
	c := NewConverter(nil, time.Minute)

	for _, currency := range []string{"USD", "usd", "USDC", "USDT"} {
		got, err := c.USDValue(context.Background(), "12.5", currency)
		if err != nil {
			t.Fatalf("USDValue(%s): %v", currency, err)
		}
		if got != "12.500000" {
			t.Errorf("USDValue(%s) = %s, want 12.500000", currency, got)
		}
	}
}

func TestUSDValue_Converts(t *testing.T) {
	src := &countingSource{rate: "1600.00"}
	c := NewConverter(src, time.Minute)

	got, err := c.USDValue(context.Background(), "0.5", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if got != "800.000000" {
		t.Errorf("got %s, want 800.000000", got)
	}
}

func TestUSDValue_CachesWithinTTL(t *testing.T) {
	src := &countingSource{rate: "2.00"}
	c := NewConverter(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.USDValue(ctx, "10", "EUR"); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
}

func TestUSDValue_RefetchesAfterTTL(t *testing.T) {
	src := &countingSource{rate: "2.00"}
	c := NewConverter(src, time.Millisecond)
	ctx := context.Background()

	if _, err := c.USDValue(ctx, "10", "EUR"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.USDValue(ctx, "10", "EUR"); err != nil {
		t.Fatal(err)
	}
	if src.calls < 2 {
		t.Errorf("source called %d times, want >= 2 after expiry", src.calls)
	}
}

func TestUSDValue_SourceError(t *testing.T) {
	src := &countingSource{err: errors.New("upstream down")}
	c := NewConverter(src, time.Minute)

	if _, err := c.USDValue(context.Background(), "10", "EUR"); err == nil {
		t.Fatal("expected error from failing source")
	}
}

func TestUSDValue_NoSource(t *testing.T) {
	c := NewConverter(nil, time.Minute)
	if _, err := c.USDValue(context.Background(), "10", "EUR"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}
