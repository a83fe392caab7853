package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/paycore-io/paycore/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and development. It delegates
// the ledger credit to a ledger.Store and serializes CreditOnce with a mutex
// so the check-and-credit stays atomic.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ledger  ledger.Store
}

// NewMemoryStore creates an empty store crediting into the given ledger.
func NewMemoryStore(ls ledger.Store) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ledger:  ls,
	}
}

func key(provider, externalTxID string) string {
	return provider + "/" + externalTxID
}

func (m *MemoryStore) Get(ctx context.Context, provider, externalTxID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(provider, externalTxID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkPending(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(rec.Provider, rec.ExternalTxID)
	if existing, ok := m.records[k]; ok {
		if existing.Status == StatusCredited {
			return ErrAlreadyCredited
		}
		existing.UserID = rec.UserID
		existing.AmountNative = rec.AmountNative
		existing.Currency = rec.Currency
		existing.AmountUSD = rec.AmountUSD
		return nil
	}

	cp := *rec
	cp.Status = StatusPendingUnconfirmed
	cp.CreatedAt = time.Now()
	m.records[k] = &cp
	return nil
}

func (m *MemoryStore) CreditOnce(ctx context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(rec.Provider, rec.ExternalTxID)
	existing, ok := m.records[k]
	if ok && existing.Status == StatusCredited {
		return true, nil
	}

	if err := m.ledger.Credit(ctx, rec.UserID, "USD", rec.AmountUSD,
		ledger.EntryDeposit, rec.Provider+":"+rec.ExternalTxID, "deposit via "+rec.Provider); err != nil {
		return false, err
	}

	now := time.Now()
	if !ok {
		cp := *rec
		cp.CreatedAt = now
		existing = &cp
		m.records[k] = existing
	}
	existing.Status = StatusCredited
	existing.AmountUSD = rec.AmountUSD
	existing.CreditedAt = &now
	return false, nil
}
