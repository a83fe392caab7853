package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/paycore-io/paycore/internal/idgen"
	"github.com/paycore-io/paycore/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account // "userID/currency" -> account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make([]*Entry, 0),
	}
}

func acctKey(userID, currency string) string {
	return userID + "/" + currency
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID, currency string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[acctKey(userID, currency)]; ok {
		cp := *acct
		return &cp, nil
	}
	return zeroAccount(userID, currency), nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID, currency, amount, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.upsert(userID, currency)

	add, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	avail, _ := money.Parse(acct.Available)
	totalIn, _ := money.Parse(acct.TotalIn)
	avail.Add(avail, add)
	totalIn.Add(totalIn, add)
	acct.Available = money.Format(avail)
	acct.TotalIn = money.Format(totalIn)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	m.append(userID, currency, entryType, amount, reference, description)
	return nil
}

func (m *MemoryStore) CreateHold(ctx context.Context, userID, currency, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[acctKey(userID, currency)]
	if !ok {
		return ErrInsufficientFunds
	}

	avail, _ := money.Parse(acct.Available)
	frozen, _ := money.Parse(acct.Frozen)
	hold, _ := money.Parse(amount)

	if avail.Cmp(hold) < 0 {
		return ErrInsufficientFunds
	}

	avail.Sub(avail, hold)
	frozen.Add(frozen, hold)
	acct.Available = money.Format(avail)
	acct.Frozen = money.Format(frozen)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	m.append(userID, currency, EntryHold, amount, reference, "hold_created")
	return nil
}

func (m *MemoryStore) FundHold(ctx context.Context, userID, currency, heldAmount, excessAmount, excessType, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fundingExists(reference) {
		return false, nil
	}

	held, okHeld := money.Parse(heldAmount)
	excess, okExcess := money.Parse(excessAmount)
	if !okHeld || !okExcess {
		return false, ErrInvalidAmount
	}

	acct := m.upsert(userID, currency)
	avail, _ := money.Parse(acct.Available)
	frozen, _ := money.Parse(acct.Frozen)
	totalIn, _ := money.Parse(acct.TotalIn)

	frozen.Add(frozen, held)
	avail.Add(avail, excess)
	totalIn.Add(totalIn, held)
	totalIn.Add(totalIn, excess)
	acct.Available = money.Format(avail)
	acct.Frozen = money.Format(frozen)
	acct.TotalIn = money.Format(totalIn)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	if held.Sign() > 0 {
		m.append(userID, currency, EntryDeposit, heldAmount, reference, "funding_credited")
		m.append(userID, currency, EntryHold, heldAmount, reference, "funding_held")
	}
	if excess.Sign() > 0 {
		m.append(userID, currency, excessType, excessAmount, reference, fundingExcessDescription(excessType))
	}
	return true, nil
}

// fundingExists reports whether a funding already committed under reference.
// Only the entry types FundHold itself writes as markers count; releases and
// splits that later reuse the reference do not. Caller must hold m.mu.
func (m *MemoryStore) fundingExists(reference string) bool {
	for _, e := range m.entries {
		if e.Reference == reference && (e.Type == EntryHold || e.Type == EntryRefund) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, userID, currency, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[acctKey(userID, currency)]
	if !ok {
		return ErrFrozenUnderflow
	}

	avail, _ := money.Parse(acct.Available)
	frozen, _ := money.Parse(acct.Frozen)
	rel, _ := money.Parse(amount)

	if frozen.Cmp(rel) < 0 {
		return ErrFrozenUnderflow
	}

	frozen.Sub(frozen, rel)
	avail.Add(avail, rel)
	acct.Available = money.Format(avail)
	acct.Frozen = money.Format(frozen)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	m.append(userID, currency, EntryRelease, amount, reference, "hold_released")
	return nil
}

func (m *MemoryStore) ConsumeHold(ctx context.Context, userID, currency, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[acctKey(userID, currency)]
	if !ok {
		return ErrFrozenUnderflow
	}

	frozen, _ := money.Parse(acct.Frozen)
	totalOut, _ := money.Parse(acct.TotalOut)
	amt, _ := money.Parse(amount)

	if frozen.Cmp(amt) < 0 {
		return ErrFrozenUnderflow
	}

	frozen.Sub(frozen, amt)
	totalOut.Add(totalOut, amt)
	acct.Frozen = money.Format(frozen)
	acct.TotalOut = money.Format(totalOut)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	m.append(userID, currency, EntryPayout, amount, reference, "hold_consumed")
	return nil
}

func (m *MemoryStore) SplitHold(ctx context.Context, holderID, buyerID, sellerID, currency, amount, buyerAmount, sellerAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.accounts[acctKey(holderID, currency)]
	if !ok {
		return ErrFrozenUnderflow
	}

	frozen, _ := money.Parse(holder.Frozen)
	total, _ := money.Parse(amount)
	if frozen.Cmp(total) < 0 {
		return ErrFrozenUnderflow
	}

	frozen.Sub(frozen, total)
	holder.Frozen = money.Format(frozen)
	holder.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.append(holderID, currency, EntryRelease, amount, reference, "dispute_split")

	m.splitCredit(buyerID, currency, buyerAmount, reference, "dispute_split_buyer")
	m.splitCredit(sellerID, currency, sellerAmount, reference, "dispute_split_seller")
	return nil
}

// splitCredit credits one party's available. Zero portions are skipped so a
// 0/100 split leaves no empty log entries. Caller must hold m.mu.
func (m *MemoryStore) splitCredit(userID, currency, amount, reference, description string) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() == 0 {
		return
	}
	acct := m.upsert(userID, currency)
	avail, _ := money.Parse(acct.Available)
	totalIn, _ := money.Parse(acct.TotalIn)
	avail.Add(avail, amt)
	totalIn.Add(totalIn, amt)
	acct.Available = money.Format(avail)
	acct.TotalIn = money.Format(totalIn)
	acct.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.append(userID, currency, EntrySplitCredit, amount, reference, description)
}

func (m *MemoryStore) History(ctx context.Context, userID, currency string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.UserID == userID && e.Currency == currency {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// upsert returns the account, creating a zero one if missing. Caller must hold m.mu.
func (m *MemoryStore) upsert(userID, currency string) *Account {
	key := acctKey(userID, currency)
	acct, ok := m.accounts[key]
	if !ok {
		acct = zeroAccount(userID, currency)
		m.accounts[key] = acct
	}
	return acct
}

// append records a transaction log entry. Caller must hold m.mu.
func (m *MemoryStore) append(userID, currency, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		UserID:      userID,
		Currency:    currency,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func zeroAccount(userID, currency string) *Account {
	return &Account{
		UserID:    userID,
		Currency:  currency,
		Available: "0.000000",
		Frozen:    "0.000000",
		TotalIn:   "0.000000",
		TotalOut:  "0.000000",
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
