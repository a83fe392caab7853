package cashout

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycore-io/paycore/internal/ledger"
	"github.com/paycore-io/paycore/internal/notify"
)

func newTestService(t *testing.T) (*Service, ledger.Store) {
	t.Helper()
	ls := ledger.NewMemoryStore()
	lgr := ledger.New(ls, slog.Default())
	emitter := notify.NewEmitter(&notify.LogNotifier{}, slog.Default())
	return NewService(NewMemoryStore(), lgr, emitter, slog.Default()), ls
}

func fund(t *testing.T, ls ledger.Store, userID, amount string) {
	t.Helper()
	require.NoError(t, ls.Credit(context.Background(), userID, "USD", amount,
		ledger.EntryDeposit, "test", "seed"))
}

func balances(t *testing.T, ls ledger.Store, userID string) (available, frozen string) {
	t.Helper()
	acct, err := ls.GetAccount(context.Background(), userID, "USD")
	require.NoError(t, err)
	return acct.Available, acct.Frozen
}

func TestInitiate_HoldsFunds(t *testing.T) {
	s, ls := newTestService(t)
	fund(t, ls, "user1", "100")

	co, err := s.Initiate(context.Background(), InitiateRequest{
		UserID: "user1", AmountUSD: "40", Destination: "bank:1234",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, co.Status)

	available, frozen := balances(t, ls, "user1")
	assert.Equal(t, "60.000000", available)
	assert.Equal(t, "40.000000", frozen)
}

func TestInitiate_InsufficientFunds(t *testing.T) {
	s, ls := newTestService(t)
	fund(t, ls, "user1", "30")

	_, err := s.Initiate(context.Background(), InitiateRequest{
		UserID: "user1", AmountUSD: "40", Destination: "bank:1234",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	available, frozen := balances(t, ls, "user1")
	assert.Equal(t, "30.000000", available, "failed initiation must not move funds")
	assert.Equal(t, "0.000000", frozen)
}

func TestComplete_ConsumesHold(t *testing.T) {
	s, ls := newTestService(t)
	fund(t, ls, "user1", "100")
	ctx := context.Background()

	co, err := s.Initiate(ctx, InitiateRequest{UserID: "user1", AmountUSD: "40", Destination: "bank:1234"})
	require.NoError(t, err)

	got, err := s.Complete(ctx, co.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ResolvedAt)

	available, frozen := balances(t, ls, "user1")
	assert.Equal(t, "60.000000", available)
	assert.Equal(t, "0.000000", frozen, "completed cashout leaves nothing held")

	// Completion is one-way.
	_, err = s.Complete(ctx, co.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = s.Cancel(ctx, co.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancel_ReturnsFunds(t *testing.T) {
	s, ls := newTestService(t)
	fund(t, ls, "user1", "100")
	ctx := context.Background()

	co, err := s.Initiate(ctx, InitiateRequest{UserID: "user1", AmountUSD: "40", Destination: "bank:1234"})
	require.NoError(t, err)

	got, err := s.Cancel(ctx, co.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	available, frozen := balances(t, ls, "user1")
	assert.Equal(t, "100.000000", available, "cancellation must restore the full balance")
	assert.Equal(t, "0.000000", frozen)
}

func TestInitiate_InvalidAmount(t *testing.T) {
	s, _ := newTestService(t)

	for _, amount := range []string{"0", "-5", "abc"} {
		_, err := s.Initiate(context.Background(), InitiateRequest{
			UserID: "user1", AmountUSD: amount, Destination: "bank:1234",
		})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestListByUser(t *testing.T) {
	s, ls := newTestService(t)
	fund(t, ls, "user1", "100")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Initiate(ctx, InitiateRequest{UserID: "user1", AmountUSD: "10", Destination: "bank:1234"})
		require.NoError(t, err)
	}

	list, err := s.ListByUser(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
