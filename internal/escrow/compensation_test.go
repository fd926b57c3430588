package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tasktrust/escrow-ledger/internal/domain"
	"github.com/tasktrust/escrow-ledger/internal/ledger"
	"github.com/tasktrust/escrow-ledger/internal/repository"
)

// failingStore is a QueryStore whose transactions always fail, driving
// the creation saga's compensation path without fault injection in the
// real store.
type failingStore struct {
	txErr func(ctx context.Context) error
}

func (s *failingStore) Queries() *repository.Queries { return repository.New(nil) }

func (s *failingStore) RunInTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	return s.txErr(ctx)
}

type fakeMovement struct {
	account uuid.UUID
	micros  int64
	reason  string
	key     string
}

// fakeLedger applies balance movements in memory. Like the pgx-backed
// ledger, every call fails once its context is canceled.
type fakeLedger struct {
	balances map[uuid.UUID]int64
	debits   []fakeMovement
	credits  []fakeMovement
}

func newFakeLedger(balances map[uuid.UUID]int64) *fakeLedger {
	return &fakeLedger{balances: balances}
}

func (l *fakeLedger) Lookup(ctx context.Context, accountID uuid.UUID) (*ledger.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	balance, ok := l.balances[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.AccountInfo{ID: accountID, BalanceMicros: balance}, nil
}

func (l *fakeLedger) Debit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.balances[accountID] < micros {
		return false, nil
	}
	l.balances[accountID] -= micros
	l.debits = append(l.debits, fakeMovement{account: accountID, micros: micros, reason: reason, key: idempotencyKey})
	return true, nil
}

func (l *fakeLedger) Credit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.balances[accountID] += micros
	l.credits = append(l.credits, fakeMovement{account: accountID, micros: micros, reason: reason, key: idempotencyKey})
	return nil
}

type fakeResolver struct {
	err error
}

func (r *fakeResolver) ResolveByCode(ctx context.Context, code string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, r.err
}

func TestCreateCompensatesDebitOnPersistFailure(t *testing.T) {
	creator := uuid.New()
	counterparty := uuid.New()
	lg := newFakeLedger(map[uuid.UUID]int64{creator: 10_000_000, counterparty: 0})
	store := &failingStore{txErr: func(ctx context.Context) error {
		return errors.New("insert escrow: connection reset")
	}}
	svc := NewService(store, lg, &fakeResolver{}, defaultParams())

	_, err := svc.Create(context.Background(), CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 5_000_000,
		Description:  "persist failure triggers the reversal",
		TimeoutHours: 24,
	})
	require.Error(t, err)
	require.Equal(t, KindPersistenceFailure, KindOf(err))

	// The debit was reversed by an equal-and-opposite credit and the
	// creator is whole again.
	require.Len(t, lg.debits, 1)
	require.Equal(t, domain.ReasonEscrowFund, lg.debits[0].reason)
	require.Len(t, lg.credits, 1)
	require.Equal(t, creator, lg.credits[0].account)
	require.Equal(t, int64(5_000_000), lg.credits[0].micros)
	require.Equal(t, domain.ReasonEscrowFundReversal, lg.credits[0].reason)
	require.Equal(t, int64(10_000_000), lg.balances[creator])
}

func TestCreateCompensationSurvivesCanceledContext(t *testing.T) {
	creator := uuid.New()
	counterparty := uuid.New()
	lg := newFakeLedger(map[uuid.UUID]int64{creator: 10_000_000, counterparty: 0})

	// The request context dies between the successful debit and the
	// store transaction — the common cause of a persist failure. The
	// reversal must still land.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &failingStore{txErr: func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}}
	svc := NewService(store, lg, &fakeResolver{}, defaultParams())

	_, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 5_000_000,
		Description:  "client gone before the record committed",
		TimeoutHours: 24,
	})
	require.Error(t, err)
	require.Equal(t, KindPersistenceFailure, KindOf(err))

	require.Len(t, lg.credits, 1)
	require.Equal(t, creator, lg.credits[0].account)
	require.Equal(t, domain.ReasonEscrowFundReversal, lg.credits[0].reason)
	require.Equal(t, int64(10_000_000), lg.balances[creator])
}

func TestCreateResolverFailureIsNotALedgerIncident(t *testing.T) {
	creator := uuid.New()
	counterparty := uuid.New()
	lg := newFakeLedger(map[uuid.UUID]int64{creator: 10_000_000, counterparty: 0})
	store := &failingStore{txErr: func(ctx context.Context) error {
		t.Fatal("store must not be reached when the resolver fails")
		return nil
	}}
	svc := NewService(store, lg, &fakeResolver{err: errors.New("resolver query timeout")}, defaultParams())

	_, err := svc.Create(context.Background(), CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 5_000_000,
		Description:  "referral lookup fails before any money moves",
		TimeoutHours: 24,
		ReferralCode: "SOMECODE",
	})
	require.Error(t, err)
	require.Equal(t, KindPersistenceFailure, KindOf(err))
	require.NotEqual(t, KindLedgerFailure, KindOf(err))

	// The resolver runs before the funding debit, so no movement was
	// issued and nothing needs compensating.
	require.Empty(t, lg.debits)
	require.Empty(t, lg.credits)
	require.Equal(t, int64(10_000_000), lg.balances[creator])
}
