package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tasktrust/escrow-ledger/internal/domain"
)

func TestCreateEscrow(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 50_000_000,
		Description:  "design and ship the landing page",
		TimeoutHours: 48,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFunded, e.Status)
	require.Equal(t, int64(50_000_000), e.AmountMicros)
	require.Equal(t, int64(500_000), e.CommissionMicros)
	require.Nil(t, e.Referrer)
	require.Zero(t, e.ReferralCommissionMicros)
	require.Equal(t, e.CreatedAt.Add(48*time.Hour), e.AutoReleaseAt)

	// Full amount leaves the creator immediately; counterparty gets
	// nothing until release.
	require.Equal(t, int64(50_000_000), balanceOf(t, db, creator))
	require.Equal(t, int64(0), balanceOf(t, db, counterparty))

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, domain.StatusFunded, got.Status)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.ReleasedAt)
	require.Nil(t, got.DisputedAt)

	events, err := svc.Events(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventCreated, events[0].Kind)
	require.NotNil(t, events[0].Actor)
	require.Equal(t, creator, *events[0].Actor)

	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalCreated)
	require.Equal(t, int64(50_000_000), stats.VolumeMicros)
	require.Zero(t, stats.CommissionMicros)
}

func TestCreateEscrowValidation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	cases := []struct {
		name string
		req  CreateRequest
		kind Kind
	}{
		{
			name: "amount_below_minimum",
			req:  CreateRequest{Creator: creator, Counterparty: counterparty, AmountMicros: 999_999, Description: "a perfectly fine description", TimeoutHours: 24},
			kind: KindValidation,
		},
		{
			name: "description_too_short",
			req:  CreateRequest{Creator: creator, Counterparty: counterparty, AmountMicros: 5_000_000, Description: "short", TimeoutHours: 24},
			kind: KindValidation,
		},
		{
			name: "missing_counterparty",
			req:  CreateRequest{Creator: creator, AmountMicros: 5_000_000, Description: "a perfectly fine description", TimeoutHours: 24},
			kind: KindValidation,
		},
		{
			name: "self_dealing",
			req:  CreateRequest{Creator: creator, Counterparty: creator, AmountMicros: 5_000_000, Description: "a perfectly fine description", TimeoutHours: 24},
			kind: KindValidation,
		},
		{
			name: "unknown_counterparty",
			req:  CreateRequest{Creator: creator, Counterparty: uuid.New(), AmountMicros: 5_000_000, Description: "a perfectly fine description", TimeoutHours: 24},
			kind: KindNotFound,
		},
		{
			name: "unknown_creator",
			req:  CreateRequest{Creator: uuid.New(), Counterparty: counterparty, AmountMicros: 5_000_000, Description: "a perfectly fine description", TimeoutHours: 24},
			kind: KindNotFound,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.req)
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))
		})
	}

	// Nothing moved and nothing was recorded.
	require.Equal(t, int64(100_000_000), balanceOf(t, db, creator))
	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalCreated)
}

func TestCreateEscrowInsufficientFunds(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 1_000_000)
	counterparty := seedAccount(t, db, 0)

	_, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 2_000_000,
		Description:  "more than the creator can afford",
		TimeoutHours: 24,
	})
	require.Error(t, err)
	require.Equal(t, KindInsufficientFunds, KindOf(err))
	require.Equal(t, int64(1_000_000), balanceOf(t, db, creator))
}

func TestCreateEscrowTimeoutClamped(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 5_000_000,
		Description:  "timeout far beyond the maximum",
		TimeoutHours: 100_000,
	})
	require.NoError(t, err)
	require.Equal(t, e.CreatedAt.Add(720*time.Hour), e.AutoReleaseAt)

	e2, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 5_000_000,
		Description:  "zero timeout gets the floor",
		TimeoutHours: 0,
	})
	require.NoError(t, err)
	require.Equal(t, e2.CreatedAt.Add(time.Hour), e2.AutoReleaseAt)
}

func TestReferrerFromCode(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	referrer := seedAccountWithCode(t, db, 0, "FRIEND15")
	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 50_000_000,
		Description:  "escrow opened with a referral code",
		TimeoutHours: 24,
		ReferralCode: "FRIEND15",
	})
	require.NoError(t, err)
	require.NotNil(t, e.Referrer)
	require.Equal(t, referrer, *e.Referrer)
	require.Equal(t, int64(500_000), e.CommissionMicros)
	require.Equal(t, int64(75_000), e.ReferralCommissionMicros)

	// Referrer is paid only on resolution, not at creation.
	require.Zero(t, balanceOf(t, db, referrer))
}

func TestReferrerPrecedence(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	defaultReferrer := seedAccount(t, db, 0)
	codeReferrer := seedAccountWithCode(t, db, 0, "OVERRIDE")
	creator := seedAccountReferredBy(t, db, 100_000_000, defaultReferrer)
	counterparty := seedAccount(t, db, 0)

	t.Run("explicit_code_wins", func(t *testing.T) {
		e, err := svc.Create(ctx, CreateRequest{
			Creator:      creator,
			Counterparty: counterparty,
			AmountMicros: 10_000_000,
			Description:  "code should override the stored referrer",
			TimeoutHours: 24,
			ReferralCode: "OVERRIDE",
		})
		require.NoError(t, err)
		require.NotNil(t, e.Referrer)
		require.Equal(t, codeReferrer, *e.Referrer)
	})

	t.Run("stored_referrer_is_the_default", func(t *testing.T) {
		e, err := svc.Create(ctx, CreateRequest{
			Creator:      creator,
			Counterparty: counterparty,
			AmountMicros: 10_000_000,
			Description:  "no code falls back to referred_by",
			TimeoutHours: 24,
		})
		require.NoError(t, err)
		require.NotNil(t, e.Referrer)
		require.Equal(t, defaultReferrer, *e.Referrer)
	})

	t.Run("unknown_code_falls_back", func(t *testing.T) {
		e, err := svc.Create(ctx, CreateRequest{
			Creator:      creator,
			Counterparty: counterparty,
			AmountMicros: 10_000_000,
			Description:  "bogus code falls back to referred_by",
			TimeoutHours: 24,
			ReferralCode: "NO-SUCH-CODE",
		})
		require.NoError(t, err)
		require.NotNil(t, e.Referrer)
		require.Equal(t, defaultReferrer, *e.Referrer)
	})
}

func TestSelfReferralIgnored(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccountWithCode(t, db, 100_000_000, "MYSELF")
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "creator using their own referral code",
		TimeoutHours: 24,
		ReferralCode: "MYSELF",
	})
	require.NoError(t, err)
	require.Nil(t, e.Referrer)
	require.Zero(t, e.ReferralCommissionMicros)
}

func TestMarkComplete(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "work to be marked complete",
		TimeoutHours: 24,
	})
	require.NoError(t, err)

	// Only the counterparty may complete.
	_, err = svc.MarkComplete(ctx, e.ID, creator)
	require.Equal(t, KindForbidden, KindOf(err))

	got, err := svc.MarkComplete(ctx, e.ID, counterparty)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Repeating is an explicit invalid-state error, never a silent
	// success.
	_, err = svc.MarkComplete(ctx, e.ID, counterparty)
	require.Equal(t, KindInvalidState, KindOf(err))

	// No funds move on completion.
	require.Equal(t, int64(90_000_000), balanceOf(t, db, creator))
	require.Zero(t, balanceOf(t, db, counterparty))
}

func TestRelease(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	referrer := seedAccountWithCode(t, db, 0, "REL15")
	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 50_000_000,
		Description:  "escrow to release with a referrer",
		TimeoutHours: 24,
		ReferralCode: "REL15",
	})
	require.NoError(t, err)

	// Only the creator may release.
	_, err = svc.Release(ctx, e.ID, counterparty)
	require.Equal(t, KindForbidden, KindOf(err))
	_, err = svc.Release(ctx, e.ID, uuid.New())
	require.Equal(t, KindForbidden, KindOf(err))

	got, err := svc.Release(ctx, e.ID, creator)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReleased, got.Status)
	require.NotNil(t, got.ReleasedAt)

	// Counterparty gets amount minus commission; referrer gets the
	// referral cut; the house share simply never leaves the system.
	require.Equal(t, int64(50_000_000), balanceOf(t, db, creator))
	require.Equal(t, int64(49_500_000), balanceOf(t, db, counterparty))
	require.Equal(t, int64(75_000), balanceOf(t, db, referrer))

	// Released is terminal.
	_, err = svc.Release(ctx, e.ID, creator)
	require.Equal(t, KindInvalidState, KindOf(err))
	_, err = svc.MarkComplete(ctx, e.ID, counterparty)
	require.Equal(t, KindInvalidState, KindOf(err))
	_, err = svc.Dispute(ctx, e.ID, creator, "too late")
	require.Equal(t, KindInvalidState, KindOf(err))

	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalReleased)
	require.Equal(t, int64(500_000), stats.CommissionMicros)

	events, err := svc.Events(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventCreated, events[0].Kind)
	require.Equal(t, domain.EventReleased, events[1].Kind)
}

func TestReleaseAfterComplete(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "complete then release flow",
		TimeoutHours: 24,
	})
	require.NoError(t, err)

	_, err = svc.MarkComplete(ctx, e.ID, counterparty)
	require.NoError(t, err)

	got, err := svc.Release(ctx, e.ID, creator)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReleased, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, int64(9_900_000), balanceOf(t, db, counterparty))
}

func TestDispute(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, clock := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "escrow heading for a dispute",
		TimeoutHours: 24,
	})
	require.NoError(t, err)

	_, err = svc.Dispute(ctx, e.ID, creator, "")
	require.Equal(t, KindValidation, KindOf(err))

	_, err = svc.Dispute(ctx, e.ID, uuid.New(), "not my escrow")
	require.Equal(t, KindForbidden, KindOf(err))

	got, err := svc.Dispute(ctx, e.ID, counterparty, "work never specified properly")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDisputed, got.Status)
	require.NotNil(t, got.DisputedAt)

	// Disputed blocks release and the timeout refund, and no funds move.
	_, err = svc.Release(ctx, e.ID, creator)
	require.Equal(t, KindInvalidState, KindOf(err))

	clock.Advance(48 * time.Hour)
	_, err = svc.AutoRefund(ctx, e.ID)
	require.Equal(t, KindInvalidState, KindOf(err))

	require.Equal(t, int64(90_000_000), balanceOf(t, db, creator))
	require.Zero(t, balanceOf(t, db, counterparty))

	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalDisputed)

	events, err := svc.Events(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EventDisputed, events[len(events)-1].Kind)
	require.Equal(t, "work never specified properly", events[len(events)-1].Note)
}

func TestAutoRefund(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, clock := newTestService(db)
	ctx := context.Background()

	referrer := seedAccountWithCode(t, db, 0, "TIMEOUT15")
	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 50_000_000,
		Description:  "escrow that will time out",
		TimeoutHours: 24,
		ReferralCode: "TIMEOUT15",
	})
	require.NoError(t, err)

	// Not due yet.
	_, err = svc.AutoRefund(ctx, e.ID)
	require.Equal(t, KindInvalidState, KindOf(err))

	clock.Advance(25 * time.Hour)
	got, err := svc.AutoRefund(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRefunded, got.Status)
	require.NotNil(t, got.ReleasedAt)

	// Creator gets the amount back net of commission; the referrer is
	// paid on timeout just as on release.
	require.Equal(t, int64(99_500_000), balanceOf(t, db, creator))
	require.Zero(t, balanceOf(t, db, counterparty))
	require.Equal(t, int64(75_000), balanceOf(t, db, referrer))

	// Refunded is terminal.
	_, err = svc.AutoRefund(ctx, e.ID)
	require.Equal(t, KindInvalidState, KindOf(err))
	_, err = svc.Release(ctx, e.ID, creator)
	require.Equal(t, KindInvalidState, KindOf(err))

	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalRefunded)
	require.Equal(t, int64(500_000), stats.CommissionMicros)

	events, err := svc.Events(ctx, e.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, domain.EventAutoRefunded, last.Kind)
	require.Nil(t, last.Actor)
}

func TestReleaseRefundMutualExclusion(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, clock := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	e, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "release racing the timeout refund",
		TimeoutHours: 24,
	})
	require.NoError(t, err)

	// Past the deadline both paths are eligible; whichever claims the
	// guarded transition first wins and the other must observe
	// invalid_state, never a double payout.
	clock.Advance(25 * time.Hour)

	_, err = svc.Release(ctx, e.ID, creator)
	require.NoError(t, err)

	_, err = svc.AutoRefund(ctx, e.ID)
	require.Equal(t, KindInvalidState, KindOf(err))

	require.Equal(t, int64(90_000_000), balanceOf(t, db, creator))
	require.Equal(t, int64(9_900_000), balanceOf(t, db, counterparty))

	stats, err := svc.PublicStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalReleased)
	require.Zero(t, stats.TotalRefunded)
}

func TestSweepExpired(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, clock := newTestService(db)
	ctx := context.Background()

	creator := seedAccount(t, db, 100_000_000)
	counterparty := seedAccount(t, db, 0)

	mk := func(desc string) uuid.UUID {
		e, err := svc.Create(ctx, CreateRequest{
			Creator:      creator,
			Counterparty: counterparty,
			AmountMicros: 10_000_000,
			Description:  desc,
			TimeoutHours: 1,
		})
		require.NoError(t, err)
		return e.ID
	}

	expired1 := mk("first overdue escrow for sweep")
	expired2 := mk("second overdue escrow for sweep")
	disputed := mk("disputed escrow the sweep must skip")
	_, err := svc.Dispute(ctx, disputed, creator, "frozen pending resolution")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, err := svc.Create(ctx, CreateRequest{
		Creator:      creator,
		Counterparty: counterparty,
		AmountMicros: 10_000_000,
		Description:  "fresh escrow not yet due",
		TimeoutHours: 24,
	})
	require.NoError(t, err)

	refunded, err := svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, refunded)

	for _, id := range []uuid.UUID{expired1, expired2} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusRefunded, got.Status)
	}
	got, err := svc.Get(ctx, disputed)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDisputed, got.Status)
	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFunded, got.Status)

	// Level-triggered: a second sweep finds nothing left to do.
	refunded, err = svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, refunded)
}

func TestGetUnknownEscrow(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	svc, _ := newTestService(db)
	ctx := context.Background()

	_, err := svc.Get(ctx, uuid.New())
	require.Equal(t, KindNotFound, KindOf(err))
	_, err = svc.Events(ctx, uuid.New())
	require.Equal(t, KindNotFound, KindOf(err))
	_, err = svc.MarkComplete(ctx, uuid.New(), uuid.New())
	require.Equal(t, KindNotFound, KindOf(err))
}
