package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tasktrust/escrow-ledger/internal/domain"
	"github.com/tasktrust/escrow-ledger/internal/ledger"
	"github.com/tasktrust/escrow-ledger/internal/models"
	"github.com/tasktrust/escrow-ledger/internal/observability"
	"github.com/tasktrust/escrow-ledger/internal/referral"
	"github.com/tasktrust/escrow-ledger/internal/repository"
)

// QueryStore defines the minimal data access contract required by the
// escrow service.
type QueryStore interface {
	Queries() *repository.Queries
	RunInTx(ctx context.Context, fn func(q *repository.Queries) error) error
}

// Params are the policy knobs fixed per deployment.
type Params struct {
	CommissionRate    decimal.Decimal
	ReferralRate      decimal.Decimal
	MinAmountMicros   int64
	MinDescriptionLen int
	MaxTimeoutHours   int
}

// Service implements the escrow ledger core: guarded transitions over
// the durable store plus balance movements against the external ledger.
type Service struct {
	store     QueryStore
	ledger    ledger.Ledger
	referrals referral.Resolver
	params    Params
	now       func() time.Time
}

func NewService(store QueryStore, lg ledger.Ledger, rr referral.Resolver, params Params) *Service {
	return &Service{
		store:     store,
		ledger:    lg,
		referrals: rr,
		params:    params,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests and the sweeper.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Ledger idempotency keys: one per logical movement per escrow. The
// referral key is shared between release and refund on purpose — the
// guarded transition guarantees only one of the two ever runs, and a
// shared key means even a misbehaving retry cannot pay the referrer
// twice.
func fundKey(id uuid.UUID) string         { return "escrow:fund:" + id.String() }
func fundReversalKey(id uuid.UUID) string { return "escrow:fund-reversal:" + id.String() }
func payoutKey(id uuid.UUID) string       { return "escrow:payout:" + id.String() }
func refundKey(id uuid.UUID) string       { return "escrow:refund:" + id.String() }
func referralKey(id uuid.UUID) string     { return "escrow:referral:" + id.String() }

// CreateRequest holds the parameters for opening an escrow.
type CreateRequest struct {
	Creator      uuid.UUID
	Counterparty uuid.UUID
	AmountMicros int64
	Description  string
	TimeoutHours int
	ReferralCode string
}

// Create validates the request, debits the creator, and durably records
// the new escrow in status funded. The debit happens before the record
// is persisted; if persistence fails the debit is reversed by
// compensateFundingDebit — that compensation is a correctness contract,
// not optional cleanup.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Escrow, error) {
	if req.AmountMicros < s.params.MinAmountMicros {
		return nil, newError(KindValidation, "amount must be at least %s", domain.FormatMicros(s.params.MinAmountMicros))
	}
	description := strings.TrimSpace(req.Description)
	if len(description) < s.params.MinDescriptionLen {
		return nil, newError(KindValidation, "description must be at least %d characters", s.params.MinDescriptionLen)
	}
	if req.Counterparty == uuid.Nil {
		return nil, newError(KindValidation, "counterparty is required")
	}
	if req.Counterparty == req.Creator {
		return nil, newError(KindValidation, "counterparty must be distinct from creator")
	}

	creatorInfo, err := s.ledger.Lookup(ctx, req.Creator)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, newError(KindNotFound, "creator account %s not found", req.Creator)
		}
		return nil, wrapError(KindLedgerFailure, err, "lookup creator account")
	}
	if _, err := s.ledger.Lookup(ctx, req.Counterparty); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, newError(KindNotFound, "counterparty account %s not found", req.Counterparty)
		}
		return nil, wrapError(KindLedgerFailure, err, "lookup counterparty account")
	}
	if creatorInfo.BalanceMicros < req.AmountMicros {
		return nil, newError(KindInsufficientFunds, "creator balance %s below escrow amount %s",
			domain.FormatMicros(creatorInfo.BalanceMicros), domain.FormatMicros(req.AmountMicros))
	}

	referrer, err := s.resolveReferrer(ctx, req.Creator, creatorInfo, req.ReferralCode)
	if err != nil {
		return nil, err
	}

	split := ComputeSplit(req.AmountMicros, s.params.CommissionRate, s.params.ReferralRate, referrer != nil)

	now := s.now().UTC()
	e := &models.Escrow{
		ID:                       uuid.New(),
		Creator:                  req.Creator,
		Counterparty:             req.Counterparty,
		AmountMicros:             req.AmountMicros,
		CommissionMicros:         split.CommissionMicros,
		Referrer:                 referrer,
		ReferralCommissionMicros: split.ReferralCommissionMicros,
		Description:              description,
		Status:                   domain.StatusFunded,
		CreatedAt:                now,
		AutoReleaseAt:            now.Add(ClampTimeout(req.TimeoutHours, s.params.MaxTimeoutHours)),
	}

	ok, err := s.ledger.Debit(ctx, req.Creator, req.AmountMicros, domain.ReasonEscrowFund, fundKey(e.ID))
	if err != nil {
		return nil, s.escalate(wrapError(KindLedgerFailure, err, "debit creator for escrow %s", e.ID), e, "create")
	}
	if !ok {
		return nil, newError(KindInsufficientFunds, "creator balance below escrow amount %s", domain.FormatMicros(req.AmountMicros))
	}

	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		if err := q.InsertEscrow(ctx, e); err != nil {
			return err
		}
		if err := q.AppendEvent(ctx, &models.EscrowEvent{
			EscrowID: e.ID,
			Kind:     domain.EventCreated,
			Actor:    &e.Creator,
			Note:     description,
		}); err != nil {
			return err
		}
		return q.BumpStats(ctx, models.StatsDelta{Created: 1, VolumeMicros: e.AmountMicros})
	})
	if err != nil {
		s.compensateFundingDebit(ctx, e)
		return nil, s.escalate(wrapError(KindPersistenceFailure, err, "persist escrow %s after debit", e.ID), e, "create")
	}

	observability.IncrementEscrowTransition(domain.StatusFunded, "applied")
	return e, nil
}

// resolveReferrer applies the precedence rule: an explicit referral code
// that resolves to an account other than the creator wins over the
// creator's stored default referrer.
func (s *Service) resolveReferrer(ctx context.Context, creator uuid.UUID, creatorInfo *ledger.AccountInfo, code string) (*uuid.UUID, error) {
	if code = strings.TrimSpace(code); code != "" {
		id, ok, err := s.referrals.ResolveByCode(ctx, code)
		if err != nil {
			// The resolver is a store-backed collaborator, not the
			// balance ledger; misfiling this as a ledger incident
			// would point operators at the wrong system.
			return nil, wrapError(KindPersistenceFailure, err, "resolve referral code")
		}
		if ok && id != creator {
			return &id, nil
		}
	}
	if creatorInfo.ReferredBy != nil && *creatorInfo.ReferredBy != creator {
		ref := *creatorInfo.ReferredBy
		return &ref, nil
	}
	return nil, nil
}

// compensateFundingDebit is the single compensating action of the
// creation saga: an equal-and-opposite credit reversing the funding
// debit when the record could not be persisted. A failure here leaves
// real money missing and is logged at the highest severity with full
// context for operator intervention.
//
// The persist failure that triggers it is often a canceled request
// context; the reversal runs on a detached context with its own
// deadline so cancellation cannot kill the recovery step.
func (s *Service) compensateFundingDebit(ctx context.Context, e *models.Escrow) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := s.ledger.Credit(ctx, e.Creator, e.AmountMicros, domain.ReasonEscrowFundReversal, fundReversalKey(e.ID))
	if err != nil {
		observability.IncrementFundingCompensation("failed")
		zap.L().Error("CRITICAL: funding debit compensation failed; creator balance is short",
			zap.String("escrow_id", e.ID.String()),
			zap.String("creator", e.Creator.String()),
			zap.Int64("amount_micros", e.AmountMicros),
			zap.Error(err),
		)
		return
	}
	observability.IncrementFundingCompensation("reversed")
	zap.L().Warn("funding debit reversed after persistence failure",
		zap.String("escrow_id", e.ID.String()),
		zap.Int64("amount_micros", e.AmountMicros),
	)
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	e, err := s.store.Queries().GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(KindNotFound, "escrow %s not found", id)
		}
		return nil, wrapError(KindPersistenceFailure, err, "get escrow %s", id)
	}
	return e, nil
}

// Events returns the append-only event log for an escrow in creation
// order.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]models.EscrowEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.Queries().ListEvents(ctx, id)
	if err != nil {
		return nil, wrapError(KindPersistenceFailure, err, "list events for escrow %s", id)
	}
	return events, nil
}

// MarkComplete records that the counterparty finished the work. Legal
// only from funded; repeating the call yields an explicit invalid-state
// error, never a silent success.
func (s *Service) MarkComplete(ctx context.Context, id, actor uuid.UUID) (*models.Escrow, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != e.Counterparty {
		return nil, newError(KindForbidden, "only the counterparty may mark an escrow complete")
	}
	if !CanTransition(e.Status, domain.StatusCompleted) {
		return nil, newError(KindInvalidState, "cannot complete escrow in status %s", e.Status)
	}

	now := s.now().UTC()
	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.TransitionEscrow(ctx, repository.TransitionEscrowParams{
			ID:              id,
			FromStatuses:    []string{domain.StatusFunded},
			ToStatus:        domain.StatusCompleted,
			TimestampColumn: "completed_at",
			At:              now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return newError(KindInvalidState, "escrow %s already transitioned", id)
		}
		return q.AppendEvent(ctx, &models.EscrowEvent{
			EscrowID: id,
			Kind:     domain.EventCompleted,
			Actor:    &actor,
			Note:     "counterparty marked work complete",
		})
	})
	if err != nil {
		return nil, s.storeErr(err, id, "mark complete")
	}

	observability.IncrementEscrowTransition(domain.StatusCompleted, "applied")
	return s.Get(ctx, id)
}

// Release pays the escrow out: net amount to the counterparty, referral
// cut to the referrer, house share retained implicitly. Only the creator
// may release, from funded or completed. The guarded transition is the
// claim: it commits first, then credits are issued. Credits are forward
// only — a failure after the claim is escalated, never unwound.
func (s *Service) Release(ctx context.Context, id, actor uuid.UUID) (*models.Escrow, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != e.Creator {
		return nil, newError(KindForbidden, "only the creator may release an escrow")
	}
	if !CanTransition(e.Status, domain.StatusReleased) {
		return nil, newError(KindInvalidState, "cannot release escrow in status %s", e.Status)
	}

	split := Split{CommissionMicros: e.CommissionMicros, ReferralCommissionMicros: e.ReferralCommissionMicros}
	now := s.now().UTC()
	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.TransitionEscrow(ctx, repository.TransitionEscrowParams{
			ID:              id,
			FromStatuses:    []string{domain.StatusFunded, domain.StatusCompleted},
			ToStatus:        domain.StatusReleased,
			TimestampColumn: "released_at",
			At:              now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return newError(KindInvalidState, "escrow %s already transitioned", id)
		}
		if err := q.AppendEvent(ctx, &models.EscrowEvent{
			EscrowID: id,
			Kind:     domain.EventReleased,
			Actor:    &actor,
			Note:     fmt.Sprintf("released %s to counterparty", domain.FormatMicros(split.NetMicros(e.AmountMicros))),
		}); err != nil {
			return err
		}
		return q.BumpStats(ctx, models.StatsDelta{Released: 1, CommissionMicros: e.CommissionMicros})
	})
	if err != nil {
		return nil, s.storeErr(err, id, "release")
	}
	observability.IncrementEscrowTransition(domain.StatusReleased, "applied")

	if err := s.creditOnRelease(ctx, e, split); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// creditOnRelease issues the post-claim credits for a released escrow.
func (s *Service) creditOnRelease(ctx context.Context, e *models.Escrow, split Split) error {
	net := split.NetMicros(e.AmountMicros)
	if err := s.ledger.Credit(ctx, e.Counterparty, net, domain.ReasonEscrowPayout, payoutKey(e.ID)); err != nil {
		return s.escalate(wrapError(KindLedgerFailure, err, "credit counterparty %s for escrow %s",
			e.Counterparty, e.ID), e, "release")
	}
	return s.creditReferrer(ctx, e, "release")
}

// creditReferrer pays the referral cut if one exists. The referrer is
// paid on both release and timeout refund.
func (s *Service) creditReferrer(ctx context.Context, e *models.Escrow, op string) error {
	if e.Referrer == nil || e.ReferralCommissionMicros <= 0 {
		return nil
	}
	err := s.ledger.Credit(ctx, *e.Referrer, e.ReferralCommissionMicros, domain.ReasonReferralCommission, referralKey(e.ID))
	if err != nil {
		return s.escalate(wrapError(KindLedgerFailure, err, "credit referrer %s for escrow %s",
			*e.Referrer, e.ID), e, op)
	}
	return nil
}

// Dispute freezes the escrow pending manual resolution. Either
// participant may raise it from funded or completed. No funds move.
func (s *Service) Dispute(ctx context.Context, id, actor uuid.UUID, reason string) (*models.Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newError(KindValidation, "dispute reason is required")
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if roleOf(e, actor) == roleNone {
		return nil, newError(KindForbidden, "only escrow participants may dispute")
	}
	if !CanTransition(e.Status, domain.StatusDisputed) {
		return nil, newError(KindInvalidState, "cannot dispute escrow in status %s", e.Status)
	}

	now := s.now().UTC()
	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.TransitionEscrow(ctx, repository.TransitionEscrowParams{
			ID:              id,
			FromStatuses:    []string{domain.StatusFunded, domain.StatusCompleted},
			ToStatus:        domain.StatusDisputed,
			TimestampColumn: "disputed_at",
			At:              now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return newError(KindInvalidState, "escrow %s already transitioned", id)
		}
		if err := q.AppendEvent(ctx, &models.EscrowEvent{
			EscrowID: id,
			Kind:     domain.EventDisputed,
			Actor:    &actor,
			Note:     reason,
		}); err != nil {
			return err
		}
		return q.BumpStats(ctx, models.StatsDelta{Disputed: 1})
	})
	if err != nil {
		return nil, s.storeErr(err, id, "dispute")
	}

	observability.IncrementEscrowTransition(domain.StatusDisputed, "applied")
	return s.Get(ctx, id)
}

// AutoRefund is the system-only timeout transition: the creator gets the
// amount back net of commission — the house and referrer keep their
// share even on timeout. Legal from funded or completed once the
// deadline has passed.
func (s *Service) AutoRefund(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.Before(e.AutoReleaseAt) {
		return nil, newError(KindInvalidState, "escrow %s is not due until %s", id, e.AutoReleaseAt.Format(time.RFC3339))
	}
	if !CanTransition(e.Status, domain.StatusRefunded) {
		return nil, newError(KindInvalidState, "cannot refund escrow in status %s", e.Status)
	}

	split := Split{CommissionMicros: e.CommissionMicros, ReferralCommissionMicros: e.ReferralCommissionMicros}
	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.TransitionEscrow(ctx, repository.TransitionEscrowParams{
			ID:              id,
			FromStatuses:    []string{domain.StatusFunded, domain.StatusCompleted},
			ToStatus:        domain.StatusRefunded,
			TimestampColumn: "released_at",
			At:              now,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return newError(KindInvalidState, "escrow %s already transitioned", id)
		}
		if err := q.AppendEvent(ctx, &models.EscrowEvent{
			EscrowID: id,
			Kind:     domain.EventAutoRefunded,
			Actor:    nil,
			Note:     "auto-release deadline elapsed",
		}); err != nil {
			return err
		}
		return q.BumpStats(ctx, models.StatsDelta{Refunded: 1, CommissionMicros: e.CommissionMicros})
	})
	if err != nil {
		return nil, s.storeErr(err, id, "auto refund")
	}
	observability.IncrementEscrowTransition(domain.StatusRefunded, "applied")

	net := split.NetMicros(e.AmountMicros)
	if err := s.ledger.Credit(ctx, e.Creator, net, domain.ReasonEscrowRefund, refundKey(e.ID)); err != nil {
		return nil, s.escalate(wrapError(KindLedgerFailure, err, "credit creator %s for escrow %s refund",
			e.Creator, e.ID), e, "auto refund")
	}
	if err := s.creditReferrer(ctx, e, "auto refund"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// PublicStats returns the running aggregate counters.
func (s *Service) PublicStats(ctx context.Context) (*models.Stats, error) {
	stats, err := s.store.Queries().GetStats(ctx)
	if err != nil {
		return nil, wrapError(KindPersistenceFailure, err, "read stats")
	}
	return stats, nil
}

// SweepExpired refunds every unresolved escrow whose deadline has
// passed. Each candidate is processed independently: one failure is
// logged and the batch continues.
func (s *Service) SweepExpired(ctx context.Context, batchSize int32) (int, error) {
	ids, err := s.store.Queries().ListExpiredEscrows(ctx, s.now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired escrows: %w", err)
	}

	refunded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return refunded, err
		}
		if _, err := s.AutoRefund(ctx, id); err != nil {
			if KindOf(err) == KindInvalidState {
				// Lost the race to a concurrent release/dispute.
				zap.L().Debug("sweep candidate already transitioned", zap.String("escrow_id", id.String()))
				continue
			}
			zap.L().Error("auto refund failed", zap.String("escrow_id", id.String()), zap.Error(err))
			continue
		}
		refunded++
	}
	return refunded, nil
}

// storeErr normalizes errors surfacing from a RunInTx closure: typed
// escrow errors pass through, anything else is a persistence failure.
func (s *Service) storeErr(err error, id uuid.UUID, op string) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	wrapped := wrapError(KindPersistenceFailure, err, "%s escrow %s", op, id)
	zap.L().Error("escrow store write failed",
		zap.String("escrow_id", id.String()),
		zap.String("operation", op),
		zap.Error(err),
	)
	return wrapped
}

// escalate logs an operational incident with full context before
// returning it. Ledger and persistence failures may leave the record and
// ledger inconsistent and must never be silently swallowed.
func (s *Service) escalate(err *Error, e *models.Escrow, op string) *Error {
	observability.IncrementEscrowTransition(e.Status, "incident")
	zap.L().Error("escrow operational incident",
		zap.String("escrow_id", e.ID.String()),
		zap.String("operation", op),
		zap.String("kind", string(err.Kind)),
		zap.Int64("amount_micros", e.AmountMicros),
		zap.Int64("commission_micros", e.CommissionMicros),
		zap.Error(err),
	)
	return err
}
