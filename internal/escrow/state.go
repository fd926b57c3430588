package escrow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tasktrust/escrow-ledger/internal/domain"
	"github.com/tasktrust/escrow-ledger/internal/models"
)

// escrowTransitions maps each status to the statuses it may move to.
// Terminal statuses map to an empty set; disputed permits no automated
// transition and blocks both release and refund.
var escrowTransitions = map[string]map[string]struct{}{
	domain.StatusFunded: {
		domain.StatusCompleted: {},
		domain.StatusReleased:  {},
		domain.StatusDisputed:  {},
		domain.StatusRefunded:  {},
	},
	domain.StatusCompleted: {
		domain.StatusReleased: {},
		domain.StatusDisputed: {},
		domain.StatusRefunded: {},
	},
	domain.StatusDisputed: {},
	domain.StatusReleased: {},
	domain.StatusRefunded: {},
}

// CanTransition reports whether the status change is legal.
func CanTransition(current, next string) bool {
	nextStates, ok := escrowTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// terminal reports whether a status permits no further transition at all.
func terminal(status string) bool {
	return len(escrowTransitions[status]) == 0
}

// actorRole names the party attempting a transition.
type actorRole int

const (
	roleNone actorRole = iota
	roleCreator
	roleCounterparty
)

func roleOf(e *models.Escrow, actor uuid.UUID) actorRole {
	switch actor {
	case e.Creator:
		return roleCreator
	case e.Counterparty:
		return roleCounterparty
	default:
		return roleNone
	}
}

// Split is the commission breakdown fixed at creation and applied on
// release or timeout refund.
type Split struct {
	CommissionMicros         int64
	ReferralCommissionMicros int64
}

// houseMicros is the share the house retains: commission minus the
// referral cut.
func (s Split) houseMicros() int64 {
	return s.CommissionMicros - s.ReferralCommissionMicros
}

// NetMicros is the amount paid out net of commission, to the
// counterparty on release or back to the creator on timeout refund.
func (s Split) NetMicros(amountMicros int64) int64 {
	return amountMicros - s.CommissionMicros
}

// ComputeSplit derives the commission split for a new escrow. The
// referral cut is zero when there is no referrer. Invariant:
// 0 <= referral commission <= commission <= amount.
func ComputeSplit(amountMicros int64, commissionRate, referralRate decimal.Decimal, hasReferrer bool) Split {
	commission := domain.ApplyRate(amountMicros, commissionRate)
	if commission > amountMicros {
		commission = amountMicros
	}
	split := Split{CommissionMicros: commission}
	if hasReferrer {
		referral := domain.ApplyRate(commission, referralRate)
		if referral > commission {
			referral = commission
		}
		split.ReferralCommissionMicros = referral
	}
	return split
}

// ClampTimeout bounds the requested timeout to [1h, max].
func ClampTimeout(hours int, maxHours int) time.Duration {
	if hours < 1 {
		hours = 1
	}
	if hours > maxHours {
		hours = maxHours
	}
	return time.Duration(hours) * time.Hour
}
