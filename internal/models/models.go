package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow is the central entity: a locked-fund agreement between a
// creator and a counterparty. Amounts are int64 micros. Amount,
// commission, referrer and referral commission are fixed at creation.
type Escrow struct {
	ID                       uuid.UUID  `json:"id"`
	Creator                  uuid.UUID  `json:"creator"`
	Counterparty             uuid.UUID  `json:"counterparty"`
	AmountMicros             int64      `json:"amount_micros"`
	CommissionMicros         int64      `json:"commission_micros"`
	Referrer                 *uuid.UUID `json:"referrer,omitempty"`
	ReferralCommissionMicros int64      `json:"referral_commission_micros"`
	Description              string     `json:"description"`
	Status                   string     `json:"status"`
	CreatedAt                time.Time  `json:"created_at"`
	AutoReleaseAt            time.Time  `json:"auto_release_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	ReleasedAt               *time.Time `json:"released_at,omitempty"`
	DisputedAt               *time.Time `json:"disputed_at,omitempty"`
}

// EscrowEvent is an append-only audit entry. Actor is nil for
// system-triggered events (the auto-release sweeper).
type EscrowEvent struct {
	ID        int64      `json:"id"`
	EscrowID  uuid.UUID  `json:"escrow_id"`
	Kind      string     `json:"kind"`
	Actor     *uuid.UUID `json:"actor,omitempty"`
	Note      string     `json:"note"`
	CreatedAt time.Time  `json:"created_at"`
}

// Stats is the single running aggregate counter row. All fields are
// monotonically non-decreasing.
type Stats struct {
	TotalCreated     int64 `json:"total_created"`
	TotalReleased    int64 `json:"total_released"`
	TotalRefunded    int64 `json:"total_refunded"`
	TotalDisputed    int64 `json:"total_disputed"`
	VolumeMicros     int64 `json:"volume_micros"`
	CommissionMicros int64 `json:"commission_micros"`
}

// StatsDelta is applied to the stats row as atomic increments inside the
// transaction that commits the triggering transition.
type StatsDelta struct {
	Created          int64
	Released         int64
	Refunded         int64
	Disputed         int64
	VolumeMicros     int64
	CommissionMicros int64
}
