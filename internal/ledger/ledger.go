package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrAccountNotFound is returned by Lookup for unknown accounts.
var ErrAccountNotFound = errors.New("account not found")

// AccountInfo is the ledger's view of a participant account.
type AccountInfo struct {
	ID            uuid.UUID  `json:"id"`
	BalanceMicros int64      `json:"balance_micros"`
	ReferralCode  *string    `json:"referral_code,omitempty"`
	ReferredBy    *uuid.UUID `json:"referred_by,omitempty"`
}

// Ledger is the external balance ledger collaborator. Debit and Credit
// are atomic and independently durable. The idempotency key is supplied
// by the caller and must be unique per logical movement so duplicate
// delivery of the same command never double-applies.
type Ledger interface {
	Lookup(ctx context.Context, accountID uuid.UUID) (*AccountInfo, error)

	// Debit returns false on insufficient funds and never partially
	// applies.
	Debit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) (bool, error)

	// Credit is expected to succeed absent catastrophic failure.
	Credit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) error
}
