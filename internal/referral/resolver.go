package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver maps a referral code to the account that owns it. The code
// namespace lives with the external account system; this is only a
// lookup contract.
type Resolver interface {
	// ResolveByCode returns ok=false for unknown codes.
	ResolveByCode(ctx context.Context, code string) (uuid.UUID, bool, error)
}

// CodeResolver resolves referral codes against the wallet accounts table.
type CodeResolver struct {
	db *pgxpool.Pool
}

func NewCodeResolver(db *pgxpool.Pool) *CodeResolver {
	return &CodeResolver{db: db}
}

func (r *CodeResolver) ResolveByCode(ctx context.Context, code string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT id FROM accounts WHERE referral_code = $1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("resolve referral code: %w", err)
	}
	return id, true, nil
}
