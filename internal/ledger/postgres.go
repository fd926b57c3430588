package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasktrust/escrow-ledger/internal/domain"
)

// WalletLedger is a Postgres-backed Ledger adapter over the wallet
// accounts table. Each movement is recorded under its idempotency key;
// a duplicate key makes the call a no-op rather than a double apply.
type WalletLedger struct {
	db *pgxpool.Pool
}

func NewWalletLedger(db *pgxpool.Pool) *WalletLedger {
	return &WalletLedger{db: db}
}

func (l *WalletLedger) Lookup(ctx context.Context, accountID uuid.UUID) (*AccountInfo, error) {
	info := &AccountInfo{ID: accountID}
	err := l.db.QueryRow(ctx, `
		SELECT balance_micros, referral_code, referred_by
		FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&info.BalanceMicros, &info.ReferralCode, &info.ReferredBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return info, nil
}

func (l *WalletLedger) Debit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) (bool, error) {
	if micros <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %d", micros)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := recordMovement(ctx, tx, accountID, micros, domain.DirectionDebit, reason, idempotencyKey)
	if err != nil {
		return false, err
	}
	if !applied {
		// Duplicate delivery of an already-applied debit.
		return true, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance_micros = balance_micros - $1
		WHERE id = $2 AND balance_micros >= $1`,
		micros, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("apply debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Insufficient funds (or unknown account). Rolling back also
		// discards the movement record.
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit debit: %w", err)
	}
	return true, nil
}

func (l *WalletLedger) Credit(ctx context.Context, accountID uuid.UUID, micros int64, reason, idempotencyKey string) error {
	if micros <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", micros)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := recordMovement(ctx, tx, accountID, micros, domain.DirectionCredit, reason, idempotencyKey)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance_micros = balance_micros + $1
		WHERE id = $2`,
		micros, accountID,
	)
	if err != nil {
		return fmt.Errorf("apply credit: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("apply credit: account %s not found", accountID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

// recordMovement inserts the movement row keyed by the idempotency key.
// Returns false when the key already exists.
func recordMovement(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, micros int64, direction, reason, idempotencyKey string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_movements (idempotency_key, account_id, amount_micros, direction, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, accountID, micros, direction, reason,
	)
	if err != nil {
		return false, fmt.Errorf("record ledger movement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
