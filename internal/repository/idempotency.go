package repository

import (
	"context"
	"fmt"
	"time"
)

// IdempotencyRow is the durable fallback record behind the redis cache.
type IdempotencyRow struct {
	Key         string
	RequestHash string
	Status      *int
	Body        []byte
	ContentType *string
	CreatedAt   time.Time
}

// GetIdempotencyKey loads a stored idempotency record.
func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyRow, error) {
	row := &IdempotencyRow{}
	err := q.db.QueryRow(ctx, `
		SELECT key, request_hash, status, body, content_type, created_at
		FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&row.Key, &row.RequestHash, &row.Status, &row.Body, &row.ContentType, &row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ReserveIdempotencyKey claims a key for an in-flight request. Returns
// false when another request holds it already.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING`,
		key, requestHash,
	)
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeIdempotencyKey stores the response for replay.
func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, key string, status int, body []byte, contentType string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE idempotency_keys SET status = $2, body = $3, content_type = $4
		WHERE key = $1`,
		key, status, body, contentType,
	)
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys removes records older than the TTL horizon.
func (q *Queries) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
