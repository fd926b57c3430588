package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tasktrust/escrow-ledger/internal/repository"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key body mismatch")
	ErrInProgress   = errors.New("idempotency key in progress")
)

const (
	redisKeyPrefix = "idempotency"
	waitPoll       = 100 * time.Millisecond
	waitBudget     = 2 * time.Second
)

// Record is a finalized response stored for replay.
type Record struct {
	Key         string
	RequestHash string
	Status      int
	Body        []byte
	ContentType string
	ServedBy    string
}

// Store caches idempotent responses in redis with a durable Postgres
// fallback so replays survive a cache flush.
type Store struct {
	redis   redis.Cmdable
	queries *repository.Queries
	ttl     time.Duration
}

func NewStore(rdb redis.Cmdable, queries *repository.Queries, ttl time.Duration) *Store {
	return &Store{redis: rdb, queries: queries, ttl: ttl}
}

type cacheEnvelope struct {
	Key         string `json:"key"`
	Hash        string `json:"hash"`
	Done        bool   `json:"done"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

func redisKey(key string) string {
	return redisKeyPrefix + ":" + key
}

// Lookup returns the stored response for a key, ErrInProgress while the
// original request is still running, or ErrHashMismatch when the same
// key arrives with a different request body.
func (s *Store) Lookup(ctx context.Context, key, requestHash string) (*Record, error) {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, redisKey(key)).Result()
		if err == nil {
			var env cacheEnvelope
			if json.Unmarshal([]byte(val), &env) == nil {
				if env.Hash != requestHash {
					return nil, ErrHashMismatch
				}
				if !env.Done {
					return nil, ErrInProgress
				}
				return &Record{
					Key:         env.Key,
					RequestHash: env.Hash,
					Status:      env.Status,
					Body:        env.Body,
					ContentType: env.ContentType,
					ServedBy:    "redis",
				}, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			zap.L().Warn("redis idempotency lookup failed", zap.Error(err))
		}
	}

	row, err := s.queries.GetIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if row.RequestHash != requestHash {
		return nil, ErrHashMismatch
	}
	if row.Status == nil {
		return nil, ErrInProgress
	}
	contentType := "application/json"
	if row.ContentType != nil {
		contentType = *row.ContentType
	}
	return &Record{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		Status:      *row.Status,
		Body:        row.Body,
		ContentType: contentType,
		ServedBy:    "postgres",
	}, nil
}

// Reserve claims a key for the in-flight request. Returns false when a
// concurrent request already holds it.
func (s *Store) Reserve(ctx context.Context, key, requestHash string) (bool, error) {
	reserved, err := s.queries.ReserveIdempotencyKey(ctx, key, requestHash)
	if err != nil {
		return false, err
	}
	if !reserved {
		return false, nil
	}
	if s.redis != nil {
		env := cacheEnvelope{Key: key, Hash: requestHash}
		if payload, err := json.Marshal(env); err == nil {
			if err := s.redis.SetNX(ctx, redisKey(key), payload, s.ttl).Err(); err != nil {
				zap.L().Warn("redis idempotency reserve failed", zap.Error(err))
			}
		}
	}
	return true, nil
}

// Finalize stores the response for replay.
func (s *Store) Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*Record, error) {
	if err := s.queries.FinalizeIdempotencyKey(ctx, key, status, body, contentType); err != nil {
		return nil, err
	}
	rec := &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Body:        body,
		ContentType: contentType,
		ServedBy:    "postgres",
	}
	if s.redis != nil {
		env := cacheEnvelope{Key: key, Hash: requestHash, Done: true, Status: status, Body: body, ContentType: contentType}
		if payload, err := json.Marshal(env); err == nil {
			if err := s.redis.Set(ctx, redisKey(key), payload, s.ttl).Err(); err != nil {
				zap.L().Warn("redis idempotency finalize failed", zap.Error(err))
			}
		}
	}
	return rec, nil
}

// WaitForCompletion polls briefly for another in-flight request holding
// the same key to finish.
func (s *Store) WaitForCompletion(ctx context.Context, key, requestHash string) (*Record, error) {
	deadline := time.Now().Add(waitBudget)
	for {
		rec, err := s.Lookup(ctx, key, requestHash)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrInProgress) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// Purge removes durable records older than the TTL. Called opportunistically.
func (s *Store) Purge(ctx context.Context) {
	removed, err := s.queries.PurgeIdempotencyKeys(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		zap.L().Warn("idempotency purge failed", zap.Error(err))
		return
	}
	if removed > 0 {
		zap.L().Debug("idempotency purge removed records", zap.Int64("count", removed))
	}
}
