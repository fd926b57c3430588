package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tasktrust/escrow-ledger/internal/domain"
	"github.com/tasktrust/escrow-ledger/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, letting the same query
// set run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all escrow store access against a DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a query set scoped to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const escrowColumns = `id, creator, counterparty, amount_micros, commission_micros,
	referrer, referral_commission_micros, description, status,
	created_at, auto_release_at, completed_at, released_at, disputed_at`

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	e := &models.Escrow{}
	err := row.Scan(
		&e.ID, &e.Creator, &e.Counterparty, &e.AmountMicros, &e.CommissionMicros,
		&e.Referrer, &e.ReferralCommissionMicros, &e.Description, &e.Status,
		&e.CreatedAt, &e.AutoReleaseAt, &e.CompletedAt, &e.ReleasedAt, &e.DisputedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InsertEscrow persists a new escrow record. Insert-only: the id must
// not pre-exist.
func (q *Queries) InsertEscrow(ctx context.Context, e *models.Escrow) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO escrows (id, creator, counterparty, amount_micros, commission_micros,
			referrer, referral_commission_micros, description, status, created_at, auto_release_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Creator, e.Counterparty, e.AmountMicros, e.CommissionMicros,
		e.Referrer, e.ReferralCommissionMicros, e.Description, e.Status, e.CreatedAt, e.AutoReleaseAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

// GetEscrow fetches an escrow by id. Returns pgx.ErrNoRows when absent.
func (q *Queries) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	row := q.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

// timestampColumns whitelists the per-transition timestamp columns the
// guarded update may stamp. Each is set exactly once and never cleared.
var timestampColumns = map[string]struct{}{
	"completed_at": {},
	"released_at":  {},
	"disputed_at":  {},
}

// TransitionEscrowParams describes a guarded status update: the UPDATE
// predicate includes the expected prior statuses, so two concurrent
// transition attempts on the same record cannot both succeed.
type TransitionEscrowParams struct {
	ID              uuid.UUID
	FromStatuses    []string
	ToStatus        string
	TimestampColumn string
	At              time.Time
}

// TransitionEscrow applies the conditional update and returns the number
// of rows affected. Zero rows means the record already transitioned.
func (q *Queries) TransitionEscrow(ctx context.Context, p TransitionEscrowParams) (int64, error) {
	if _, ok := timestampColumns[p.TimestampColumn]; !ok {
		return 0, fmt.Errorf("transition escrow: unknown timestamp column %q", p.TimestampColumn)
	}
	sql := fmt.Sprintf(
		`UPDATE escrows SET status = $1, %s = $2 WHERE id = $3 AND status = ANY($4) AND %s IS NULL`,
		p.TimestampColumn, p.TimestampColumn,
	)
	tag, err := q.db.Exec(ctx, sql, p.ToStatus, p.At, p.ID, p.FromStatuses)
	if err != nil {
		return 0, fmt.Errorf("transition escrow: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendEvent writes one immutable audit entry.
func (q *Queries) AppendEvent(ctx context.Context, ev *models.EscrowEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, kind, actor, note, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		ev.EscrowID, ev.Kind, ev.Actor, ev.Note,
	)
	if err != nil {
		return fmt.Errorf("append escrow event: %w", err)
	}
	return nil
}

// ListEvents returns the event log for an escrow in creation order.
func (q *Queries) ListEvents(ctx context.Context, escrowID uuid.UUID) ([]models.EscrowEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, escrow_id, kind, actor, note, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id ASC`,
		escrowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list escrow events: %w", err)
	}
	defer rows.Close()

	var events []models.EscrowEvent
	for rows.Next() {
		var ev models.EscrowEvent
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Kind, &ev.Actor, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escrow event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BumpStats applies atomic increments to the single aggregate counter
// row, inside the same transaction as the triggering transition. Never
// read-modify-write.
func (q *Queries) BumpStats(ctx context.Context, d models.StatsDelta) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE escrow_stats SET
			total_created = total_created + $1,
			total_released = total_released + $2,
			total_refunded = total_refunded + $3,
			total_disputed = total_disputed + $4,
			volume_micros = volume_micros + $5,
			commission_micros = commission_micros + $6
		WHERE id = 1`,
		d.Created, d.Released, d.Refunded, d.Disputed, d.VolumeMicros, d.CommissionMicros,
	)
	if err != nil {
		return fmt.Errorf("bump stats: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("bump stats: counter row missing")
	}
	return nil
}

// GetStats reads the aggregate counter row.
func (q *Queries) GetStats(ctx context.Context) (*models.Stats, error) {
	s := &models.Stats{}
	err := q.db.QueryRow(ctx, `
		SELECT total_created, total_released, total_refunded, total_disputed,
			volume_micros, commission_micros
		FROM escrow_stats WHERE id = 1`,
	).Scan(&s.TotalCreated, &s.TotalReleased, &s.TotalRefunded, &s.TotalDisputed,
		&s.VolumeMicros, &s.CommissionMicros)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return s, nil
}

// ListExpiredEscrows returns ids of unresolved escrows whose deadline
// has passed. The predicate is level-triggered (<= now), so a delayed
// sweep still catches every overdue record.
func (q *Queries) ListExpiredEscrows(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id FROM escrows
		WHERE status = ANY($1) AND auto_release_at <= $2
		ORDER BY auto_release_at ASC
		LIMIT $3`,
		[]string{domain.StatusFunded, domain.StatusCompleted}, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired escrow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
