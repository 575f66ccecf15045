package audit

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WindowParams are the bound arguments of the timeline queries. Null fields do not filter.
type WindowParams struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Actor      pgtype.Text
	Entity     pgtype.Text
	EntityID   pgtype.Text
	Action     pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// Repository reads the audit trail.
type Repository interface {
	TimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
	TimelineAll(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
}

const timelineSelect = `SELECT a.id, a.occurred_at, a.actor_id, COALESCE(u.username, ''), a.action, a.entity, a.entity_id, a.meta
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
  AND ($3::text IS NULL OR u.username = $3::citext)
  AND ($4::text IS NULL OR a.entity = $4)
  AND ($5::text IS NULL OR a.entity_id = $5)
  AND ($6::text IS NULL OR a.action = $6)
ORDER BY a.occurred_at DESC, a.id DESC`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// TimelineWindow returns at most LimitRows rows after OffsetRows.
func (r *PGRepository) TimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineSelect+` OFFSET $7 LIMIT $8`,
		arg.FromAt, arg.ToAt, arg.Actor, arg.Entity, arg.EntityID, arg.Action, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// TimelineAll returns every matching row. Paging fields are ignored.
func (r *PGRepository) TimelineAll(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineSelect,
		arg.FromAt, arg.ToAt, arg.Actor, arg.Entity, arg.EntityID, arg.Action)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func collectRows(rows pgx.Rows) ([]TimelineRow, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var out TimelineRow
		err := row.Scan(&out.ID, &out.At, &out.ActorID, &out.Actor, &out.Action, &out.Entity, &out.EntityID, &out.Meta)
		return out, err
	})
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
