package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildingops/buildingops/internal/platform/db"
	"github.com/buildingops/buildingops/internal/shared"
)

const userColumns = `id, username, email, name, password_hash, is_active, is_approved, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByID returns the user or nil when absent.
func (r *Repository) FindByID(ctx context.Context, id int64) (*User, error) {
	return findOne(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByUsername returns the user or nil when absent.
func (r *Repository) FindByUsername(ctx context.Context, username string) (*User, error) {
	return findOne(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// FindByEmail returns the user or nil when absent.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return findOne(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// ListUsers returns one page of users and the total matching count.
func (r *Repository) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	if s := strings.TrimSpace(filters.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := strconv.Itoa(len(args))
		where = append(where, "(username ILIKE $"+n+" OR email ILIKE $"+n+" OR name ILIKE $"+n+")")
	}
	if filters.Approved != nil {
		args = append(args, *filters.Approved)
		where = append(where, "is_approved = $"+strconv.Itoa(len(args)))
	}
	if filters.Active != nil {
		args = append(args, *filters.Active)
		where = append(where, "is_active = $"+strconv.Itoa(len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := filters.limitOffset()
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s ORDER BY id LIMIT $%d OFFSET $%d`, userColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// ListApprovals returns the account approval history of a user.
func (r *Repository) ListApprovals(ctx context.Context, userID int64) ([]shared.ApprovalLog, error) {
	return shared.NewApprovalRecorder(r.pool).List(ctx, shared.ApprovalModuleUsers, userID)
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepo struct {
	tx        pgx.Tx
	audit     *shared.AuditLogger
	approvals *shared.ApprovalRecorder
}

// NewTxRepository binds the transactional user operations to tx. Other packages
// use it to compose user writes into a wider unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{
		tx:        tx,
		audit:     shared.NewAuditLogger(tx),
		approvals: shared.NewApprovalRecorder(tx),
	}
}

func (t *txRepo) LockUser(ctx context.Context, id int64) (*User, error) {
	return findOne(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (t *txRepo) CreateUser(ctx context.Context, in NewUser) (User, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO users (username, email, name, password_hash, is_active, is_approved)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+userColumns, in.Username, in.Email, in.Name, in.PasswordHash, in.IsActive, in.IsApproved)
	user, err := scanUser(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, fmt.Errorf("users: username or email taken: %w", shared.ErrConflict)
		}
		return User{}, err
	}
	return user, nil
}

func (t *txRepo) UpdateProfile(ctx context.Context, id int64, update ProfileUpdate) (User, error) {
	row := t.tx.QueryRow(ctx, `UPDATE users SET
	username = COALESCE($2, username),
	email = COALESCE($3, email),
	name = COALESCE($4, name),
	updated_at = NOW()
WHERE id = $1
RETURNING `+userColumns, id, update.Username, update.Email, update.Name)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		if db.IsUniqueViolation(err) {
			return User{}, fmt.Errorf("users: username or email taken: %w", shared.ErrConflict)
		}
		return User{}, err
	}
	return user, nil
}

func (t *txRepo) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return t.execOne(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

func (t *txRepo) SetApproved(ctx context.Context, id int64, approved bool) error {
	return t.execOne(ctx, `UPDATE users SET is_approved = $2, updated_at = NOW() WHERE id = $1`, id, approved)
}

func (t *txRepo) SetActive(ctx context.Context, id int64, active bool) error {
	return t.execOne(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

func (t *txRepo) DeleteUser(ctx context.Context, id int64) error {
	return t.execOne(ctx, `DELETE FROM users WHERE id = $1`, id)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return t.audit.Record(ctx, log)
}

func (t *txRepo) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	return t.approvals.Record(ctx, log)
}

func (t *txRepo) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func findOne(ctx context.Context, q db.Querier, sql string, args ...any) (*User, error) {
	user, err := scanUser(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &u.IsApproved, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
