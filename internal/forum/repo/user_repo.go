package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/database"
)

var (
	ErrNotFound          = errors.New("forum user not found")
	ErrDuplicateUsername = errors.New("forum username already taken")
	ErrDuplicateEmail    = errors.New("forum email already taken")
)

// ContentColumn names one authored-content ownership column, e.g.
// forum_posts.poster_id.
type ContentColumn struct {
	Table  string
	Column string
}

// UserRepo provides data access for the forum_users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) DB() *sqlx.DB { return r.db }

// EnsureTable creates the forum tables if not exists (idempotent).
// This is a convenience for development and tests; a real forum owns its schema.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	serial, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if r.db.DriverName() == database.DriverPostgres {
		serial, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS forum_users (
  id ` + serial + `,
  username VARCHAR(255) NOT NULL,
  username_clean VARCHAR(255) NOT NULL UNIQUE,
  email VARCHAR(100) NOT NULL DEFAULT '',
  password_hash VARCHAR(255) NOT NULL DEFAULT '',
  inactive BOOLEAN NOT NULL DEFAULT false,
  inactive_reason VARCHAR(32) NOT NULL DEFAULT '',
  inactive_at ` + ts + `,
  registration_ip VARCHAR(40) NOT NULL DEFAULT '',
  registered_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_forum_users_email ON forum_users (lower(email))`,
		`CREATE TABLE IF NOT EXISTS forums (
  id ` + serial + `,
  name VARCHAR(255) NOT NULL DEFAULT '',
  last_poster_id BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS forum_topics (
  id ` + serial + `,
  forum_id BIGINT NOT NULL DEFAULT 0,
  title VARCHAR(255) NOT NULL DEFAULT '',
  first_poster_id BIGINT NOT NULL DEFAULT 0,
  last_poster_id BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS forum_posts (
  id ` + serial + `,
  topic_id BIGINT NOT NULL DEFAULT 0,
  poster_id BIGINT NOT NULL DEFAULT 0,
  body TEXT NOT NULL DEFAULT ''
)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const userColumns = `id, username, username_clean, email, password_hash, inactive, inactive_reason,
	inactive_at, registration_ip, registered_at, updated_at`

func (r *UserRepo) getOne(ctx context.Context, q string, args ...any) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, r.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM forum_users WHERE id = ?`, id)
}

// GetByEmail returns a user matched by email, case-insensitively.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM forum_users WHERE lower(email) = lower(?) ORDER BY id LIMIT 1`, email)
}

// GetByUsername fetches by the username exactly as typed at registration.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM forum_users WHERE username = ? ORDER BY id LIMIT 1`, username)
}

// GetByUsernameClean fetches by normalized username.
func (r *UserRepo) GetByUsernameClean(ctx context.Context, clean string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM forum_users WHERE username_clean = ?`, clean)
}

// FindForLogin tries email, then username, then normalized username.
func (r *UserRepo) FindForLogin(ctx context.Context, identifier string) (*entity.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}
	lookups := []func() (*entity.User, error){
		func() (*entity.User, error) { return r.GetByUsername(ctx, identifier) },
		func() (*entity.User, error) { return r.GetByUsernameClean(ctx, entity.CleanUsername(identifier)) },
	}
	if strings.Contains(identifier, "@") {
		byEmail := func() (*entity.User, error) { return r.GetByEmail(ctx, identifier) }
		lookups = append([]func() (*entity.User, error){byEmail}, lookups...)
	}
	for _, lookup := range lookups {
		u, err := lookup()
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (r *UserRepo) ExistsClean(ctx context.Context, clean string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM forum_users WHERE username_clean = ?`, clean)
}

func (r *UserRepo) ExistsEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM forum_users WHERE lower(email) = lower(?) LIMIT 1`, email)
}

func (r *UserRepo) exists(ctx context.Context, q string, arg any) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, r.db.Rebind(q), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Create inserts a new user row. Returns new ID.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) (int64, error) {
	now := time.Now().UTC()
	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = now
	}
	u.UpdatedAt = now
	if u.UsernameClean == "" {
		u.UsernameClean = entity.CleanUsername(u.Username)
	}
	q := r.db.Rebind(`INSERT INTO forum_users (username, username_clean, email, password_hash, inactive, inactive_reason, registration_ip, registered_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q, u.Username, u.UsernameClean, u.Email, u.PasswordHash, u.Inactive, u.InactiveReason,
		u.RegistrationIP, u.RegisteredAt, u.UpdatedAt).Scan(&u.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return 0, ErrDuplicateUsername
		}
		return 0, err
	}
	return u.ID, nil
}

// UpdatePassword replaces the stored hash, e.g. when upgrading a legacy format.
func (r *UserRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.execOne(ctx, `UPDATE forum_users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UTC(), id)
}

// SetInactive marks a user inactive with a reason. A tombstoned user is left
// alone and reported as ErrNotFound.
func (r *UserRepo) SetInactive(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	return r.execOne(ctx, `UPDATE forum_users SET inactive = true, inactive_reason = ?, inactive_at = ?, updated_at = ?
WHERE id = ? AND inactive_reason <> ?`, reason, now, now, id, entity.ReasonTombstoned)
}

// ClearInactive resets an inactive user to active. Tombstoned users stay inactive.
func (r *UserRepo) ClearInactive(ctx context.Context, id int64) error {
	return r.execOne(ctx, `UPDATE forum_users SET inactive = false, inactive_reason = '', inactive_at = NULL, updated_at = ?
WHERE id = ? AND inactive_reason <> ?`, time.Now().UTC(), id, entity.ReasonTombstoned)
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignContent moves authored content from one user id to another across
// every configured column. It runs on the given executor so it can join a transaction.
func ReassignContent(ctx context.Context, ex sqlx.ExtContext, columns []ContentColumn, from, to int64) (int64, error) {
	var total int64
	for _, c := range columns {
		q := ex.Rebind(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, c.Table, c.Column, c.Column))
		res, err := ex.ExecContext(ctx, q, to, from)
		if err != nil {
			return total, fmt.Errorf("reassign %s.%s: %w", c.Table, c.Column, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Tombstone overwrites the credentials of a user and marks it permanently
// inactive. There is deliberately no DELETE: the row stays so authored
// content keeps a valid owner and a DELETE grant is never needed.
func Tombstone(ctx context.Context, ex sqlx.ExtContext, id int64, username, email, passwordHash string) error {
	now := time.Now().UTC()
	q := ex.Rebind(`UPDATE forum_users SET username = ?, username_clean = ?, email = ?, password_hash = ?,
  inactive = true, inactive_reason = ?, inactive_at = ?, updated_at = ? WHERE id = ?`)
	res, err := ex.ExecContext(ctx, q, username, entity.CleanUsername(username), email, passwordHash, entity.ReasonTombstoned, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
