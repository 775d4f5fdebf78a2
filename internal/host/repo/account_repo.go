package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/database"
)

var (
	ErrNotFound  = errors.New("host account not found")
	ErrDuplicate = errors.New("host account login or email already taken")
)

// AccountRepo provides data access for the host_users table using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the host_users table if not exists (idempotent).
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	serial, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if r.db.DriverName() == database.DriverPostgres {
		serial, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS host_users (
  id ` + serial + `,
  login VARCHAR(60) NOT NULL UNIQUE,
  email VARCHAR(100) NOT NULL DEFAULT '',
  role VARCHAR(32) NOT NULL DEFAULT '',
  password_hash VARCHAR(255) NOT NULL DEFAULT '',
  bridge_managed BOOLEAN NOT NULL DEFAULT false,
  created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_host_users_email ON host_users (lower(email))`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const accountColumns = `id, login, email, role, password_hash, bridge_managed, created_at`

func (r *AccountRepo) getOne(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, r.db.Rebind(q), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM host_users WHERE id = ?`, id)
}

// GetByEmail matches email case-insensitively.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM host_users WHERE lower(email) = lower(?) ORDER BY id LIMIT 1`, email)
}

// GetByLogin matches the login exactly.
func (r *AccountRepo) GetByLogin(ctx context.Context, login string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM host_users WHERE login = ?`, login)
}

func (r *AccountRepo) exists(ctx context.Context, q string, arg any) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, r.db.Rebind(q), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *AccountRepo) LoginExists(ctx context.Context, login string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM host_users WHERE login = ?`, login)
}

func (r *AccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM host_users WHERE lower(email) = lower(?) LIMIT 1`, email)
}

// Create inserts a new account row and returns its id.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	q := r.db.Rebind(`INSERT INTO host_users (login, email, role, password_hash, bridge_managed, created_at)
VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, q, a.Login, a.Email, a.Role, a.PasswordHash, a.BridgeManaged, a.CreatedAt).Scan(&a.ID); err != nil {
		if database.IsUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return a.ID, nil
}

// SetRole replaces the account role.
func (r *AccountRepo) SetRole(ctx context.Context, id int64, role string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE host_users SET role = ? WHERE id = ?`), role, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of accounts, optionally only bridge managed ones.
func (r *AccountRepo) Count(ctx context.Context, managedOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM host_users`
	if managedOnly {
		q += ` WHERE bridge_managed = true`
	}
	var n int
	err := r.db.GetContext(ctx, &n, q)
	return n, err
}
