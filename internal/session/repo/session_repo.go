package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/database"
)

var ErrNotFound = errors.New("session not found")

// SessionRepo persists issued sessions so a signed token can be revoked
// before it expires.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// EnsureTable creates identity_sessions if not exists (idempotent).
func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	ts := "TIMESTAMP"
	if r.db.DriverName() == database.DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identity_sessions (
  jti VARCHAR(64) PRIMARY KEY,
  shadow_id BIGINT NOT NULL,
  auth_id BIGINT NOT NULL,
  created_at ` + ts + ` NOT NULL,
  expires_at ` + ts + ` NOT NULL,
  revoked_at ` + ts + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_sessions_shadow ON identity_sessions (shadow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SessionRepo) Save(ctx context.Context, s entity.Session) error {
	q := r.db.Rebind(`INSERT INTO identity_sessions (jti, shadow_id, auth_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, s.ID, s.ShadowID, s.AuthID, s.CreatedAt.UTC(), s.ExpiresAt.UTC())
	return err
}

func (r *SessionRepo) Get(ctx context.Context, jti string) (*entity.Session, error) {
	var s entity.Session
	q := r.db.Rebind(`SELECT jti, shadow_id, auth_id, created_at, expires_at, revoked_at FROM identity_sessions WHERE jti = ?`)
	if err := r.db.GetContext(ctx, &s, q, jti); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Revoke marks one session revoked. Revoking twice is a no-op.
func (r *SessionRepo) Revoke(ctx context.Context, jti string, at time.Time) error {
	q := r.db.Rebind(`UPDATE identity_sessions SET revoked_at = ? WHERE jti = ? AND revoked_at IS NULL`)
	_, err := r.db.ExecContext(ctx, q, at.UTC(), jti)
	return err
}

// RevokeShadow revokes every open session of a shadow account.
func (r *SessionRepo) RevokeShadow(ctx context.Context, shadowID int64, at time.Time) (int64, error) {
	q := r.db.Rebind(`UPDATE identity_sessions SET revoked_at = ? WHERE shadow_id = ? AND revoked_at IS NULL`)
	res, err := r.db.ExecContext(ctx, q, at.UTC(), shadowID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountActive counts unrevoked, unexpired sessions, optionally for one shadow id.
func (r *SessionRepo) CountActive(ctx context.Context, shadowID int64, now time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM identity_sessions WHERE revoked_at IS NULL AND expires_at > ?`
	args := []any{now.UTC()}
	if shadowID > 0 {
		q += ` AND shadow_id = ?`
		args = append(args, shadowID)
	}
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(q), args...)
	return n, err
}

// DeleteExpired removes sessions that expired before cutoff.
func (r *SessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM identity_sessions WHERE expires_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
