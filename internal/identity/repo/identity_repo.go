package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
)

var ErrNotFound = errors.New("identity: not found")

// IdentityUpsert carries the fields written by UpsertIdentity. A nil ShadowID
// keeps whatever shadow id is already stored.
type IdentityUpsert struct {
	AuthID        int64
	UsernameClean string
	Email         string
	ShadowID      *int64
	Status        entity.Status
	LastError     string
}

const mapColumns = `auth_id, username_clean, email, shadow_id, video_user_id, video_account_id,
	video_actor_id, status, created_at, updated_at, last_error`

// UpsertIdentity inserts the row for in.AuthID or updates it in place.
func (s *Store) UpsertIdentity(ctx context.Context, in IdentityUpsert) error {
	if in.Status == "" {
		in.Status = entity.StatusPartial
		if in.ShadowID != nil {
			in.Status = entity.StatusLinked
		}
	}
	now := s.timestamp()
	q := s.db.Rebind(`INSERT INTO identity_map (auth_id, username_clean, email, shadow_id, status, created_at, updated_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (auth_id) DO UPDATE SET
  username_clean = excluded.username_clean,
  email = excluded.email,
  shadow_id = COALESCE(excluded.shadow_id, identity_map.shadow_id),
  status = excluded.status,
  updated_at = excluded.updated_at,
  last_error = excluded.last_error`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, in.AuthID, in.UsernameClean, in.Email, in.ShadowID, string(in.Status), now, now, in.LastError)
		return err
	})
}

// GetIdentity returns the map row for a forum user or ErrNotFound.
func (s *Store) GetIdentity(ctx context.Context, authID int64) (*entity.MapRow, error) {
	q := s.db.Rebind(`SELECT ` + mapColumns + ` FROM identity_map WHERE auth_id = ?`)
	var row entity.MapRow
	err := s.withSchema(ctx, func() error {
		return s.db.GetContext(ctx, &row, q, authID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SetStatus flips the status of an existing row; a missing row is not an error.
func (s *Store) SetStatus(ctx context.Context, authID int64, status entity.Status, lastError string) error {
	q := s.db.Rebind(`UPDATE identity_map SET status = ?, last_error = ?, updated_at = ? WHERE auth_id = ?`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, string(status), lastError, s.timestamp(), authID)
		return err
	})
}

// ScrubIdentity replaces the copied forum credentials of a tombstoned user
// with placeholders and disables the row.
func (s *Store) ScrubIdentity(ctx context.Context, authID int64, usernameClean, email string) error {
	q := s.db.Rebind(`UPDATE identity_map SET username_clean = ?, email = ?, status = ?, last_error = ?, updated_at = ? WHERE auth_id = ?`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, usernameClean, email, string(entity.StatusDisabled), "tombstoned", s.timestamp(), authID)
		return err
	})
}

// RecordError stores the last integration error without touching the status.
func (s *Store) RecordError(ctx context.Context, authID int64, lastError string) error {
	q := s.db.Rebind(`UPDATE identity_map SET last_error = ?, updated_at = ? WHERE auth_id = ?`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, lastError, s.timestamp(), authID)
		return err
	})
}

// CacheVideoIDs stores derived video platform ids. Nil arguments leave the
// stored value alone.
func (s *Store) CacheVideoIDs(ctx context.Context, authID int64, userID, accountID, actorID *int64) error {
	q := s.db.Rebind(`UPDATE identity_map SET
  video_user_id = COALESCE(?, video_user_id),
  video_account_id = COALESCE(?, video_account_id),
  video_actor_id = COALESCE(?, video_actor_id),
  updated_at = ?
WHERE auth_id = ?`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, userID, accountID, actorID, s.timestamp(), authID)
		return err
	})
}

// StorePlatformToken replaces the sealed token record for rec.AuthID.
func (s *Store) StorePlatformToken(ctx context.Context, rec entity.TokenRecord) error {
	var expires *time.Time
	if rec.ExpiresAt != nil {
		utc := rec.ExpiresAt.UTC()
		expires = &utc
	}
	q := s.db.Rebind(`INSERT INTO identity_tokens (auth_id, access_token, refresh_token, expires_at, scope, source, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (auth_id) DO UPDATE SET
  access_token = excluded.access_token,
  refresh_token = excluded.refresh_token,
  expires_at = excluded.expires_at,
  scope = excluded.scope,
  source = excluded.source,
  updated_at = excluded.updated_at`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, rec.AuthID, rec.AccessToken, rec.RefreshToken, expires, rec.Scope, rec.Source, s.timestamp())
		return err
	})
}

// GetPlatformToken returns the sealed token record or ErrNotFound.
func (s *Store) GetPlatformToken(ctx context.Context, authID int64) (*entity.TokenRecord, error) {
	q := s.db.Rebind(`SELECT auth_id, access_token, refresh_token, expires_at, scope, source, updated_at
FROM identity_tokens WHERE auth_id = ?`)
	var rec entity.TokenRecord
	err := s.withSchema(ctx, func() error {
		return s.db.GetContext(ctx, &rec, q, authID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClearPlatformToken blanks the sealed tokens but keeps the row.
func (s *Store) ClearPlatformToken(ctx context.Context, authID int64) error {
	q := s.db.Rebind(`UPDATE identity_tokens SET access_token = '', refresh_token = '', expires_at = NULL, updated_at = ? WHERE auth_id = ?`)
	return s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, s.timestamp(), authID)
		return err
	})
}
