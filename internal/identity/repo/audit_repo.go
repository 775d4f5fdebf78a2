package repo

import (
	"context"
	"encoding/json"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
)

// InsertAudit appends an audit entry. Failures are logged and swallowed:
// a broken audit table must never fail the flow that is being audited.
func (s *Store) InsertAudit(ctx context.Context, action string, authID, actorID *int64, detail any) {
	raw := []byte("{}")
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			s.logger.Warnw("audit detail not serializable", "action", action, "err", err)
		} else {
			raw = b
		}
	}
	q := s.db.Rebind(`INSERT INTO identity_audit (action, auth_id, actor_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`)
	err := s.withSchema(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, action, authID, actorID, string(raw), s.timestamp())
		return err
	})
	if err != nil {
		s.logger.Errorw("audit insert failed", "action", action, "auth_id", authID, "err", err)
	}
}

// ListAudit returns the newest entries for a forum user, newest first.
func (s *Store) ListAudit(ctx context.Context, authID int64, limit int) ([]entity.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Rebind(`SELECT id, action, auth_id, actor_id, detail, created_at
FROM identity_audit WHERE auth_id = ? ORDER BY id DESC LIMIT ?`)
	var out []entity.AuditEntry
	err := s.withSchema(ctx, func() error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, q, authID, limit)
	})
	return out, err
}
