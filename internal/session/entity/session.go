package entity

import "time"

// Session is a persisted host session for one shadow account.
type Session struct {
	ID        string     `db:"jti"`
	ShadowID  int64      `db:"shadow_id"`
	AuthID    int64      `db:"auth_id"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
}

// Active reports whether the session is neither revoked nor expired at now.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Instruction tells the caller which session to establish: the signed token
// goes into the host's cookie or Authorization header.
type Instruction struct {
	Token     string    `json:"token"`
	ShadowID  int64     `json:"shadow_id"`
	AuthID    int64     `json:"auth_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
