package entity

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Status of an identity map row.
type Status string

const (
	StatusPartial  Status = "partial"
	StatusLinked   Status = "linked"
	StatusDisabled Status = "disabled"
)

// MapRow links one forum account to its shadow account and video platform ids.
// There is exactly one row per forum user id.
type MapRow struct {
	AuthID         int64     `db:"auth_id"`
	UsernameClean  string    `db:"username_clean"`
	Email          string    `db:"email"`
	ShadowID       *int64    `db:"shadow_id"`
	VideoUserID    *int64    `db:"video_user_id"`
	VideoAccountID *int64    `db:"video_account_id"`
	VideoActorID   *int64    `db:"video_actor_id"`
	Status         Status    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	LastError      string    `db:"last_error"`
}

// TokenRecord holds the sealed video platform credential for one forum user.
// AccessToken and RefreshToken are vault ciphertext, never plaintext.
type TokenRecord struct {
	AuthID       int64      `db:"auth_id"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	ExpiresAt    *time.Time `db:"expires_at"`
	Scope        string     `db:"scope"`
	Source       string     `db:"source"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// AuditEntry is append-only.
type AuditEntry struct {
	ID        int64          `db:"id"`
	Action    string         `db:"action"`
	AuthID    *int64         `db:"auth_id"`
	ActorID   *int64         `db:"actor_id"`
	Detail    types.JSONText `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a deferred unit of work drained by a worker outside this service.
type Job struct {
	ID        int64          `db:"id" json:"id"`
	AuthID    int64          `db:"auth_id" json:"auth_id"`
	Type      string         `db:"job_type" json:"type"`
	Payload   types.JSONText `db:"payload" json:"payload"`
	Status    JobStatus      `db:"status" json:"status"`
	Attempts  int            `db:"attempts" json:"attempts"`
	NextRunAt time.Time      `db:"next_run_at" json:"next_run_at"`
	LastError string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Int64 is a small helper for optional id fields.
func Int64(v int64) *int64 { return &v }
