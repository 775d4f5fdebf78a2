package entity

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Inactive reasons stored on the forum account.
const (
	ReasonNone        = ""
	ReasonDeactivated = "deactivated"
	ReasonTombstoned  = "tombstoned"
)

// User represents an account row in the `forum_users` table, the
// authoritative source of usernames, emails and passwords.
type User struct {
	ID             int64      `db:"id"`
	Username       string     `db:"username"`
	UsernameClean  string     `db:"username_clean"`
	Email          string     `db:"email"`
	PasswordHash   string     `db:"password_hash"`
	Inactive       bool       `db:"inactive"`
	InactiveReason string     `db:"inactive_reason"`
	InactiveAt     *time.Time `db:"inactive_at"`
	RegistrationIP string     `db:"registration_ip"`
	RegisteredAt   time.Time  `db:"registered_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// CleanUsername is the forum's normalized username: compatibility
// normalized, case folded, inner whitespace collapsed to one space.
func CleanUsername(username string) string {
	s := norm.NFKC.String(username)
	// a Caser must not be shared between goroutines
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
