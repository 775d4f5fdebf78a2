package entity

import "time"

// Account is a row in the host application's own user registry. The bridge
// only needs it so the host session mechanism has someone to log in.
// BridgeManaged marks accounts the bridge created, as opposed to
// pre-existing accounts it merely linked.
type Account struct {
	ID            int64     `db:"id"`
	Login         string    `db:"login"`
	Email         string    `db:"email"`
	Role          string    `db:"role"`
	PasswordHash  string    `db:"password_hash"`
	BridgeManaged bool      `db:"bridge_managed"`
	CreatedAt     time.Time `db:"created_at"`
}

// NewAccount is the input for creating a registry account.
type NewAccount struct {
	Login         string
	Email         string
	Password      string
	Role          string
	BridgeManaged bool
}
