package domain

import "time"

type AdminPrincipal struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	TOTPSecret   string `db:"totp_secret"`
	TOTPEnabled  bool   `db:"totp_enabled"`

	// ForcePasswordChange stays true on provisioned accounts until the
	// first password change.
	ForcePasswordChange bool `db:"force_password_change"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
