package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a directory-scoped account. Usernames are unique within a single
// directory (case-insensitive); the same username may exist independently in
// several directories.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	DirectoryID  uuid.UUID `json:"directory_id" db:"directory_id"`
	Username     string    `json:"username" db:"username"`
	Password     string    `json:"-" db:"password"` // one-way hash, never exposed
	FirstNames   string    `json:"first_names" db:"first_names"`
	LastName     string    `json:"last_name" db:"last_name"`
	PhoneNumber  string    `json:"phone_number" db:"phone"`
	MobileNumber string    `json:"mobile_number" db:"mobile"`
	Email        string    `json:"email" db:"email"`

	// PasswordAttempts is the consecutive failed-authentication count.
	// nil means attempt tracking is disabled for this account.
	PasswordAttempts *int `json:"-" db:"password_attempts"`

	// PasswordExpiry is the instant after which the password is no longer
	// usable. nil means the password never expires.
	PasswordExpiry *time.Time `json:"-" db:"password_expiry"`

	// ReadOnly marks identities resolved from a shared (read-only) backing
	// store, e.g. a shared LDAP base. Credential changes are rejected.
	ReadOnly bool `json:"read_only" db:"-"`

	// BackendRef is backend-specific addressing metadata. The LDAP directory
	// stores the resolved distinguished name here; the internal directory
	// leaves it empty.
	BackendRef string `json:"-" db:"-"`
}

// NormalizeUsername lowercases a username for directory-scoped comparison.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// AttemptsTracked reports whether failed authentication attempts are counted
// for this user.
func (u *User) AttemptsTracked() bool {
	return u.PasswordAttempts != nil
}

// PasswordExpired reports whether the user's password expired before now.
func (u *User) PasswordExpired(now time.Time) bool {
	return u.PasswordExpiry != nil && u.PasswordExpiry.Before(now)
}
