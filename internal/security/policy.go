package security

import (
	"fmt"
	"strconv"
	"time"
)

// Password policy defaults applied when a directory omits the parameter.
const (
	DefaultMaxPasswordAttempts   = 5
	DefaultPasswordExpiryMonths  = 3
	DefaultPasswordHistoryMonths = 12
	DefaultMaxFilteredUsers      = 100
)

// PasswordPolicy holds the per-directory credential lifecycle settings. A
// zero value for a field disables the corresponding mechanism.
type PasswordPolicy struct {
	// MaxPasswordAttempts is the consecutive-failure count at which an
	// attempt-tracked account locks. 0 disables lockout.
	MaxPasswordAttempts int

	// PasswordExpiryMonths is how long a newly set password remains valid.
	// 0 disables expiry.
	PasswordExpiryMonths int

	// PasswordHistoryMonths is the window within which previously used
	// passwords may not be reused. 0 disables the history check.
	PasswordHistoryMonths int

	// MaxFilteredUsers caps the result size of user searches.
	MaxFilteredUsers int
}

// DefaultPasswordPolicy returns the policy applied when a directory carries
// no overriding parameters.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MaxPasswordAttempts:   DefaultMaxPasswordAttempts,
		PasswordExpiryMonths:  DefaultPasswordExpiryMonths,
		PasswordHistoryMonths: DefaultPasswordHistoryMonths,
		MaxFilteredUsers:      DefaultMaxFilteredUsers,
	}
}

// policyFromParams overlays directory parameters onto the defaults. Absent
// parameters keep their defaults; malformed values are configuration errors.
func policyFromParams(params map[string]string) (PasswordPolicy, error) {
	p := DefaultPasswordPolicy()
	for name, dst := range map[string]*int{
		"MaxPasswordAttempts":   &p.MaxPasswordAttempts,
		"PasswordExpiryMonths":  &p.PasswordExpiryMonths,
		"PasswordHistoryMonths": &p.PasswordHistoryMonths,
		"MaxFilteredUsers":      &p.MaxFilteredUsers,
	} {
		raw, ok := params[name]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return PasswordPolicy{}, fmt.Errorf("%w: parameter %q: invalid value %q",
				ErrInvalidConfiguration, name, raw)
		}
		*dst = v
	}
	return p, nil
}

// ExpiryFrom computes the expiry instant for a password set at now, or nil
// when expiry is disabled.
func (p PasswordPolicy) ExpiryFrom(now time.Time) *time.Time {
	if p.PasswordExpiryMonths <= 0 {
		return nil
	}
	t := now.AddDate(0, p.PasswordExpiryMonths, 0)
	return &t
}

// HistoryCutoff returns the earliest change timestamp still inside the reuse
// window, and whether the history check is enabled at all.
func (p PasswordPolicy) HistoryCutoff(now time.Time) (time.Time, bool) {
	if p.PasswordHistoryMonths <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, -p.PasswordHistoryMonths, 0), true
}

// Locked reports whether an account with the given attempt count is locked.
// nil attempts means tracking is disabled and the account never locks.
func (p PasswordPolicy) Locked(attempts *int) bool {
	if attempts == nil || p.MaxPasswordAttempts <= 0 {
		return false
	}
	return *attempts >= p.MaxPasswordAttempts
}
