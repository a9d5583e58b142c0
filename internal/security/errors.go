package security

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by user directories and the security service.
// Callers distinguish outcomes with errors.Is; backend failures wrap the
// underlying cause and are matched with errors.As against *BackendError.
var (
	// ErrAuthenticationFailed is the generic credential-rejection error. It
	// deliberately carries no detail about which check failed beyond the more
	// specific sentinels below.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUserLocked is returned when the consecutive failed-attempt count has
	// reached the directory's maximum.
	ErrUserLocked = errors.New("user locked")

	// ErrPasswordExpired is returned when the user's password expired before
	// the authentication attempt.
	ErrPasswordExpired = errors.New("password expired")

	// ErrExistingPassword is returned by a password change when the new
	// password appears in the user's recent password history.
	ErrExistingPassword = errors.New("password previously used")

	ErrUserNotFound         = errors.New("user not found")
	ErrDuplicateUser        = errors.New("user already exists")
	ErrGroupNotFound        = errors.New("group not found")
	ErrDuplicateGroup       = errors.New("group already exists")
	ErrExistingGroupMembers = errors.New("group has existing members")

	ErrFunctionNotFound          = errors.New("function not found")
	ErrDuplicateFunction         = errors.New("function already exists")
	ErrFunctionTemplateNotFound  = errors.New("function template not found")
	ErrDuplicateFunctionTemplate = errors.New("function template already exists")

	ErrOrganisationNotFound  = errors.New("organisation not found")
	ErrDuplicateOrganisation = errors.New("organisation already exists")

	ErrDirectoryNotFound = errors.New("user directory not found")

	// ErrInvalidArgument is returned when a caller-supplied argument fails
	// validation before any backend is consulted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidAttribute is returned by FindUsers for a search attribute
	// name outside the supported set.
	ErrInvalidAttribute = errors.New("invalid search attribute")

	// ErrReadOnlyUser is returned for mutating operations against identities
	// resolved from a shared, read-only backing store.
	ErrReadOnlyUser = errors.New("user is read-only")

	// ErrInvalidConfiguration is returned when a directory's persisted
	// parameters are missing or malformed.
	ErrInvalidConfiguration = errors.New("invalid directory configuration")

	// ErrOperationNotSupported is returned by directories that do not
	// implement an optional administrative capability.
	ErrOperationNotSupported = errors.New("operation not supported")
)

// BackendError wraps an infrastructure failure (database, LDAP) with the
// directory and operation it occurred in. It is distinct from the sentinel
// outcomes above: a BackendError means the answer is unknown, not "no".
// Subject identifies the entity being operated on; it never carries
// credentials.
type BackendError struct {
	Directory string
	Op        string
	Subject   string
	Err       error
}

func (e *BackendError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("directory %s: %s %q: %v", e.Directory, e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("directory %s: %s: %v", e.Directory, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// backendErr builds a BackendError unless err is nil.
func backendErr(directory, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Directory: directory, Op: op, Subject: subject, Err: err}
}
