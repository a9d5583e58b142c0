package security

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dirsec-io/dirsec/internal/models"
)

// Directory type identifiers. These are the values stored in the
// security_directories.type_id column.
const (
	DirectoryTypeInternal = "internal"
	DirectoryTypeLDAP     = "ldap"
)

// AdminPasswordChange carries the options for an administrative password
// reset. Unlike a user-initiated change it requires no knowledge of the
// existing password.
type AdminPasswordChange struct {
	// ExpirePassword forces the user to change the password at next logon by
	// back-dating the expiry.
	ExpirePassword bool

	// LockUser locks the account by saturating the attempt counter.
	LockUser bool

	// ResetPasswordHistory clears the user's password reuse history.
	ResetPasswordHistory bool
}

// UserDirectory is the contract every directory backend implements. All
// operations take a context for cancellation and deadline propagation; the
// username arguments are matched case-insensitively within the directory.
type UserDirectory interface {
	// Authenticate verifies a username/password pair. It returns, in order of
	// precedence: ErrUserNotFound, ErrUserLocked, ErrExpiredPassword,
	// ErrAuthenticationFailed, or nil on success. A failed verification
	// increments the attempt counter for attempt-tracked accounts.
	Authenticate(ctx context.Context, username, password string) error

	// ChangePassword is the user-initiated credential change: it re-validates
	// the existing password (including lock and expiry state), enforces the
	// password reuse history, then installs the new password, resets the
	// attempt counter and recomputes the expiry.
	ChangePassword(ctx context.Context, username, existingPassword, newPassword string) error

	// AdminChangePassword installs a new password without knowing the old
	// one, applying the given options. It preserves untracked attempt
	// counters and never-expiring passwords.
	AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error

	CreateUser(ctx context.Context, user *models.User, expiredPassword, userLocked bool) error
	UpdateUser(ctx context.Context, user *models.User, expirePassword, lockUser bool) error
	DeleteUser(ctx context.Context, username string) error
	GetUser(ctx context.Context, username string) (*models.User, error)
	GetUsers(ctx context.Context) ([]*models.User, error)
	FindUsers(ctx context.Context, attributes []models.Attribute) ([]*models.User, error)
	IsExistingUser(ctx context.Context, username string) (bool, error)

	CreateGroup(ctx context.Context, group *models.Group) error
	UpdateGroup(ctx context.Context, group *models.Group) error
	// DeleteGroup removes a group. A group with remaining members cannot be
	// deleted; ErrExistingGroupMembers is returned instead.
	DeleteGroup(ctx context.Context, groupName string) error
	GetGroup(ctx context.Context, groupName string) (*models.Group, error)
	GetGroups(ctx context.Context) ([]*models.Group, error)

	AddUserToGroup(ctx context.Context, username, groupName string) error
	RemoveUserFromGroup(ctx context.Context, username, groupName string) error
	IsUserInGroup(ctx context.Context, username, groupName string) (bool, error)
	GetGroupNamesForUser(ctx context.Context, username string) ([]string, error)
	GetGroupsForUser(ctx context.Context, username string) ([]*models.Group, error)

	// GetFunctionCodesForUser resolves the distinct authorization function
	// codes reachable from the user's group memberships via the role and
	// function mapping tables.
	GetFunctionCodesForUser(ctx context.Context, username string) ([]string, error)

	// SupportsUserAdministration and SupportsGroupAdministration report
	// whether the backend allows create/update/delete of users and groups.
	SupportsUserAdministration() bool
	SupportsGroupAdministration() bool
}

// DirectoryDeps are the shared resources injected into every directory
// backend at construction time.
type DirectoryDeps struct {
	DB     *sqlx.DB
	Hasher PasswordHasher

	// Now is the clock used for expiry and history decisions. Left nil it
	// defaults to time.Now; tests inject a fixed clock.
	Now func() time.Time

	// NewID generates identifiers for created entities. Left nil it defaults
	// to uuid.New.
	NewID func() uuid.UUID
}

func (d DirectoryDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d DirectoryDeps) newID() uuid.UUID {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.New()
}

// DirectoryFactory constructs a directory backend from its persisted
// configuration parameters.
type DirectoryFactory func(id uuid.UUID, params map[string]string, deps DirectoryDeps) (UserDirectory, error)

// directoryFactories is the compile-time registry of backend implementations.
// The set of supported type identifiers is fixed at build time; there is no
// dynamic class loading.
var directoryFactories = map[string]DirectoryFactory{}

// RegisterDirectoryType registers a factory for a directory type identifier.
// Registering a duplicate identifier panics; registration happens from init
// functions and a collision is a programming error.
func RegisterDirectoryType(typeID string, factory DirectoryFactory) {
	if _, dup := directoryFactories[typeID]; dup {
		panic(fmt.Sprintf("security: directory type %q registered twice", typeID))
	}
	directoryFactories[typeID] = factory
}

// NewDirectory instantiates the backend for the given persisted directory
// configuration.
func NewDirectory(dir *models.Directory, deps DirectoryDeps) (UserDirectory, error) {
	factory, ok := directoryFactories[dir.TypeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown directory type %q for directory %s",
			ErrInvalidConfiguration, dir.TypeID, dir.ID)
	}
	return factory(dir.ID, dir.ParameterMap(), deps)
}

// SupportedDirectoryTypes lists the registered type identifiers, sorted.
func SupportedDirectoryTypes() []string {
	types := make([]string, 0, len(directoryFactories))
	for id := range directoryFactories {
		types = append(types, id)
	}
	sort.Strings(types)
	return types
}
