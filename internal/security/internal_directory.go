package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dirsec-io/dirsec/internal/models"
)

func init() {
	RegisterDirectoryType(DirectoryTypeInternal, NewInternalDirectory)
}

// InternalDirectory stores users, groups and credentials in the security
// schema of the service's own database. Usernames and group names are matched
// case-insensitively within the directory; uniqueness is enforced by
// expression indexes on LOWER(username) / LOWER(groupname).
type InternalDirectory struct {
	id     uuid.UUID
	idStr  string
	deps   DirectoryDeps
	policy PasswordPolicy
}

// NewInternalDirectory builds an internal directory from its persisted
// parameters. Only the password policy numbers are configurable.
func NewInternalDirectory(id uuid.UUID, params map[string]string, deps DirectoryDeps) (UserDirectory, error) {
	policy, err := policyFromParams(params)
	if err != nil {
		return nil, err
	}
	if deps.Hasher == nil {
		deps.Hasher = NewAutoHasher()
	}
	return &InternalDirectory{
		id:     id,
		idStr:  id.String(),
		deps:   deps,
		policy: policy,
	}, nil
}

func (d *InternalDirectory) SupportsUserAdministration() bool  { return true }
func (d *InternalDirectory) SupportsGroupAdministration() bool { return true }

const internalUserColumns = `id, directory_id, username, password, first_names, ` +
	`last_name, phone, mobile, email, password_attempts, password_expiry`

func (d *InternalDirectory) getUser(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := d.deps.DB.GetContext(ctx, &u,
		`SELECT `+internalUserColumns+` FROM security_internal_users
		 WHERE directory_id = $1 AND LOWER(username) = LOWER($2)`,
		d.id, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, backendErr(d.idStr, "get user", username, err)
	}
	return &u, nil
}

// Authenticate verifies the credentials for an internal user. Outcome
// precedence is fixed: unknown user, then locked, then expired, then hash
// mismatch. A mismatch increments the attempt counter for attempt-tracked
// accounts before the failure is reported.
func (d *InternalDirectory) Authenticate(ctx context.Context, username, password string) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	if d.policy.Locked(user.PasswordAttempts) {
		return ErrUserLocked
	}
	if user.PasswordExpired(d.deps.now()) {
		return ErrPasswordExpired
	}
	if !d.deps.Hasher.Verify(password, user.Password) {
		if user.AttemptsTracked() {
			if err := d.incrementPasswordAttempts(ctx, user.ID); err != nil {
				return err
			}
		}
		return ErrAuthenticationFailed
	}
	return nil
}

func (d *InternalDirectory) incrementPasswordAttempts(ctx context.Context, userID uuid.UUID) error {
	_, err := d.deps.DB.ExecContext(ctx,
		`UPDATE security_internal_users
		 SET password_attempts = password_attempts + 1
		 WHERE id = $1 AND password_attempts IS NOT NULL`,
		userID)
	return backendErr(d.idStr, "increment password attempts", userID.String(), err)
}

// ChangePassword is the user-initiated credential change. The existing
// password is re-validated under the same lock check as Authenticate, the new
// password is refused if it appears in the reuse window, then the new hash is
// installed with the attempt counter reset and the expiry recomputed.
func (d *InternalDirectory) ChangePassword(ctx context.Context, username, existingPassword, newPassword string) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	if d.policy.Locked(user.PasswordAttempts) {
		return ErrUserLocked
	}
	if !d.deps.Hasher.Verify(existingPassword, user.Password) {
		return ErrAuthenticationFailed
	}

	newHash, err := d.deps.Hasher.Hash(newPassword)
	if err != nil {
		return backendErr(d.idStr, "hash password", username, err)
	}
	now := d.deps.now()
	inHistory, err := d.isPasswordInHistory(ctx, user.ID, newHash, now)
	if err != nil {
		return err
	}
	if inHistory {
		return ErrExistingPassword
	}

	var attempts *int
	if user.AttemptsTracked() {
		zero := 0
		attempts = &zero
	}
	var expiry *time.Time
	if user.PasswordExpiry != nil {
		expiry = d.policy.ExpiryFrom(now)
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`UPDATE security_internal_users
		 SET password = $1, password_attempts = $2, password_expiry = $3
		 WHERE id = $4`,
		newHash, attempts, expiry, user.ID)
	if err != nil {
		return backendErr(d.idStr, "change password", username, err)
	}
	return d.savePasswordHistory(ctx, user.ID, newHash, now)
}

// AdminChangePassword installs a new password without the existing one. Lock
// and expiry flags override the normal policy computation; untracked attempt
// counters and never-expiring passwords stay that way unless a flag forces a
// value.
func (d *InternalDirectory) AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	newHash, err := d.deps.Hasher.Hash(newPassword)
	if err != nil {
		return backendErr(d.idStr, "hash password", username, err)
	}
	now := d.deps.now()

	var attempts *int
	switch {
	case opts.LockUser:
		n := d.policy.MaxPasswordAttempts
		attempts = &n
	case user.AttemptsTracked():
		zero := 0
		attempts = &zero
	}

	var expiry *time.Time
	switch {
	case opts.ExpirePassword:
		t := time.Unix(0, 0).UTC()
		expiry = &t
	case user.PasswordExpiry != nil:
		expiry = d.policy.ExpiryFrom(now)
	}

	if opts.ResetPasswordHistory {
		_, err = d.deps.DB.ExecContext(ctx,
			`DELETE FROM security_internal_users_password_history WHERE internal_user_id = $1`,
			user.ID)
		if err != nil {
			return backendErr(d.idStr, "reset password history", username, err)
		}
	}

	_, err = d.deps.DB.ExecContext(ctx,
		`UPDATE security_internal_users
		 SET password = $1, password_attempts = $2, password_expiry = $3
		 WHERE id = $4`,
		newHash, attempts, expiry, user.ID)
	if err != nil {
		return backendErr(d.idStr, "admin change password", username, err)
	}
	return d.savePasswordHistory(ctx, user.ID, newHash, now)
}

// isPasswordInHistory reports whether hash was used within the reuse window.
// The history table is append-only; old entries age out of the window rather
// than being deleted.
func (d *InternalDirectory) isPasswordInHistory(ctx context.Context, userID uuid.UUID, hash string, now time.Time) (bool, error) {
	cutoff, enabled := d.policy.HistoryCutoff(now)
	if !enabled {
		return false, nil
	}
	var count int
	err := d.deps.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_internal_users_password_history
		 WHERE internal_user_id = $1 AND changed > $2 AND password = $3`,
		userID, cutoff, hash)
	if err != nil {
		return false, backendErr(d.idStr, "check password history", userID.String(), err)
	}
	return count > 0, nil
}

func (d *InternalDirectory) savePasswordHistory(ctx context.Context, userID uuid.UUID, hash string, now time.Time) error {
	_, err := d.deps.DB.ExecContext(ctx,
		`INSERT INTO security_internal_users_password_history (id, internal_user_id, changed, password)
		 VALUES ($1, $2, $3, $4)`,
		d.deps.newID(), userID, now, hash)
	return backendErr(d.idStr, "save password history", userID.String(), err)
}

// CreateUser stores a new internal user. The expiredPassword flag back-dates
// the expiry so the first logon forces a change; userLocked creates the
// account already at the lockout threshold.
func (d *InternalDirectory) CreateUser(ctx context.Context, user *models.User, expiredPassword, userLocked bool) error {
	exists, err := d.IsExistingUser(ctx, user.Username)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateUser
	}

	hash, err := d.deps.Hasher.Hash(user.Password)
	if err != nil {
		return backendErr(d.idStr, "hash password", user.Username, err)
	}
	now := d.deps.now()

	attempts := 0
	if userLocked {
		attempts = d.policy.MaxPasswordAttempts
	}
	expiry := d.policy.ExpiryFrom(now)
	if expiredPassword {
		t := time.Unix(0, 0).UTC()
		expiry = &t
	}

	if user.ID == uuid.Nil {
		user.ID = d.deps.newID()
	}
	user.DirectoryID = d.id
	user.Password = hash
	user.PasswordAttempts = &attempts
	user.PasswordExpiry = expiry

	_, err = d.deps.DB.ExecContext(ctx,
		`INSERT INTO security_internal_users
		 (`+internalUserColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, d.id, user.Username, hash, user.FirstNames, user.LastName,
		user.PhoneNumber, user.MobileNumber, user.Email, attempts, expiry)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return backendErr(d.idStr, "create user", user.Username, err)
	}
	return d.savePasswordHistory(ctx, user.ID, hash, now)
}

// UpdateUser updates the profile fields of an existing user and optionally
// the password and lock/expiry state. Only non-empty profile fields are
// written; an empty Password leaves the credential untouched.
func (d *InternalDirectory) UpdateUser(ctx context.Context, user *models.User, expirePassword, lockUser bool) error {
	existing, err := d.getUser(ctx, user.Username)
	if err != nil {
		return err
	}

	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if user.FirstNames != "" {
		add("first_names", user.FirstNames)
	}
	if user.LastName != "" {
		add("last_name", user.LastName)
	}
	if user.PhoneNumber != "" {
		add("phone", user.PhoneNumber)
	}
	if user.MobileNumber != "" {
		add("mobile", user.MobileNumber)
	}
	if user.Email != "" {
		add("email", user.Email)
	}
	if user.Password != "" {
		hash, err := d.deps.Hasher.Hash(user.Password)
		if err != nil {
			return backendErr(d.idStr, "hash password", user.Username, err)
		}
		add("password", hash)
	}
	if expirePassword {
		t := time.Unix(0, 0).UTC()
		add("password_expiry", t)
	}
	if lockUser {
		add("password_attempts", d.policy.MaxPasswordAttempts)
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, existing.ID)
	query := fmt.Sprintf(`UPDATE security_internal_users SET %s WHERE id = $%d`,
		strings.Join(set, ", "), len(args))
	_, err = d.deps.DB.ExecContext(ctx, query, args...)
	return backendErr(d.idStr, "update user", user.Username, err)
}

// DeleteUser removes the user together with group memberships and password
// history.
func (d *InternalDirectory) DeleteUser(ctx context.Context, username string) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_internal_user_to_internal_group WHERE internal_user_id = $1`,
		user.ID)
	if err != nil {
		return backendErr(d.idStr, "delete user group memberships", username, err)
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_internal_users_password_history WHERE internal_user_id = $1`,
		user.ID)
	if err != nil {
		return backendErr(d.idStr, "delete user password history", username, err)
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_internal_users WHERE id = $1`, user.ID)
	return backendErr(d.idStr, "delete user", username, err)
}

func (d *InternalDirectory) GetUser(ctx context.Context, username string) (*models.User, error) {
	return d.getUser(ctx, username)
}

func (d *InternalDirectory) GetUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := d.deps.DB.SelectContext(ctx, &users,
		`SELECT `+internalUserColumns+` FROM security_internal_users
		 WHERE directory_id = $1 ORDER BY username`,
		d.id)
	if err != nil {
		return nil, backendErr(d.idStr, "get users", "", err)
	}
	return users, nil
}

// findUserAttributes whitelists the searchable attribute names and maps them
// to columns.
var findUserAttributes = map[string]string{
	"username":     "username",
	"firstName":    "first_names",
	"lastName":     "last_name",
	"email":        "email",
	"phoneNumber":  "phone",
	"mobileNumber": "mobile",
}

// FindUsers returns users matching all of the given attribute criteria,
// case-insensitively and with SQL wildcard support, capped at the policy's
// MaxFilteredUsers.
func (d *InternalDirectory) FindUsers(ctx context.Context, attributes []models.Attribute) ([]*models.User, error) {
	where := []string{"directory_id = $1"}
	args := []interface{}{d.id}
	for _, attr := range attributes {
		column, ok := findUserAttributes[attr.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAttribute, attr.Name)
		}
		args = append(args, strings.ToLower(attr.Value))
		where = append(where, fmt.Sprintf("LOWER(%s) LIKE $%d", column, len(args)))
	}
	args = append(args, d.policy.MaxFilteredUsers)
	query := fmt.Sprintf(
		`SELECT `+internalUserColumns+` FROM security_internal_users
		 WHERE %s ORDER BY username LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	var users []*models.User
	if err := d.deps.DB.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, backendErr(d.idStr, "find users", "", err)
	}
	return users, nil
}

func (d *InternalDirectory) IsExistingUser(ctx context.Context, username string) (bool, error) {
	var count int
	err := d.deps.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_internal_users
		 WHERE directory_id = $1 AND LOWER(username) = LOWER($2)`,
		d.id, username)
	if err != nil {
		return false, backendErr(d.idStr, "check user exists", username, err)
	}
	return count > 0, nil
}

func (d *InternalDirectory) getGroup(ctx context.Context, groupName string) (*models.Group, error) {
	var g models.Group
	err := d.deps.DB.GetContext(ctx, &g,
		`SELECT id, directory_id, groupname, description FROM security_internal_groups
		 WHERE directory_id = $1 AND LOWER(groupname) = LOWER($2)`,
		d.id, groupName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, backendErr(d.idStr, "get group", groupName, err)
	}
	return &g, nil
}

// CreateGroup stores a new internal group and ensures a matching row exists
// in the shared groups table, which is what roles attach to.
func (d *InternalDirectory) CreateGroup(ctx context.Context, group *models.Group) error {
	if _, err := d.getGroup(ctx, group.GroupName); err == nil {
		return ErrDuplicateGroup
	} else if !errors.Is(err, ErrGroupNotFound) {
		return err
	}

	if group.ID == uuid.Nil {
		group.ID = d.deps.newID()
	}
	group.DirectoryID = d.id
	_, err := d.deps.DB.ExecContext(ctx,
		`INSERT INTO security_internal_groups (id, directory_id, groupname, description)
		 VALUES ($1, $2, $3, $4)`,
		group.ID, d.id, group.GroupName, group.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGroup
		}
		return backendErr(d.idStr, "create group", group.GroupName, err)
	}

	var shared int
	err = d.deps.DB.GetContext(ctx, &shared,
		`SELECT COUNT(*) FROM security_groups WHERE LOWER(groupname) = LOWER($1)`,
		group.GroupName)
	if err != nil {
		return backendErr(d.idStr, "check shared group", group.GroupName, err)
	}
	if shared == 0 {
		_, err = d.deps.DB.ExecContext(ctx,
			`INSERT INTO security_groups (id, groupname, description)
			 VALUES ($1, $2, $3)`,
			d.deps.newID(), group.GroupName, group.Description)
		if err != nil && !isUniqueViolation(err) {
			return backendErr(d.idStr, "create shared group", group.GroupName, err)
		}
	}
	return nil
}

func (d *InternalDirectory) UpdateGroup(ctx context.Context, group *models.Group) error {
	existing, err := d.getGroup(ctx, group.GroupName)
	if err != nil {
		return err
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`UPDATE security_internal_groups SET description = $1 WHERE id = $2`,
		group.Description, existing.ID)
	return backendErr(d.idStr, "update group", group.GroupName, err)
}

// DeleteGroup removes an internal group and its shared row. A group that
// still has members cannot be deleted.
func (d *InternalDirectory) DeleteGroup(ctx context.Context, groupName string) error {
	group, err := d.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	var members int
	err = d.deps.DB.GetContext(ctx, &members,
		`SELECT COUNT(*) FROM security_internal_user_to_internal_group
		 WHERE internal_group_id = $1`,
		group.ID)
	if err != nil {
		return backendErr(d.idStr, "count group members", groupName, err)
	}
	if members > 0 {
		return ErrExistingGroupMembers
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_internal_groups WHERE id = $1`, group.ID)
	if err != nil {
		return backendErr(d.idStr, "delete group", groupName, err)
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_groups WHERE LOWER(groupname) = LOWER($1)`, groupName)
	return backendErr(d.idStr, "delete shared group", groupName, err)
}

func (d *InternalDirectory) GetGroup(ctx context.Context, groupName string) (*models.Group, error) {
	return d.getGroup(ctx, groupName)
}

func (d *InternalDirectory) GetGroups(ctx context.Context) ([]*models.Group, error) {
	var groups []*models.Group
	err := d.deps.DB.SelectContext(ctx, &groups,
		`SELECT id, directory_id, groupname, description FROM security_internal_groups
		 WHERE directory_id = $1 ORDER BY groupname`,
		d.id)
	if err != nil {
		return nil, backendErr(d.idStr, "get groups", "", err)
	}
	return groups, nil
}

// AddUserToGroup is idempotent: adding a user who is already a member is a
// no-op.
func (d *InternalDirectory) AddUserToGroup(ctx context.Context, username, groupName string) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	group, err := d.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	member, err := d.isMember(ctx, user.ID, group.ID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`INSERT INTO security_internal_user_to_internal_group (internal_user_id, internal_group_id)
		 VALUES ($1, $2)`,
		user.ID, group.ID)
	if err != nil && !isUniqueViolation(err) {
		return backendErr(d.idStr, "add user to group", username, err)
	}
	return nil
}

func (d *InternalDirectory) RemoveUserFromGroup(ctx context.Context, username, groupName string) error {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return err
	}
	group, err := d.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_internal_user_to_internal_group
		 WHERE internal_user_id = $1 AND internal_group_id = $2`,
		user.ID, group.ID)
	return backendErr(d.idStr, "remove user from group", username, err)
}

func (d *InternalDirectory) isMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	var count int
	err := d.deps.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_internal_user_to_internal_group
		 WHERE internal_user_id = $1 AND internal_group_id = $2`,
		userID, groupID)
	if err != nil {
		return false, backendErr(d.idStr, "check group membership", userID.String(), err)
	}
	return count > 0, nil
}

func (d *InternalDirectory) IsUserInGroup(ctx context.Context, username, groupName string) (bool, error) {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return false, err
	}
	group, err := d.getGroup(ctx, groupName)
	if err != nil {
		return false, err
	}
	return d.isMember(ctx, user.ID, group.ID)
}

func (d *InternalDirectory) GetGroupNamesForUser(ctx context.Context, username string) ([]string, error) {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	var names []string
	err = d.deps.DB.SelectContext(ctx, &names,
		`SELECT g.groupname FROM security_internal_groups g
		 JOIN security_internal_user_to_internal_group m ON m.internal_group_id = g.id
		 WHERE m.internal_user_id = $1 ORDER BY g.groupname`,
		user.ID)
	if err != nil {
		return nil, backendErr(d.idStr, "get group names for user", username, err)
	}
	return names, nil
}

func (d *InternalDirectory) GetGroupsForUser(ctx context.Context, username string) ([]*models.Group, error) {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	var groups []*models.Group
	err = d.deps.DB.SelectContext(ctx, &groups,
		`SELECT g.id, g.directory_id, g.groupname, g.description FROM security_internal_groups g
		 JOIN security_internal_user_to_internal_group m ON m.internal_group_id = g.id
		 WHERE m.internal_user_id = $1 ORDER BY g.groupname`,
		user.ID)
	if err != nil {
		return nil, backendErr(d.idStr, "get groups for user", username, err)
	}
	return groups, nil
}

// GetFunctionCodesForUser resolves the distinct function codes reachable from
// the user's internal group memberships through the shared group, role and
// function mapping tables.
func (d *InternalDirectory) GetFunctionCodesForUser(ctx context.Context, username string) ([]string, error) {
	user, err := d.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	var codes []string
	err = d.deps.DB.SelectContext(ctx, &codes,
		`SELECT DISTINCT f.code
		 FROM security_functions f
		 JOIN security_function_to_role_map fr ON fr.function_id = f.id
		 JOIN security_role_to_group_map rg ON rg.role_id = fr.role_id
		 JOIN security_groups g ON g.id = rg.group_id
		 JOIN security_internal_groups ig
		   ON LOWER(ig.groupname) = LOWER(g.groupname) AND ig.directory_id = $1
		 JOIN security_internal_user_to_internal_group m ON m.internal_group_id = ig.id
		 WHERE m.internal_user_id = $2
		 ORDER BY f.code`,
		d.id, user.ID)
	if err != nil {
		return nil, backendErr(d.idStr, "get function codes for user", username, err)
	}
	return codes, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
