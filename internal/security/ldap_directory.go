package security

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/dirsec-io/dirsec/internal/models"
)

func init() {
	RegisterDirectoryType(DirectoryTypeLDAP, NewLDAPDirectory)
}

// untrackedAttempts is the attribute value marking an account whose failed
// attempts are not counted.
const untrackedAttempts = "-1"

// ldapConfig is the parsed parameter set for an LDAP directory. Attribute
// names map the directory's schema onto the User and Group models.
type ldapConfig struct {
	Host         string
	Port         int
	UseSSL       bool
	UseStartTLS  bool
	BindDN       string
	BindPassword string

	BaseDN      string
	UserBaseDN  string
	GroupBaseDN string

	// SharedBaseDN is an optional additional subtree of read-only identities
	// shared between directories. Users resolved there cannot be modified.
	SharedBaseDN string

	UserObjectClass               string
	UserUsernameAttribute         string
	UserPasswordExpiryAttribute   string
	UserPasswordAttemptsAttribute string
	UserPasswordHistoryAttribute  string
	UserFirstNamesAttribute       string
	UserLastNameAttribute         string
	UserPhoneNumberAttribute      string
	UserMobileNumberAttribute     string
	UserEmailAttribute            string

	GroupObjectClass          string
	GroupNameAttribute        string
	GroupMemberAttribute      string
	GroupDescriptionAttribute string

	SupportPasswordHistory bool
	ConnectTimeoutSeconds  int
}

var ldapRequiredParams = []string{
	"Host",
	"Port",
	"BindDN",
	"BindPassword",
	"BaseDN",
	"UserBaseDN",
	"GroupBaseDN",
	"UserObjectClass",
	"UserUsernameAttribute",
	"UserPasswordExpiryAttribute",
	"UserPasswordAttemptsAttribute",
	"UserPasswordHistoryAttribute",
	"UserFirstNamesAttribute",
	"UserLastNameAttribute",
	"UserMobileNumberAttribute",
	"UserEmailAttribute",
	"GroupObjectClass",
	"GroupNameAttribute",
	"GroupMemberAttribute",
}

func parseLDAPConfig(params map[string]string) (ldapConfig, error) {
	for _, name := range ldapRequiredParams {
		if params[name] == "" {
			return ldapConfig{}, fmt.Errorf("%w: missing required parameter %q",
				ErrInvalidConfiguration, name)
		}
	}

	port, err := strconv.Atoi(params["Port"])
	if err != nil || port <= 0 || port > 65535 {
		return ldapConfig{}, fmt.Errorf("%w: parameter \"Port\": invalid value %q",
			ErrInvalidConfiguration, params["Port"])
	}

	cfg := ldapConfig{
		Host:         params["Host"],
		Port:         port,
		BindDN:       params["BindDN"],
		BindPassword: params["BindPassword"],
		BaseDN:       params["BaseDN"],
		UserBaseDN:   params["UserBaseDN"],
		GroupBaseDN:  params["GroupBaseDN"],
		SharedBaseDN: params["SharedBaseDN"],

		UserObjectClass:               params["UserObjectClass"],
		UserUsernameAttribute:         params["UserUsernameAttribute"],
		UserPasswordExpiryAttribute:   params["UserPasswordExpiryAttribute"],
		UserPasswordAttemptsAttribute: params["UserPasswordAttemptsAttribute"],
		UserPasswordHistoryAttribute:  params["UserPasswordHistoryAttribute"],
		UserFirstNamesAttribute:       params["UserFirstNamesAttribute"],
		UserLastNameAttribute:         params["UserLastNameAttribute"],
		UserPhoneNumberAttribute:      params["UserPhoneNumberAttribute"],
		UserMobileNumberAttribute:     params["UserMobileNumberAttribute"],
		UserEmailAttribute:            params["UserEmailAttribute"],

		GroupObjectClass:          params["GroupObjectClass"],
		GroupNameAttribute:        params["GroupNameAttribute"],
		GroupMemberAttribute:      params["GroupMemberAttribute"],
		GroupDescriptionAttribute: params["GroupDescriptionAttribute"],

		ConnectTimeoutSeconds: 10,
	}

	for name, dst := range map[string]*bool{
		"UseSSL":                 &cfg.UseSSL,
		"UseStartTLS":            &cfg.UseStartTLS,
		"SupportPasswordHistory": &cfg.SupportPasswordHistory,
	} {
		if raw := params[name]; raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return ldapConfig{}, fmt.Errorf("%w: parameter %q: invalid value %q",
					ErrInvalidConfiguration, name, raw)
			}
			*dst = v
		}
	}
	if raw := params["ConnectTimeoutSeconds"]; raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return ldapConfig{}, fmt.Errorf("%w: parameter \"ConnectTimeoutSeconds\": invalid value %q",
				ErrInvalidConfiguration, raw)
		}
		cfg.ConnectTimeoutSeconds = v
	}
	return cfg, nil
}

// LDAPDirectory adapts an LDAP server to the UserDirectory contract. Every
// operation opens a fresh connection, binds with the service account, and
// closes the connection when done; there is no pooled state to invalidate on
// configuration reload. Password policy bookkeeping (attempt counts, expiry,
// history) lives in per-user attributes named by the configuration.
type LDAPDirectory struct {
	id     uuid.UUID
	idStr  string
	deps   DirectoryDeps
	policy PasswordPolicy
	cfg    ldapConfig
}

// NewLDAPDirectory builds an LDAP directory from its persisted parameters.
// A missing required parameter fails construction immediately.
func NewLDAPDirectory(id uuid.UUID, params map[string]string, deps DirectoryDeps) (UserDirectory, error) {
	cfg, err := parseLDAPConfig(params)
	if err != nil {
		return nil, err
	}
	policy, err := policyFromParams(params)
	if err != nil {
		return nil, err
	}
	if deps.Hasher == nil {
		deps.Hasher = NewAutoHasher()
	}
	return &LDAPDirectory{
		id:     id,
		idStr:  id.String(),
		deps:   deps,
		policy: policy,
		cfg:    cfg,
	}, nil
}

func (d *LDAPDirectory) SupportsUserAdministration() bool  { return true }
func (d *LDAPDirectory) SupportsGroupAdministration() bool { return true }

// connect dials the server and binds with the service account. The caller
// closes the returned connection.
func (d *LDAPDirectory) connect(ctx context.Context) (*ldap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := time.Duration(d.cfg.ConnectTimeoutSeconds) * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	scheme := "ldap"
	if d.cfg.UseSSL {
		scheme = "ldaps"
	}
	address := fmt.Sprintf("%s://%s:%d", scheme, d.cfg.Host, d.cfg.Port)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := ldap.DialURL(address, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, backendErr(d.idStr, "connect", "", err)
	}
	conn.SetTimeout(timeout)

	if d.cfg.UseStartTLS && !d.cfg.UseSSL {
		if err := conn.StartTLS(&tls.Config{ServerName: d.cfg.Host}); err != nil {
			conn.Close()
			return nil, backendErr(d.idStr, "start tls", "", err)
		}
	}
	if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, backendErr(d.idStr, "service bind", "", err)
	}
	return conn, nil
}

func (d *LDAPDirectory) userAttributes() []string {
	attrs := []string{
		d.cfg.UserUsernameAttribute,
		d.cfg.UserPasswordExpiryAttribute,
		d.cfg.UserPasswordAttemptsAttribute,
		d.cfg.UserFirstNamesAttribute,
		d.cfg.UserLastNameAttribute,
		d.cfg.UserMobileNumberAttribute,
		d.cfg.UserEmailAttribute,
	}
	if d.cfg.UserPhoneNumberAttribute != "" {
		attrs = append(attrs, d.cfg.UserPhoneNumberAttribute)
	}
	return attrs
}

func (d *LDAPDirectory) userFilter(username string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(d.cfg.UserObjectClass),
		d.cfg.UserUsernameAttribute,
		ldap.EscapeFilter(username))
}

func (d *LDAPDirectory) entryToUser(entry *ldap.Entry, readOnly bool) *models.User {
	user := &models.User{
		DirectoryID:  d.id,
		Username:     entry.GetAttributeValue(d.cfg.UserUsernameAttribute),
		FirstNames:   entry.GetAttributeValue(d.cfg.UserFirstNamesAttribute),
		LastName:     entry.GetAttributeValue(d.cfg.UserLastNameAttribute),
		MobileNumber: entry.GetAttributeValue(d.cfg.UserMobileNumberAttribute),
		Email:        entry.GetAttributeValue(d.cfg.UserEmailAttribute),
		ReadOnly:     readOnly,
		BackendRef:   entry.DN,
	}
	if d.cfg.UserPhoneNumberAttribute != "" {
		user.PhoneNumber = entry.GetAttributeValue(d.cfg.UserPhoneNumberAttribute)
	}
	if raw := entry.GetAttributeValue(d.cfg.UserPasswordAttemptsAttribute); raw != "" && raw != untrackedAttempts {
		if n, err := strconv.Atoi(raw); err == nil {
			user.PasswordAttempts = &n
		}
	}
	if raw := entry.GetAttributeValue(d.cfg.UserPasswordExpiryAttribute); raw != "" && raw != untrackedAttempts {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			user.PasswordExpiry = &t
		}
	}
	return user
}

// resolveUser finds the single entry for a username, searching the user base
// first and then the shared (read-only) base when one is configured. More
// than one match in a base is a backend fault, not a lookup miss.
func (d *LDAPDirectory) resolveUser(conn *ldap.Conn, username string) (*models.User, error) {
	bases := []struct {
		dn       string
		readOnly bool
	}{
		{d.cfg.UserBaseDN, false},
	}
	if d.cfg.SharedBaseDN != "" {
		bases = append(bases, struct {
			dn       string
			readOnly bool
		}{d.cfg.SharedBaseDN, true})
	}

	for _, base := range bases {
		req := ldap.NewSearchRequest(
			base.dn,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			2, 0, false,
			d.userFilter(username),
			d.userAttributes(),
			nil,
		)
		result, err := conn.Search(req)
		if err != nil {
			return nil, backendErr(d.idStr, "search user", username, err)
		}
		switch len(result.Entries) {
		case 0:
			continue
		case 1:
			return d.entryToUser(result.Entries[0], base.readOnly), nil
		default:
			return nil, backendErr(d.idStr, "search user", username,
				fmt.Errorf("multiple entries match"))
		}
	}
	return nil, ErrUserNotFound
}

// Authenticate verifies credentials by binding as the resolved entry.
// Identities from the shared base skip the lock and expiry checks since their
// policy attributes are not writable here.
func (d *LDAPDirectory) Authenticate(ctx context.Context, username, password string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	if !user.ReadOnly {
		if d.policy.Locked(user.PasswordAttempts) {
			return ErrUserLocked
		}
		if user.PasswordExpired(d.deps.now()) {
			return ErrPasswordExpired
		}
	}

	if err := conn.Bind(user.BackendRef, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			if user.AttemptsTracked() && !user.ReadOnly {
				// Rebind as the service account to write the counter.
				if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
					return backendErr(d.idStr, "service bind", username, err)
				}
				if err := d.writeAttempts(conn, user.BackendRef, *user.PasswordAttempts+1); err != nil {
					return err
				}
			}
			return ErrAuthenticationFailed
		}
		return backendErr(d.idStr, "user bind", username, err)
	}
	return nil
}

func (d *LDAPDirectory) writeAttempts(conn *ldap.Conn, dn string, attempts int) error {
	modify := ldap.NewModifyRequest(dn, nil)
	modify.Replace(d.cfg.UserPasswordAttemptsAttribute, []string{strconv.Itoa(attempts)})
	return backendErr(d.idStr, "update password attempts", dn, conn.Modify(modify))
}

// ChangePassword verifies the existing password with a bind as the user, then
// installs the new credential in a single modify. Shared-base identities are
// read-only here.
func (d *LDAPDirectory) ChangePassword(ctx context.Context, username, existingPassword, newPassword string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	if user.ReadOnly {
		return ErrReadOnlyUser
	}
	if d.policy.Locked(user.PasswordAttempts) {
		return ErrUserLocked
	}

	if err := conn.Bind(user.BackendRef, existingPassword); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrAuthenticationFailed
		}
		return backendErr(d.idStr, "user bind", username, err)
	}
	if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		return backendErr(d.idStr, "service bind", username, err)
	}

	newHash, err := d.deps.Hasher.Hash(newPassword)
	if err != nil {
		return backendErr(d.idStr, "hash password", username, err)
	}
	if d.cfg.SupportPasswordHistory {
		history, err := d.readPasswordHistory(conn, user.BackendRef)
		if err != nil {
			return err
		}
		for _, prior := range history {
			if prior == newHash {
				return ErrExistingPassword
			}
		}
	}

	now := d.deps.now()
	modify := ldap.NewModifyRequest(user.BackendRef, nil)
	modify.Replace("userPassword", []string{newPassword})
	if user.AttemptsTracked() {
		modify.Replace(d.cfg.UserPasswordAttemptsAttribute, []string{"0"})
	}
	if expiry := d.policy.ExpiryFrom(now); expiry != nil && user.PasswordExpiry != nil {
		modify.Replace(d.cfg.UserPasswordExpiryAttribute,
			[]string{strconv.FormatInt(expiry.UnixMilli(), 10)})
	}
	if d.cfg.SupportPasswordHistory {
		modify.Add(d.cfg.UserPasswordHistoryAttribute, []string{newHash})
	}
	return backendErr(d.idStr, "change password", username, conn.Modify(modify))
}

// AdminChangePassword installs a new password without the existing one,
// applying the lock/expire/reset-history options.
func (d *LDAPDirectory) AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	if user.ReadOnly {
		return ErrReadOnlyUser
	}

	newHash, err := d.deps.Hasher.Hash(newPassword)
	if err != nil {
		return backendErr(d.idStr, "hash password", username, err)
	}

	modify := ldap.NewModifyRequest(user.BackendRef, nil)
	modify.Replace("userPassword", []string{newPassword})
	switch {
	case opts.LockUser:
		modify.Replace(d.cfg.UserPasswordAttemptsAttribute,
			[]string{strconv.Itoa(d.policy.MaxPasswordAttempts)})
	case user.AttemptsTracked():
		modify.Replace(d.cfg.UserPasswordAttemptsAttribute, []string{"0"})
	}
	switch {
	case opts.ExpirePassword:
		modify.Replace(d.cfg.UserPasswordExpiryAttribute, []string{"0"})
	case user.PasswordExpiry != nil:
		if expiry := d.policy.ExpiryFrom(d.deps.now()); expiry != nil {
			modify.Replace(d.cfg.UserPasswordExpiryAttribute,
				[]string{strconv.FormatInt(expiry.UnixMilli(), 10)})
		}
	}
	if d.cfg.SupportPasswordHistory {
		if opts.ResetPasswordHistory {
			modify.Replace(d.cfg.UserPasswordHistoryAttribute, []string{newHash})
		} else {
			modify.Add(d.cfg.UserPasswordHistoryAttribute, []string{newHash})
		}
	}
	return backendErr(d.idStr, "admin change password", username, conn.Modify(modify))
}

func (d *LDAPDirectory) readPasswordHistory(conn *ldap.Conn, dn string) ([]string, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{d.cfg.UserPasswordHistoryAttribute},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, backendErr(d.idStr, "read password history", dn, err)
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0].GetAttributeValues(d.cfg.UserPasswordHistoryAttribute), nil
}

func (d *LDAPDirectory) userDN(username string) string {
	return fmt.Sprintf("%s=%s,%s",
		d.cfg.UserUsernameAttribute, ldap.EscapeDN(username), d.cfg.UserBaseDN)
}

// CreateUser adds a new entry under the user base DN.
func (d *LDAPDirectory) CreateUser(ctx context.Context, user *models.User, expiredPassword, userLocked bool) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := d.resolveUser(conn, user.Username); err == nil {
		return ErrDuplicateUser
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	dn := d.userDN(user.Username)
	now := d.deps.now()

	attempts := "0"
	if userLocked {
		attempts = strconv.Itoa(d.policy.MaxPasswordAttempts)
	}
	expiry := ""
	if expiredPassword {
		expiry = "0"
	} else if t := d.policy.ExpiryFrom(now); t != nil {
		expiry = strconv.FormatInt(t.UnixMilli(), 10)
	}

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", d.cfg.UserObjectClass})
	add.Attribute(d.cfg.UserUsernameAttribute, []string{user.Username})
	add.Attribute("userPassword", []string{user.Password})
	add.Attribute(d.cfg.UserPasswordAttemptsAttribute, []string{attempts})
	if expiry != "" {
		add.Attribute(d.cfg.UserPasswordExpiryAttribute, []string{expiry})
	}
	if user.FirstNames != "" {
		add.Attribute(d.cfg.UserFirstNamesAttribute, []string{user.FirstNames})
	}
	if user.LastName != "" {
		add.Attribute(d.cfg.UserLastNameAttribute, []string{user.LastName})
	}
	if user.PhoneNumber != "" && d.cfg.UserPhoneNumberAttribute != "" {
		add.Attribute(d.cfg.UserPhoneNumberAttribute, []string{user.PhoneNumber})
	}
	if user.MobileNumber != "" {
		add.Attribute(d.cfg.UserMobileNumberAttribute, []string{user.MobileNumber})
	}
	if user.Email != "" {
		add.Attribute(d.cfg.UserEmailAttribute, []string{user.Email})
	}
	if d.cfg.SupportPasswordHistory {
		hash, err := d.deps.Hasher.Hash(user.Password)
		if err != nil {
			return backendErr(d.idStr, "hash password", user.Username, err)
		}
		add.Attribute(d.cfg.UserPasswordHistoryAttribute, []string{hash})
	}

	if err := conn.Add(add); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return ErrDuplicateUser
		}
		return backendErr(d.idStr, "create user", user.Username, err)
	}
	user.DirectoryID = d.id
	user.BackendRef = dn
	return nil
}

// UpdateUser modifies the profile attributes of an existing entry. Only
// non-empty fields are written.
func (d *LDAPDirectory) UpdateUser(ctx context.Context, user *models.User, expirePassword, lockUser bool) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	existing, err := d.resolveUser(conn, user.Username)
	if err != nil {
		return err
	}
	if existing.ReadOnly {
		return ErrReadOnlyUser
	}

	modify := ldap.NewModifyRequest(existing.BackendRef, nil)
	changed := false
	replace := func(attr, value string) {
		if attr != "" && value != "" {
			modify.Replace(attr, []string{value})
			changed = true
		}
	}
	replace(d.cfg.UserFirstNamesAttribute, user.FirstNames)
	replace(d.cfg.UserLastNameAttribute, user.LastName)
	replace(d.cfg.UserPhoneNumberAttribute, user.PhoneNumber)
	replace(d.cfg.UserMobileNumberAttribute, user.MobileNumber)
	replace(d.cfg.UserEmailAttribute, user.Email)
	if user.Password != "" {
		modify.Replace("userPassword", []string{user.Password})
		changed = true
	}
	if expirePassword {
		modify.Replace(d.cfg.UserPasswordExpiryAttribute, []string{"0"})
		changed = true
	}
	if lockUser {
		modify.Replace(d.cfg.UserPasswordAttemptsAttribute,
			[]string{strconv.Itoa(d.policy.MaxPasswordAttempts)})
		changed = true
	}
	if !changed {
		return nil
	}
	return backendErr(d.idStr, "update user", user.Username, conn.Modify(modify))
}

func (d *LDAPDirectory) DeleteUser(ctx context.Context, username string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	if user.ReadOnly {
		return ErrReadOnlyUser
	}
	return backendErr(d.idStr, "delete user", username,
		conn.Del(ldap.NewDelRequest(user.BackendRef, nil)))
}

func (d *LDAPDirectory) GetUser(ctx context.Context, username string) (*models.User, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return d.resolveUser(conn, username)
}

func (d *LDAPDirectory) GetUsers(ctx context.Context) ([]*models.User, error) {
	return d.searchUsers(ctx, fmt.Sprintf("(objectClass=%s)",
		ldap.EscapeFilter(d.cfg.UserObjectClass)))
}

// ldapFindAttributes maps the searchable attribute names onto the configured
// per-field LDAP attributes.
func (d *LDAPDirectory) ldapFindAttributes() map[string]string {
	return map[string]string{
		"username":     d.cfg.UserUsernameAttribute,
		"firstName":    d.cfg.UserFirstNamesAttribute,
		"lastName":     d.cfg.UserLastNameAttribute,
		"email":        d.cfg.UserEmailAttribute,
		"phoneNumber":  d.cfg.UserPhoneNumberAttribute,
		"mobileNumber": d.cfg.UserMobileNumberAttribute,
	}
}

func (d *LDAPDirectory) FindUsers(ctx context.Context, attributes []models.Attribute) ([]*models.User, error) {
	supported := d.ldapFindAttributes()
	var sb strings.Builder
	fmt.Fprintf(&sb, "(&(objectClass=%s)", ldap.EscapeFilter(d.cfg.UserObjectClass))
	for _, attr := range attributes {
		ldapAttr, ok := supported[attr.Name]
		if !ok || ldapAttr == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAttribute, attr.Name)
		}
		// SQL-style wildcards translate to LDAP substring matches.
		value := strings.ReplaceAll(ldap.EscapeFilter(attr.Value), `\2a`, "*")
		value = strings.ReplaceAll(value, "%", "*")
		fmt.Fprintf(&sb, "(%s=%s)", ldapAttr, value)
	}
	sb.WriteString(")")
	return d.searchUsers(ctx, sb.String())
}

func (d *LDAPDirectory) searchUsers(ctx context.Context, filter string) ([]*models.User, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		d.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		d.policy.MaxFilteredUsers, 0, false,
		filter,
		d.userAttributes(),
		nil,
	)
	// The size limit surfaces as an error alongside the partial result set.
	result, err := conn.Search(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, backendErr(d.idStr, "search users", "", err)
	}
	if result == nil {
		return nil, nil
	}
	users := make([]*models.User, 0, len(result.Entries))
	for _, entry := range result.Entries {
		users = append(users, d.entryToUser(entry, false))
	}
	return users, nil
}

func (d *LDAPDirectory) IsExistingUser(ctx context.Context, username string) (bool, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = d.resolveUser(conn, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *LDAPDirectory) groupFilter(groupName string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(d.cfg.GroupObjectClass),
		d.cfg.GroupNameAttribute,
		ldap.EscapeFilter(groupName))
}

func (d *LDAPDirectory) groupAttributes() []string {
	attrs := []string{d.cfg.GroupNameAttribute, d.cfg.GroupMemberAttribute}
	if d.cfg.GroupDescriptionAttribute != "" {
		attrs = append(attrs, d.cfg.GroupDescriptionAttribute)
	}
	return attrs
}

// groupEntry is a resolved group entry plus its member DNs.
type groupEntry struct {
	dn          string
	name        string
	description string
	members     []string
}

func (d *LDAPDirectory) resolveGroup(conn *ldap.Conn, groupName string) (*groupEntry, error) {
	req := ldap.NewSearchRequest(
		d.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, 0, false,
		d.groupFilter(groupName),
		d.groupAttributes(),
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, backendErr(d.idStr, "search group", groupName, err)
	}
	switch len(result.Entries) {
	case 0:
		return nil, ErrGroupNotFound
	case 1:
	default:
		return nil, backendErr(d.idStr, "search group", groupName,
			fmt.Errorf("multiple entries match"))
	}
	entry := result.Entries[0]
	g := &groupEntry{
		dn:      entry.DN,
		name:    entry.GetAttributeValue(d.cfg.GroupNameAttribute),
		members: entry.GetAttributeValues(d.cfg.GroupMemberAttribute),
	}
	if d.cfg.GroupDescriptionAttribute != "" {
		g.description = entry.GetAttributeValue(d.cfg.GroupDescriptionAttribute)
	}
	return g, nil
}

func (d *LDAPDirectory) groupModel(g *groupEntry) *models.Group {
	return &models.Group{
		DirectoryID: d.id,
		GroupName:   g.name,
		Description: g.description,
	}
}

// CreateGroup adds a group entry and ensures a matching row in the shared
// groups table so roles can attach to it.
func (d *LDAPDirectory) CreateGroup(ctx context.Context, group *models.Group) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := d.resolveGroup(conn, group.GroupName); err == nil {
		return ErrDuplicateGroup
	} else if !errors.Is(err, ErrGroupNotFound) {
		return err
	}

	dn := fmt.Sprintf("%s=%s,%s",
		d.cfg.GroupNameAttribute, ldap.EscapeDN(group.GroupName), d.cfg.GroupBaseDN)
	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", d.cfg.GroupObjectClass})
	add.Attribute(d.cfg.GroupNameAttribute, []string{group.GroupName})
	if group.Description != "" && d.cfg.GroupDescriptionAttribute != "" {
		add.Attribute(d.cfg.GroupDescriptionAttribute, []string{group.Description})
	}
	if err := conn.Add(add); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return ErrDuplicateGroup
		}
		return backendErr(d.idStr, "create group", group.GroupName, err)
	}
	group.DirectoryID = d.id

	return d.ensureSharedGroup(ctx, group.GroupName, group.Description)
}

func (d *LDAPDirectory) ensureSharedGroup(ctx context.Context, groupName, description string) error {
	var count int
	err := d.deps.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_groups WHERE LOWER(groupname) = LOWER($1)`,
		groupName)
	if err != nil {
		return backendErr(d.idStr, "check shared group", groupName, err)
	}
	if count > 0 {
		return nil
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`INSERT INTO security_groups (id, groupname, description) VALUES ($1, $2, $3)`,
		d.deps.newID(), groupName, description)
	if err != nil && !isUniqueViolation(err) {
		return backendErr(d.idStr, "create shared group", groupName, err)
	}
	return nil
}

func (d *LDAPDirectory) UpdateGroup(ctx context.Context, group *models.Group) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	existing, err := d.resolveGroup(conn, group.GroupName)
	if err != nil {
		return err
	}
	if d.cfg.GroupDescriptionAttribute == "" {
		return nil
	}
	modify := ldap.NewModifyRequest(existing.dn, nil)
	if group.Description == "" {
		modify.Replace(d.cfg.GroupDescriptionAttribute, nil)
	} else {
		modify.Replace(d.cfg.GroupDescriptionAttribute, []string{group.Description})
	}
	return backendErr(d.idStr, "update group", group.GroupName, conn.Modify(modify))
}

// DeleteGroup removes a group entry. A group that still has members cannot
// be deleted.
func (d *LDAPDirectory) DeleteGroup(ctx context.Context, groupName string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	group, err := d.resolveGroup(conn, groupName)
	if err != nil {
		return err
	}
	if len(group.members) > 0 {
		return ErrExistingGroupMembers
	}
	if err := conn.Del(ldap.NewDelRequest(group.dn, nil)); err != nil {
		return backendErr(d.idStr, "delete group", groupName, err)
	}
	_, err = d.deps.DB.ExecContext(ctx,
		`DELETE FROM security_groups WHERE LOWER(groupname) = LOWER($1)`, groupName)
	return backendErr(d.idStr, "delete shared group", groupName, err)
}

func (d *LDAPDirectory) GetGroup(ctx context.Context, groupName string) (*models.Group, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	group, err := d.resolveGroup(conn, groupName)
	if err != nil {
		return nil, err
	}
	return d.groupModel(group), nil
}

func (d *LDAPDirectory) GetGroups(ctx context.Context) ([]*models.Group, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		d.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		fmt.Sprintf("(objectClass=%s)", ldap.EscapeFilter(d.cfg.GroupObjectClass)),
		d.groupAttributes(),
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, backendErr(d.idStr, "search groups", "", err)
	}
	groups := make([]*models.Group, 0, len(result.Entries))
	for _, entry := range result.Entries {
		g := &models.Group{
			DirectoryID: d.id,
			GroupName:   entry.GetAttributeValue(d.cfg.GroupNameAttribute),
		}
		if d.cfg.GroupDescriptionAttribute != "" {
			g.Description = entry.GetAttributeValue(d.cfg.GroupDescriptionAttribute)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// AddUserToGroup rebuilds the member attribute with the user's DN included
// and writes it back in a single replace.
func (d *LDAPDirectory) AddUserToGroup(ctx context.Context, username, groupName string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	group, err := d.resolveGroup(conn, groupName)
	if err != nil {
		return err
	}
	for _, member := range group.members {
		if strings.EqualFold(member, user.BackendRef) {
			return nil
		}
	}
	members := append(append([]string{}, group.members...), user.BackendRef)
	modify := ldap.NewModifyRequest(group.dn, nil)
	modify.Replace(d.cfg.GroupMemberAttribute, members)
	return backendErr(d.idStr, "add user to group", username, conn.Modify(modify))
}

// RemoveUserFromGroup rebuilds the member attribute without the user's DN.
func (d *LDAPDirectory) RemoveUserFromGroup(ctx context.Context, username, groupName string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return err
	}
	group, err := d.resolveGroup(conn, groupName)
	if err != nil {
		return err
	}
	members := make([]string, 0, len(group.members))
	for _, member := range group.members {
		if !strings.EqualFold(member, user.BackendRef) {
			members = append(members, member)
		}
	}
	if len(members) == len(group.members) {
		return nil
	}
	modify := ldap.NewModifyRequest(group.dn, nil)
	modify.Replace(d.cfg.GroupMemberAttribute, members)
	return backendErr(d.idStr, "remove user from group", username, conn.Modify(modify))
}

func (d *LDAPDirectory) IsUserInGroup(ctx context.Context, username, groupName string) (bool, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return false, err
	}
	group, err := d.resolveGroup(conn, groupName)
	if err != nil {
		return false, err
	}
	for _, member := range group.members {
		if strings.EqualFold(member, user.BackendRef) {
			return true, nil
		}
	}
	return false, nil
}

// groupNamesForDN searches the group base for entries whose member attribute
// holds the DN.
func (d *LDAPDirectory) groupNamesForDN(conn *ldap.Conn, dn string) ([]string, error) {
	req := ldap.NewSearchRequest(
		d.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
			ldap.EscapeFilter(d.cfg.GroupObjectClass),
			d.cfg.GroupMemberAttribute,
			ldap.EscapeFilter(dn)),
		[]string{d.cfg.GroupNameAttribute},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, backendErr(d.idStr, "search groups for user", dn, err)
	}
	names := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if name := entry.GetAttributeValue(d.cfg.GroupNameAttribute); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (d *LDAPDirectory) GetGroupNamesForUser(ctx context.Context, username string) ([]string, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	user, err := d.resolveUser(conn, username)
	if err != nil {
		return nil, err
	}
	return d.groupNamesForDN(conn, user.BackendRef)
}

func (d *LDAPDirectory) GetGroupsForUser(ctx context.Context, username string) ([]*models.Group, error) {
	names, err := d.GetGroupNamesForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	groups := make([]*models.Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, &models.Group{DirectoryID: d.id, GroupName: name})
	}
	return groups, nil
}

// GetFunctionCodesForUser resolves the user's LDAP group names, then walks
// the relational role and function mappings keyed by the shared group rows.
func (d *LDAPDirectory) GetFunctionCodesForUser(ctx context.Context, username string) ([]string, error) {
	names, err := d.GetGroupNamesForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + strings.ReplaceAll(strings.ToLower(name), "'", "''") + "'"
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT f.code
		 FROM security_functions f
		 JOIN security_function_to_role_map fr ON fr.function_id = f.id
		 JOIN security_role_to_group_map rg ON rg.role_id = fr.role_id
		 JOIN security_groups g ON g.id = rg.group_id
		 WHERE LOWER(g.groupname) IN (%s)
		 ORDER BY f.code`,
		strings.Join(quoted, ", "))

	var codes []string
	if err := d.deps.DB.SelectContext(ctx, &codes, query); err != nil {
		return nil, backendErr(d.idStr, "get function codes for user", username, err)
	}
	return codes, nil
}
