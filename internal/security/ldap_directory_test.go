package security

import (
	"strconv"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullLDAPParams() map[string]string {
	return map[string]string{
		"Host":         "ldap.example.com",
		"Port":         "389",
		"BindDN":       "cn=service,dc=example,dc=com",
		"BindPassword": "secret",
		"BaseDN":       "dc=example,dc=com",
		"UserBaseDN":   "ou=users,dc=example,dc=com",
		"GroupBaseDN":  "ou=groups,dc=example,dc=com",

		"UserObjectClass":               "inetOrgPerson",
		"UserUsernameAttribute":         "uid",
		"UserPasswordExpiryAttribute":   "passwordExpiry",
		"UserPasswordAttemptsAttribute": "passwordAttempts",
		"UserPasswordHistoryAttribute":  "passwordHistory",
		"UserFirstNamesAttribute":       "givenName",
		"UserLastNameAttribute":         "sn",
		"UserMobileNumberAttribute":     "mobile",
		"UserEmailAttribute":            "mail",

		"GroupObjectClass":     "groupOfNames",
		"GroupNameAttribute":   "cn",
		"GroupMemberAttribute": "member",
	}
}

func TestParseLDAPConfig(t *testing.T) {
	t.Run("full parameter set", func(t *testing.T) {
		cfg, err := parseLDAPConfig(fullLDAPParams())
		require.NoError(t, err)
		assert.Equal(t, "ldap.example.com", cfg.Host)
		assert.Equal(t, 389, cfg.Port)
		assert.Equal(t, 10, cfg.ConnectTimeoutSeconds)
		assert.False(t, cfg.SupportPasswordHistory)
		assert.Empty(t, cfg.SharedBaseDN)
	})

	t.Run("every required parameter is enforced", func(t *testing.T) {
		for _, name := range ldapRequiredParams {
			params := fullLDAPParams()
			delete(params, name)
			_, err := parseLDAPConfig(params)
			assert.ErrorIs(t, err, ErrInvalidConfiguration, "parameter %s", name)
		}
	})

	t.Run("optional parameters", func(t *testing.T) {
		params := fullLDAPParams()
		params["SharedBaseDN"] = "ou=shared,dc=example,dc=com"
		params["SupportPasswordHistory"] = "true"
		params["ConnectTimeoutSeconds"] = "3"
		params["UseStartTLS"] = "true"

		cfg, err := parseLDAPConfig(params)
		require.NoError(t, err)
		assert.Equal(t, "ou=shared,dc=example,dc=com", cfg.SharedBaseDN)
		assert.True(t, cfg.SupportPasswordHistory)
		assert.True(t, cfg.UseStartTLS)
		assert.Equal(t, 3, cfg.ConnectTimeoutSeconds)
	})

	t.Run("malformed values", func(t *testing.T) {
		params := fullLDAPParams()
		params["Port"] = "not-a-port"
		_, err := parseLDAPConfig(params)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		params = fullLDAPParams()
		params["SupportPasswordHistory"] = "maybe"
		_, err = parseLDAPConfig(params)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func newLDAPDirectoryForTest(t *testing.T, params map[string]string) *LDAPDirectory {
	t.Helper()
	dir, err := NewLDAPDirectory(
		uuid.MustParse("66666666-6666-6666-6666-666666666666"),
		params,
		DirectoryDeps{Hasher: SHA256Hasher{}, Now: func() time.Time { return testNow }},
	)
	require.NoError(t, err)
	return dir.(*LDAPDirectory)
}

func TestLDAPDirectoryEntryToUser(t *testing.T) {
	dir := newLDAPDirectoryForTest(t, fullLDAPParams())

	expiry := testNow.Add(time.Hour)
	entry := ldap.NewEntry("uid=jsmith,ou=users,dc=example,dc=com", map[string][]string{
		"uid":              {"jsmith"},
		"givenName":        {"John"},
		"sn":               {"Smith"},
		"mobile":           {"+27835551234"},
		"mail":             {"jsmith@example.com"},
		"passwordAttempts": {"2"},
		"passwordExpiry":   {strconv.FormatInt(expiry.UnixMilli(), 10)},
	})

	user := dir.entryToUser(entry, false)
	assert.Equal(t, "jsmith", user.Username)
	assert.Equal(t, "John", user.FirstNames)
	assert.Equal(t, "Smith", user.LastName)
	assert.Equal(t, "uid=jsmith,ou=users,dc=example,dc=com", user.BackendRef)
	assert.False(t, user.ReadOnly)
	require.NotNil(t, user.PasswordAttempts)
	assert.Equal(t, 2, *user.PasswordAttempts)
	require.NotNil(t, user.PasswordExpiry)
	assert.Equal(t, expiry.UnixMilli(), user.PasswordExpiry.UnixMilli())
}

func TestLDAPDirectoryEntryToUserUntracked(t *testing.T) {
	dir := newLDAPDirectoryForTest(t, fullLDAPParams())

	entry := ldap.NewEntry("uid=svc,ou=users,dc=example,dc=com", map[string][]string{
		"uid":              {"svc"},
		"passwordAttempts": {untrackedAttempts},
	})

	user := dir.entryToUser(entry, true)
	assert.Nil(t, user.PasswordAttempts, "-1 means attempts are not tracked")
	assert.Nil(t, user.PasswordExpiry)
	assert.True(t, user.ReadOnly)
}

func TestLDAPDirectoryFilters(t *testing.T) {
	dir := newLDAPDirectoryForTest(t, fullLDAPParams())

	t.Run("user filter escapes the username", func(t *testing.T) {
		filter := dir.userFilter("j*smith")
		assert.Equal(t, `(&(objectClass=inetOrgPerson)(uid=j\2asmith))`, filter)
	})

	t.Run("group filter", func(t *testing.T) {
		filter := dir.groupFilter("Operators")
		assert.Equal(t, `(&(objectClass=groupOfNames)(cn=Operators))`, filter)
	})

	t.Run("user dn escapes special characters", func(t *testing.T) {
		dn := dir.userDN("smith, john")
		assert.Equal(t, `uid=smith\, john,ou=users,dc=example,dc=com`, dn)
	})
}
