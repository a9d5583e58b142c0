package security

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirsec-io/dirsec/internal/models"
)

var (
	testDirectoryID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testUserID      = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testGroupID     = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	testGeneratedID = uuid.MustParse("44444444-4444-4444-4444-444444444444")

	testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

	// base64(SHA-256("Password1"))
	testHash = "GVE/3J2k+3KkoF62aRdUjTyQ/5TVQZ4fI2PuqJ3+4d0="
)

func newInternalDirectory(t *testing.T) (UserDirectory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir, err := NewInternalDirectory(testDirectoryID, nil, DirectoryDeps{
		DB:     sqlx.NewDb(db, "sqlmock"),
		Hasher: SHA256Hasher{},
		Now:    func() time.Time { return testNow },
		NewID:  func() uuid.UUID { return testGeneratedID },
	})
	require.NoError(t, err)
	return dir, mock
}

func userColumns() []string {
	return []string{
		"id", "directory_id", "username", "password", "first_names",
		"last_name", "phone", "mobile", "email", "password_attempts", "password_expiry",
	}
}

func userRow(hash string, attempts interface{}, expiry interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns()).AddRow(
		testUserID.String(), testDirectoryID.String(), "jsmith", hash,
		"John", "Smith", "", "", "jsmith@example.com", attempts, expiry)
}

func expectGetUser(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_users")).WillReturnRows(rows)
}

func TestInternalDirectoryAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, testNow.AddDate(0, 1, 0)))

		err := dir.Authenticate(ctx, "jsmith", "Password1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, sqlmock.NewRows(userColumns()))

		err := dir.Authenticate(ctx, "nobody", "Password1")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("locked wins over expired", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, DefaultMaxPasswordAttempts, testNow.AddDate(0, -1, 0)))

		err := dir.Authenticate(ctx, "jsmith", "Password1")
		assert.ErrorIs(t, err, ErrUserLocked)
	})

	t.Run("expired wins over wrong password", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, testNow.AddDate(0, -1, 0)))

		err := dir.Authenticate(ctx, "jsmith", "WrongPassword")
		assert.ErrorIs(t, err, ErrPasswordExpired)
	})

	t.Run("wrong password increments tracked attempts", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 2, nil))
		mock.ExpectExec(regexp.QuoteMeta("SET password_attempts = password_attempts + 1")).
			WithArgs(testUserID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.Authenticate(ctx, "jsmith", "WrongPassword")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password leaves untracked accounts alone", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, nil, nil))

		err := dir.Authenticate(ctx, "jsmith", "WrongPassword")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("untracked account never locks", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, nil, nil))

		err := dir.Authenticate(ctx, "jsmith", "Password1")
		assert.NoError(t, err)
	})
}

func TestInternalDirectoryChangePassword(t *testing.T) {
	ctx := context.Background()
	newHash, _ := SHA256Hasher{}.Hash("Password2")

	t.Run("rejects reused password", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, nil))
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_users_password_history")).
			WithArgs(testUserID, testNow.AddDate(0, -DefaultPasswordHistoryMonths, 0), newHash).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := dir.ChangePassword(ctx, "jsmith", "Password1", "Password2")
		assert.ErrorIs(t, err, ErrExistingPassword)
	})

	t.Run("rejects wrong existing password without touching history", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, nil))

		err := dir.ChangePassword(ctx, "jsmith", "WrongPassword", "Password2")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects change for locked user", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, DefaultMaxPasswordAttempts, nil))

		err := dir.ChangePassword(ctx, "jsmith", "Password1", "Password2")
		assert.ErrorIs(t, err, ErrUserLocked)
	})

	t.Run("installs new password, resets attempts, records history", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 3, testNow.AddDate(0, 1, 0)))
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_users_password_history")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE security_internal_users")).
			WithArgs(newHash, 0, testNow.AddDate(0, DefaultPasswordExpiryMonths, 0), testUserID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WithArgs(testGeneratedID, testUserID, testNow, newHash).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.ChangePassword(ctx, "jsmith", "Password1", "Password2")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("preserves untracked attempts as untracked", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, nil, nil))
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_users_password_history")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE security_internal_users")).
			WithArgs(newHash, nil, nil, testUserID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.ChangePassword(ctx, "jsmith", "Password1", "Password2")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInternalDirectoryAdminChangePassword(t *testing.T) {
	ctx := context.Background()
	newHash, _ := SHA256Hasher{}.Hash("Reset123")

	t.Run("lock flag saturates the attempt counter", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, nil))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE security_internal_users")).
			WithArgs(newHash, DefaultMaxPasswordAttempts, nil, testUserID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.AdminChangePassword(ctx, "jsmith", "Reset123", AdminPasswordChange{LockUser: true})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expire flag back-dates the expiry", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, nil, nil))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE security_internal_users")).
			WithArgs(newHash, nil, time.Unix(0, 0).UTC(), testUserID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.AdminChangePassword(ctx, "jsmith", "Reset123", AdminPasswordChange{ExpirePassword: true})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset history clears prior hashes first", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		expectGetUser(mock, userRow(testHash, 0, nil))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_internal_users_password_history")).
			WithArgs(testUserID).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE security_internal_users")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.AdminChangePassword(ctx, "jsmith", "Reset123", AdminPasswordChange{ResetPasswordHistory: true})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInternalDirectoryCreateUser(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate username", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_internal_users")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := dir.CreateUser(ctx, &models.User{Username: "jsmith", Password: "Password1"}, false, false)
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("creates user with policy expiry and history entry", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_internal_users")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		user := &models.User{Username: "jsmith", Password: "Password1"}
		err := dir.CreateUser(ctx, user, false, false)
		require.NoError(t, err)

		assert.Equal(t, testGeneratedID, user.ID)
		assert.Equal(t, testDirectoryID, user.DirectoryID)
		assert.Equal(t, testHash, user.Password)
		require.NotNil(t, user.PasswordAttempts)
		assert.Equal(t, 0, *user.PasswordAttempts)
		require.NotNil(t, user.PasswordExpiry)
		assert.Equal(t, testNow.AddDate(0, DefaultPasswordExpiryMonths, 0), *user.PasswordExpiry)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired and locked flags", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_internal_users")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_internal_users_password_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		user := &models.User{Username: "jsmith", Password: "Password1"}
		err := dir.CreateUser(ctx, user, true, true)
		require.NoError(t, err)

		require.NotNil(t, user.PasswordAttempts)
		assert.Equal(t, DefaultMaxPasswordAttempts, *user.PasswordAttempts)
		require.NotNil(t, user.PasswordExpiry)
		assert.Equal(t, time.Unix(0, 0).UTC(), *user.PasswordExpiry)
	})
}

func TestInternalDirectoryDeleteGroup(t *testing.T) {
	ctx := context.Background()

	groupRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "directory_id", "groupname", "description"}).
			AddRow(testGroupID.String(), testDirectoryID.String(), "Operators", "")
	}

	t.Run("refuses to delete a group with members", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_groups")).
			WillReturnRows(groupRow())
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_user_to_internal_group")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		err := dir.DeleteGroup(ctx, "Operators")
		assert.ErrorIs(t, err, ErrExistingGroupMembers)
	})

	t.Run("deletes an empty group and its shared row", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_groups")).
			WillReturnRows(groupRow())
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_user_to_internal_group")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_internal_groups")).
			WithArgs(testGroupID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_groups")).
			WithArgs("Operators").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := dir.DeleteGroup(ctx, "Operators")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown group", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_internal_groups")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "directory_id", "groupname", "description"}))

		err := dir.DeleteGroup(ctx, "Ghosts")
		assert.ErrorIs(t, err, ErrGroupNotFound)
	})
}

func TestInternalDirectoryFindUsers(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unsupported attribute", func(t *testing.T) {
		dir, _ := newInternalDirectory(t)
		_, err := dir.FindUsers(ctx, []models.Attribute{{Name: "shoeSize", Value: "42"}})
		assert.ErrorIs(t, err, ErrInvalidAttribute)
	})

	t.Run("matches case-insensitively with the result cap", func(t *testing.T) {
		dir, mock := newInternalDirectory(t)
		mock.ExpectQuery(regexp.QuoteMeta("LOWER(last_name) LIKE")).
			WithArgs(testDirectoryID, "smi%", DefaultMaxFilteredUsers).
			WillReturnRows(userRow(testHash, 0, nil))

		users, err := dir.FindUsers(ctx, []models.Attribute{{Name: "lastName", Value: "Smi%"}})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "jsmith", users[0].Username)
	})
}

func TestInternalDirectoryGetFunctionCodesForUser(t *testing.T) {
	ctx := context.Background()

	dir, mock := newInternalDirectory(t)
	expectGetUser(mock, userRow(testHash, 0, nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT f.code")).
		WithArgs(testDirectoryID, testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"code"}).
			AddRow("Security.UserAdministration").
			AddRow("Security.GroupAdministration"))

	codes, err := dir.GetFunctionCodesForUser(ctx, "jsmith")
	require.NoError(t, err)
	assert.Equal(t, []string{"Security.UserAdministration", "Security.GroupAdministration"}, codes)
}
