package security

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirsec-io/dirsec/internal/models"
)

// fakeDirectory is a scriptable backend for facade tests. Unimplemented
// methods panic through the embedded nil interface, which is what we want:
// the facade must not touch anything the test did not script.
type fakeDirectory struct {
	UserDirectory
	id      uuid.UUID
	users   map[string]bool
	authErr error
}

func (f *fakeDirectory) Authenticate(ctx context.Context, username, password string) error {
	return f.authErr
}

func (f *fakeDirectory) IsExistingUser(ctx context.Context, username string) (bool, error) {
	return f.users[models.NormalizeUsername(username)], nil
}

// fakeDirectories hands constructed backends to the "fake" directory type
// factory, keyed by directory id.
var fakeDirectories = map[uuid.UUID]*fakeDirectory{}

func init() {
	RegisterDirectoryType("fake", func(id uuid.UUID, params map[string]string, deps DirectoryDeps) (UserDirectory, error) {
		return fakeDirectories[id], nil
	})
}

var (
	fakeDirA = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	fakeDirB = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
)

// newTestService wires a Service over sqlmock with two fake external
// directories in the registry.
func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeDirectory, *fakeDirectory) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	store := NewStore(sqlxDB)
	registry := NewDirectoryRegistry(store, DirectoryDeps{DB: sqlxDB, Hasher: SHA256Hasher{}})

	dirA := &fakeDirectory{id: fakeDirA, users: map[string]bool{}}
	dirB := &fakeDirectory{id: fakeDirB, users: map[string]bool{}}
	fakeDirectories[fakeDirA] = dirA
	fakeDirectories[fakeDirB] = dirB

	mock.ExpectQuery(regexp.QuoteMeta("FROM security_directories")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type_id", "name"}).
			AddRow(fakeDirA.String(), "fake", "External A").
			AddRow(fakeDirB.String(), "fake", "External B"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_directory_parameters")).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM security_directory_parameters")).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value"}))
	require.NoError(t, registry.Reload(context.Background()))

	return NewService(store, registry), mock, dirA, dirB
}

func expectNoInternalRoute(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT directory_id FROM security_internal_users")).
		WillReturnRows(sqlmock.NewRows([]string{"directory_id"}))
}

func TestServiceAuthenticateValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "", "Password1")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Authenticate(ctx, "jsmith", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestServiceAuthenticateRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("internal directory wins", func(t *testing.T) {
		svc, mock, dirA, dirB := newTestService(t)
		dirA.users["jsmith"] = true
		dirB.users["jsmith"] = true
		// The routing query claims the username for directory A; B is never
		// consulted.
		mock.ExpectQuery(regexp.QuoteMeta("SELECT directory_id FROM security_internal_users")).
			WillReturnRows(sqlmock.NewRows([]string{"directory_id"}).AddRow(fakeDirA.String()))

		id, err := svc.Authenticate(ctx, "jsmith", "Password1")
		require.NoError(t, err)
		assert.Equal(t, fakeDirA, id)
	})

	t.Run("falls back to scanning external directories", func(t *testing.T) {
		svc, mock, _, dirB := newTestService(t)
		dirB.users["jsmith"] = true
		expectNoInternalRoute(mock)

		id, err := svc.Authenticate(ctx, "jsmith", "Password1")
		require.NoError(t, err)
		assert.Equal(t, fakeDirB, id)
	})

	t.Run("unknown everywhere", func(t *testing.T) {
		svc, mock, _, _ := newTestService(t)
		expectNoInternalRoute(mock)

		_, err := svc.Authenticate(ctx, "nobody", "Password1")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("credential failure reports the rejecting directory", func(t *testing.T) {
		svc, mock, dirA, _ := newTestService(t)
		dirA.users["jsmith"] = true
		dirA.authErr = ErrAuthenticationFailed
		expectNoInternalRoute(mock)

		id, err := svc.Authenticate(ctx, "jsmith", "WrongPassword")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Equal(t, fakeDirA, id)
	})
}

func TestServiceDirectoryScopedValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	t.Run("nil directory id", func(t *testing.T) {
		_, err := svc.GetUser(ctx, uuid.Nil, "jsmith")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("unknown directory id", func(t *testing.T) {
		unknown := uuid.MustParse("99999999-9999-9999-9999-999999999999")
		_, err := svc.GetUsers(ctx, unknown)
		assert.ErrorIs(t, err, ErrDirectoryNotFound)
	})

	t.Run("nil user", func(t *testing.T) {
		err := svc.CreateUser(ctx, fakeDirA, nil, false, false)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("empty group name", func(t *testing.T) {
		err := svc.DeleteGroup(ctx, fakeDirA, "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestServiceCreateOrganisation(t *testing.T) {
	ctx := context.Background()

	t.Run("reloads the registry after creating a directory", func(t *testing.T) {
		svc, mock, _, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_organisations")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_organisations")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_directories")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_organisation_to_directory_map")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_organisation_to_directory_map")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		// Registry reload after the commit.
		mock.ExpectQuery(regexp.QuoteMeta("FROM security_directories")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "type_id", "name"}))

		dir, err := svc.CreateOrganisation(ctx, &models.Organisation{Name: "ACME"}, true)
		require.NoError(t, err)
		require.NotNil(t, dir)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no reload without a new directory", func(t *testing.T) {
		svc, mock, _, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_organisations")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_organisations")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		dir, err := svc.CreateOrganisation(ctx, &models.Organisation{Name: "ACME"}, false)
		require.NoError(t, err)
		assert.Nil(t, dir)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.CreateOrganisation(ctx, &models.Organisation{}, false)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}
