package security

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dirsec-io/dirsec/internal/models"
)

// Service is the facade over the directory registry and the configuration
// store. It validates arguments, routes bare usernames to a directory, and
// delegates directory-scoped operations to the resolved backend.
type Service struct {
	store    *Store
	registry *DirectoryRegistry
}

// NewService returns a Service over the given store and registry.
func NewService(store *Store, registry *DirectoryRegistry) *Service {
	return &Service{store: store, registry: registry}
}

func requireArg(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, name)
	}
	return nil
}

func requireID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s must not be nil", ErrInvalidArgument, name)
	}
	return nil
}

// Reload rebuilds the directory registry from the persisted configuration.
func (s *Service) Reload(ctx context.Context) error {
	return s.registry.Reload(ctx)
}

// DirectoryIDForUser resolves the directory holding a bare username. Internal
// directories win; otherwise the non-internal directories are consulted in
// registry order and the first claiming the username is chosen.
func (s *Service) DirectoryIDForUser(ctx context.Context, username string) (uuid.UUID, error) {
	if err := requireArg("username", username); err != nil {
		return uuid.Nil, err
	}
	id, ok, err := s.store.InternalDirectoryIDForUser(ctx, username)
	if err != nil {
		return uuid.Nil, err
	}
	if ok {
		if _, err := s.registry.Get(id); err == nil {
			return id, nil
		}
		// The holding directory is configured but failed to load; fall
		// through to the external directories rather than claim the user
		// does not exist elsewhere.
	}
	for _, entry := range s.registry.Entries() {
		if entry.TypeID == DirectoryTypeInternal {
			continue
		}
		exists, err := entry.Directory.IsExistingUser(ctx, username)
		if err != nil {
			return uuid.Nil, err
		}
		if exists {
			return entry.ID, nil
		}
	}
	return uuid.Nil, ErrUserNotFound
}

// Authenticate verifies credentials for a bare username and returns the
// directory that holds the account. The directory id is also returned with
// credential-outcome errors so callers can report which directory rejected
// the attempt.
func (s *Service) Authenticate(ctx context.Context, username, password string) (uuid.UUID, error) {
	if err := requireArg("username", username); err != nil {
		return uuid.Nil, err
	}
	if err := requireArg("password", password); err != nil {
		return uuid.Nil, err
	}
	id, err := s.DirectoryIDForUser(ctx, username)
	if err != nil {
		observeAuthentication(err)
		return uuid.Nil, err
	}
	dir, err := s.registry.Get(id)
	if err != nil {
		observeAuthentication(err)
		return uuid.Nil, err
	}
	err = dir.Authenticate(ctx, username, password)
	observeAuthentication(err)
	return id, err
}

// ChangePassword performs a user-initiated password change for a bare
// username, routed the same way as Authenticate.
func (s *Service) ChangePassword(ctx context.Context, username, existingPassword, newPassword string) (uuid.UUID, error) {
	if err := requireArg("username", username); err != nil {
		return uuid.Nil, err
	}
	if err := requireArg("existingPassword", existingPassword); err != nil {
		return uuid.Nil, err
	}
	if err := requireArg("newPassword", newPassword); err != nil {
		return uuid.Nil, err
	}
	id, err := s.DirectoryIDForUser(ctx, username)
	if err != nil {
		return uuid.Nil, err
	}
	dir, err := s.registry.Get(id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, dir.ChangePassword(ctx, username, existingPassword, newPassword)
}

func (s *Service) directory(directoryID uuid.UUID) (UserDirectory, error) {
	if err := requireID("directoryID", directoryID); err != nil {
		return nil, err
	}
	return s.registry.Get(directoryID)
}

// AdminChangePassword resets a user's password in a specific directory.
func (s *Service) AdminChangePassword(ctx context.Context, directoryID uuid.UUID, username, newPassword string, opts AdminPasswordChange) error {
	if err := requireArg("username", username); err != nil {
		return err
	}
	if err := requireArg("newPassword", newPassword); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.AdminChangePassword(ctx, username, newPassword, opts)
}

// CreateUser creates a user in a specific directory.
func (s *Service) CreateUser(ctx context.Context, directoryID uuid.UUID, user *models.User, expiredPassword, userLocked bool) error {
	if user == nil {
		return fmt.Errorf("%w: user must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("username", user.Username); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.CreateUser(ctx, user, expiredPassword, userLocked)
}

// UpdateUser updates a user's profile in a specific directory.
func (s *Service) UpdateUser(ctx context.Context, directoryID uuid.UUID, user *models.User, expirePassword, lockUser bool) error {
	if user == nil {
		return fmt.Errorf("%w: user must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("username", user.Username); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.UpdateUser(ctx, user, expirePassword, lockUser)
}

// DeleteUser removes a user from a specific directory.
func (s *Service) DeleteUser(ctx context.Context, directoryID uuid.UUID, username string) error {
	if err := requireArg("username", username); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.DeleteUser(ctx, username)
}

// GetUser loads a user from a specific directory.
func (s *Service) GetUser(ctx context.Context, directoryID uuid.UUID, username string) (*models.User, error) {
	if err := requireArg("username", username); err != nil {
		return nil, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetUser(ctx, username)
}

// GetUsers lists the users of a specific directory.
func (s *Service) GetUsers(ctx context.Context, directoryID uuid.UUID) ([]*models.User, error) {
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetUsers(ctx)
}

// FindUsers searches a directory's users by attribute criteria.
func (s *Service) FindUsers(ctx context.Context, directoryID uuid.UUID, attributes []models.Attribute) ([]*models.User, error) {
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.FindUsers(ctx, attributes)
}

// IsExistingUser reports whether a directory holds the username.
func (s *Service) IsExistingUser(ctx context.Context, directoryID uuid.UUID, username string) (bool, error) {
	if err := requireArg("username", username); err != nil {
		return false, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return false, err
	}
	return dir.IsExistingUser(ctx, username)
}

// CreateGroup creates a group in a specific directory.
func (s *Service) CreateGroup(ctx context.Context, directoryID uuid.UUID, group *models.Group) error {
	if group == nil {
		return fmt.Errorf("%w: group must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("groupName", group.GroupName); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.CreateGroup(ctx, group)
}

// UpdateGroup updates a group's description in a specific directory.
func (s *Service) UpdateGroup(ctx context.Context, directoryID uuid.UUID, group *models.Group) error {
	if group == nil {
		return fmt.Errorf("%w: group must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("groupName", group.GroupName); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.UpdateGroup(ctx, group)
}

// DeleteGroup removes a group from a specific directory.
func (s *Service) DeleteGroup(ctx context.Context, directoryID uuid.UUID, groupName string) error {
	if err := requireArg("groupName", groupName); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.DeleteGroup(ctx, groupName)
}

// GetGroup loads a group from a specific directory.
func (s *Service) GetGroup(ctx context.Context, directoryID uuid.UUID, groupName string) (*models.Group, error) {
	if err := requireArg("groupName", groupName); err != nil {
		return nil, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetGroup(ctx, groupName)
}

// GetGroups lists the groups of a specific directory.
func (s *Service) GetGroups(ctx context.Context, directoryID uuid.UUID) ([]*models.Group, error) {
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetGroups(ctx)
}

// AddUserToGroup adds a user to a group within a directory.
func (s *Service) AddUserToGroup(ctx context.Context, directoryID uuid.UUID, username, groupName string) error {
	if err := requireArg("username", username); err != nil {
		return err
	}
	if err := requireArg("groupName", groupName); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.AddUserToGroup(ctx, username, groupName)
}

// RemoveUserFromGroup removes a user from a group within a directory.
func (s *Service) RemoveUserFromGroup(ctx context.Context, directoryID uuid.UUID, username, groupName string) error {
	if err := requireArg("username", username); err != nil {
		return err
	}
	if err := requireArg("groupName", groupName); err != nil {
		return err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return err
	}
	return dir.RemoveUserFromGroup(ctx, username, groupName)
}

// IsUserInGroup reports group membership within a directory.
func (s *Service) IsUserInGroup(ctx context.Context, directoryID uuid.UUID, username, groupName string) (bool, error) {
	if err := requireArg("username", username); err != nil {
		return false, err
	}
	if err := requireArg("groupName", groupName); err != nil {
		return false, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return false, err
	}
	return dir.IsUserInGroup(ctx, username, groupName)
}

// GetGroupNamesForUser lists the names of the groups a user belongs to.
func (s *Service) GetGroupNamesForUser(ctx context.Context, directoryID uuid.UUID, username string) ([]string, error) {
	if err := requireArg("username", username); err != nil {
		return nil, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetGroupNamesForUser(ctx, username)
}

// GetGroupsForUser lists the groups a user belongs to.
func (s *Service) GetGroupsForUser(ctx context.Context, directoryID uuid.UUID, username string) ([]*models.Group, error) {
	if err := requireArg("username", username); err != nil {
		return nil, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetGroupsForUser(ctx, username)
}

// GetFunctionCodesForUser resolves the authorization function codes for a
// user in a specific directory.
func (s *Service) GetFunctionCodesForUser(ctx context.Context, directoryID uuid.UUID, username string) ([]string, error) {
	if err := requireArg("username", username); err != nil {
		return nil, err
	}
	dir, err := s.directory(directoryID)
	if err != nil {
		return nil, err
	}
	return dir.GetFunctionCodesForUser(ctx, username)
}

// CreateDirectory persists a new directory definition and reloads the
// registry so it takes effect immediately.
func (s *Service) CreateDirectory(ctx context.Context, dir *models.Directory) error {
	if dir == nil {
		return fmt.Errorf("%w: directory must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("name", dir.Name); err != nil {
		return err
	}
	if err := requireArg("typeID", dir.TypeID); err != nil {
		return err
	}
	if err := s.store.CreateDirectory(ctx, dir); err != nil {
		return err
	}
	return s.registry.Reload(ctx)
}

// UpdateDirectory replaces a directory definition and reloads the registry.
func (s *Service) UpdateDirectory(ctx context.Context, dir *models.Directory) error {
	if dir == nil {
		return fmt.Errorf("%w: directory must not be nil", ErrInvalidArgument)
	}
	if err := requireID("directoryID", dir.ID); err != nil {
		return err
	}
	if err := s.store.UpdateDirectory(ctx, dir); err != nil {
		return err
	}
	return s.registry.Reload(ctx)
}

// DeleteDirectory removes a directory definition and reloads the registry.
func (s *Service) DeleteDirectory(ctx context.Context, directoryID uuid.UUID) error {
	if err := requireID("directoryID", directoryID); err != nil {
		return err
	}
	if err := s.store.DeleteDirectory(ctx, directoryID); err != nil {
		return err
	}
	return s.registry.Reload(ctx)
}

// GetDirectory loads a directory definition.
func (s *Service) GetDirectory(ctx context.Context, directoryID uuid.UUID) (*models.Directory, error) {
	if err := requireID("directoryID", directoryID); err != nil {
		return nil, err
	}
	return s.store.GetDirectory(ctx, directoryID)
}

// GetDirectories lists the persisted directory definitions.
func (s *Service) GetDirectories(ctx context.Context) ([]*models.Directory, error) {
	return s.store.GetDirectories(ctx)
}

// GetDirectoryTypes lists the directory types known to the database.
func (s *Service) GetDirectoryTypes(ctx context.Context) ([]*models.DirectoryType, error) {
	return s.store.GetDirectoryTypes(ctx)
}

// CreateOrganisation stores a new organisation, optionally synthesizing an
// internal user directory for it, and reloads the registry when a directory
// was created.
func (s *Service) CreateOrganisation(ctx context.Context, org *models.Organisation, createUserDirectory bool) (*models.Directory, error) {
	if org == nil {
		return nil, fmt.Errorf("%w: organisation must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("name", org.Name); err != nil {
		return nil, err
	}
	dir, err := s.store.CreateOrganisation(ctx, org, createUserDirectory)
	if err != nil {
		return nil, err
	}
	if dir != nil {
		if err := s.registry.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// GetOrganisation loads an organisation.
func (s *Service) GetOrganisation(ctx context.Context, id uuid.UUID) (*models.Organisation, error) {
	if err := requireID("organisationID", id); err != nil {
		return nil, err
	}
	return s.store.GetOrganisation(ctx, id)
}

// GetOrganisations lists all organisations.
func (s *Service) GetOrganisations(ctx context.Context) ([]*models.Organisation, error) {
	return s.store.GetOrganisations(ctx)
}

// UpdateOrganisation updates an organisation.
func (s *Service) UpdateOrganisation(ctx context.Context, org *models.Organisation) error {
	if org == nil {
		return fmt.Errorf("%w: organisation must not be nil", ErrInvalidArgument)
	}
	if err := requireID("organisationID", org.ID); err != nil {
		return err
	}
	return s.store.UpdateOrganisation(ctx, org)
}

// DeleteOrganisation removes an organisation.
func (s *Service) DeleteOrganisation(ctx context.Context, id uuid.UUID) error {
	if err := requireID("organisationID", id); err != nil {
		return err
	}
	return s.store.DeleteOrganisation(ctx, id)
}

// GetOrganisationsForDirectory lists the organisations a directory serves.
func (s *Service) GetOrganisationsForDirectory(ctx context.Context, directoryID uuid.UUID) ([]*models.Organisation, error) {
	if err := requireID("directoryID", directoryID); err != nil {
		return nil, err
	}
	return s.store.GetOrganisationsForDirectory(ctx, directoryID)
}

// CreateFunction stores a new authorization function.
func (s *Service) CreateFunction(ctx context.Context, fn *models.Function) error {
	if fn == nil {
		return fmt.Errorf("%w: function must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("code", fn.Code); err != nil {
		return err
	}
	return s.store.CreateFunction(ctx, fn)
}

// UpdateFunction updates a function.
func (s *Service) UpdateFunction(ctx context.Context, fn *models.Function) error {
	if fn == nil {
		return fmt.Errorf("%w: function must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("code", fn.Code); err != nil {
		return err
	}
	return s.store.UpdateFunction(ctx, fn)
}

// DeleteFunction removes a function.
func (s *Service) DeleteFunction(ctx context.Context, code string) error {
	if err := requireArg("code", code); err != nil {
		return err
	}
	return s.store.DeleteFunction(ctx, code)
}

// GetFunction loads a function by code.
func (s *Service) GetFunction(ctx context.Context, code string) (*models.Function, error) {
	if err := requireArg("code", code); err != nil {
		return nil, err
	}
	return s.store.GetFunction(ctx, code)
}

// GetFunctions lists all functions.
func (s *Service) GetFunctions(ctx context.Context) ([]*models.Function, error) {
	return s.store.GetFunctions(ctx)
}

// CreateFunctionTemplate stores a new function template.
func (s *Service) CreateFunctionTemplate(ctx context.Context, tpl *models.FunctionTemplate) error {
	if tpl == nil {
		return fmt.Errorf("%w: function template must not be nil", ErrInvalidArgument)
	}
	if err := requireArg("code", tpl.Code); err != nil {
		return err
	}
	return s.store.CreateFunctionTemplate(ctx, tpl)
}

// GetFunctionTemplate loads a function template with its functions.
func (s *Service) GetFunctionTemplate(ctx context.Context, code string) (*models.FunctionTemplate, error) {
	if err := requireArg("code", code); err != nil {
		return nil, err
	}
	return s.store.GetFunctionTemplate(ctx, code)
}

// DeleteFunctionTemplate removes a function template.
func (s *Service) DeleteFunctionTemplate(ctx context.Context, code string) error {
	if err := requireArg("code", code); err != nil {
		return err
	}
	return s.store.DeleteFunctionTemplate(ctx, code)
}

// AddFunctionToTemplate maps a function onto a template.
func (s *Service) AddFunctionToTemplate(ctx context.Context, functionCode, templateCode string) error {
	if err := requireArg("functionCode", functionCode); err != nil {
		return err
	}
	if err := requireArg("templateCode", templateCode); err != nil {
		return err
	}
	return s.store.AddFunctionToTemplate(ctx, functionCode, templateCode)
}
