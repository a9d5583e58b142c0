package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dirsec-io/dirsec/internal/models"
)

// DefaultInternalDirectoryID is the well-known shared internal user directory
// every new organisation is associated with alongside its own directory.
var DefaultInternalDirectoryID = uuid.MustParse("4ef18395-423a-4df6-b7d7-6bcdd85956e4")

// Store persists the security configuration: directory definitions and their
// parameters, organisations, functions, function templates and roles. User
// and group data belongs to the directory backends, not here.
type Store struct {
	db    *sqlx.DB
	newID func() uuid.UUID
}

// NewStore returns a Store on the given database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, newID: uuid.New}
}

// GetDirectories loads every directory definition with its ordered
// parameters.
func (s *Store) GetDirectories(ctx context.Context) ([]*models.Directory, error) {
	var dirs []*models.Directory
	err := s.db.SelectContext(ctx, &dirs,
		`SELECT id, type_id, name FROM security_directories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load directories: %w", err)
	}
	for _, dir := range dirs {
		if err := s.loadDirectoryParameters(ctx, dir); err != nil {
			return nil, err
		}
	}
	return dirs, nil
}

// GetDirectory loads one directory definition with its parameters.
func (s *Store) GetDirectory(ctx context.Context, id uuid.UUID) (*models.Directory, error) {
	var dir models.Directory
	err := s.db.GetContext(ctx, &dir,
		`SELECT id, type_id, name FROM security_directories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDirectoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load directory %s: %w", id, err)
	}
	if err := s.loadDirectoryParameters(ctx, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (s *Store) loadDirectoryParameters(ctx context.Context, dir *models.Directory) error {
	err := s.db.SelectContext(ctx, &dir.Parameters,
		`SELECT name, value FROM security_directory_parameters
		 WHERE directory_id = $1 ORDER BY ordinal`,
		dir.ID)
	if err != nil {
		return fmt.Errorf("failed to load parameters for directory %s: %w", dir.ID, err)
	}
	return nil
}

// CreateDirectory stores a new directory definition and its parameters.
func (s *Store) CreateDirectory(ctx context.Context, dir *models.Directory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if dir.ID == uuid.Nil {
		dir.ID = s.newID()
	}
	if err := s.insertDirectory(ctx, tx, dir); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit directory %s: %w", dir.ID, err)
	}
	return nil
}

func (s *Store) insertDirectory(ctx context.Context, tx *sqlx.Tx, dir *models.Directory) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO security_directories (id, type_id, name) VALUES ($1, $2, $3)`,
		dir.ID, dir.TypeID, dir.Name)
	if err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir.Name, err)
	}
	for i, p := range dir.Parameters {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO security_directory_parameters (directory_id, ordinal, name, value)
			 VALUES ($1, $2, $3, $4)`,
			dir.ID, i, p.Name, p.Value)
		if err != nil {
			return fmt.Errorf("failed to store parameter %q for directory %s: %w",
				p.Name, dir.ID, err)
		}
	}
	return nil
}

// UpdateDirectory replaces a directory's definition and parameter set.
func (s *Store) UpdateDirectory(ctx context.Context, dir *models.Directory) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE security_directories SET type_id = $1, name = $2 WHERE id = $3`,
		dir.TypeID, dir.Name, dir.ID)
	if err != nil {
		return fmt.Errorf("failed to update directory %s: %w", dir.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDirectoryNotFound
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_directory_parameters WHERE directory_id = $1`, dir.ID)
	if err != nil {
		return fmt.Errorf("failed to clear parameters for directory %s: %w", dir.ID, err)
	}
	for i, p := range dir.Parameters {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO security_directory_parameters (directory_id, ordinal, name, value)
			 VALUES ($1, $2, $3, $4)`,
			dir.ID, i, p.Name, p.Value)
		if err != nil {
			return fmt.Errorf("failed to store parameter %q for directory %s: %w",
				p.Name, dir.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit directory %s: %w", dir.ID, err)
	}
	return nil
}

// DeleteDirectory removes a directory definition, its parameters and its
// organisation associations.
func (s *Store) DeleteDirectory(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_organisation_to_directory_map WHERE directory_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear associations for directory %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_directory_parameters WHERE directory_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear parameters for directory %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM security_directories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete directory %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDirectoryNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of directory %s: %w", id, err)
	}
	return nil
}

// GetDirectoryTypes lists the directory types known to the database.
func (s *Store) GetDirectoryTypes(ctx context.Context) ([]*models.DirectoryType, error) {
	var types []*models.DirectoryType
	err := s.db.SelectContext(ctx, &types,
		`SELECT id, name FROM security_directory_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load directory types: %w", err)
	}
	return types, nil
}

// InternalDirectoryIDForUser returns the internal directory holding the
// username, if any. Internal directories take precedence over external ones
// when routing a bare username.
func (s *Store) InternalDirectoryIDForUser(ctx context.Context, username string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id,
		`SELECT directory_id FROM security_internal_users
		 WHERE LOWER(username) = LOWER($1)
		 ORDER BY directory_id LIMIT 1`,
		username)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to route username: %w", err)
	}
	return id, true, nil
}

// CreateOrganisation stores a new organisation in a single transaction. When
// createUserDirectory is set, an internal user directory is synthesized for
// the organisation, and the organisation is associated with both it and the
// shared default internal directory. Any failure rolls back everything.
func (s *Store) CreateOrganisation(ctx context.Context, org *models.Organisation, createUserDirectory bool) (*models.Directory, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_organisations WHERE LOWER(name) = LOWER($1)`,
		org.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check organisation %q: %w", org.Name, err)
	}
	if count > 0 {
		return nil, ErrDuplicateOrganisation
	}

	if org.ID == uuid.Nil {
		org.ID = s.newID()
	}
	if org.Status == 0 {
		org.Status = models.OrganisationStatusActive
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO security_organisations (id, name, status) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateOrganisation
		}
		return nil, fmt.Errorf("failed to create organisation %q: %w", org.Name, err)
	}

	var dir *models.Directory
	if createUserDirectory {
		dir = &models.Directory{
			ID:     s.newID(),
			TypeID: DirectoryTypeInternal,
			Name:   org.Name + " Internal User Directory",
		}
		if err := s.insertDirectory(ctx, tx, dir); err != nil {
			return nil, err
		}
		for _, dirID := range []uuid.UUID{dir.ID, DefaultInternalDirectoryID} {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO security_organisation_to_directory_map (organisation_id, directory_id)
				 VALUES ($1, $2)`,
				org.ID, dirID)
			if err != nil {
				return nil, fmt.Errorf("failed to associate directory %s with organisation %s: %w",
					dirID, org.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit organisation %q: %w", org.Name, err)
	}
	return dir, nil
}

// GetOrganisation loads one organisation.
func (s *Store) GetOrganisation(ctx context.Context, id uuid.UUID) (*models.Organisation, error) {
	var org models.Organisation
	err := s.db.GetContext(ctx, &org,
		`SELECT id, name, status FROM security_organisations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganisationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organisation %s: %w", id, err)
	}
	return &org, nil
}

// GetOrganisations lists all organisations.
func (s *Store) GetOrganisations(ctx context.Context) ([]*models.Organisation, error) {
	var orgs []*models.Organisation
	err := s.db.SelectContext(ctx, &orgs,
		`SELECT id, name, status FROM security_organisations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load organisations: %w", err)
	}
	return orgs, nil
}

// UpdateOrganisation updates an organisation's name and status.
func (s *Store) UpdateOrganisation(ctx context.Context, org *models.Organisation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_organisations SET name = $1, status = $2 WHERE id = $3`,
		org.Name, org.Status, org.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrganisation
		}
		return fmt.Errorf("failed to update organisation %s: %w", org.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrganisationNotFound
	}
	return nil
}

// DeleteOrganisation removes an organisation and its directory associations.
func (s *Store) DeleteOrganisation(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_organisation_to_directory_map WHERE organisation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear associations for organisation %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM security_organisations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organisation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrganisationNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of organisation %s: %w", id, err)
	}
	return nil
}

// GetOrganisationsForDirectory lists the organisations associated with a
// directory.
func (s *Store) GetOrganisationsForDirectory(ctx context.Context, directoryID uuid.UUID) ([]*models.Organisation, error) {
	var orgs []*models.Organisation
	err := s.db.SelectContext(ctx, &orgs,
		`SELECT o.id, o.name, o.status FROM security_organisations o
		 JOIN security_organisation_to_directory_map m ON m.organisation_id = o.id
		 WHERE m.directory_id = $1 ORDER BY o.name`,
		directoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organisations for directory %s: %w", directoryID, err)
	}
	return orgs, nil
}

// GetDirectoryIDsForOrganisation lists the directories associated with an
// organisation.
func (s *Store) GetDirectoryIDsForOrganisation(ctx context.Context, organisationID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids,
		`SELECT directory_id FROM security_organisation_to_directory_map
		 WHERE organisation_id = $1 ORDER BY directory_id`,
		organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load directories for organisation %s: %w", organisationID, err)
	}
	return ids, nil
}

// CreateFunction stores a new authorization function.
func (s *Store) CreateFunction(ctx context.Context, fn *models.Function) error {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_functions WHERE code = $1`, fn.Code)
	if err != nil {
		return fmt.Errorf("failed to check function %q: %w", fn.Code, err)
	}
	if count > 0 {
		return ErrDuplicateFunction
	}
	if fn.ID == uuid.Nil {
		fn.ID = s.newID()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_functions (id, code, name, description) VALUES ($1, $2, $3, $4)`,
		fn.ID, fn.Code, fn.Name, fn.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFunction
		}
		return fmt.Errorf("failed to create function %q: %w", fn.Code, err)
	}
	return nil
}

// UpdateFunction updates a function's name and description, keyed by code.
func (s *Store) UpdateFunction(ctx context.Context, fn *models.Function) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_functions SET name = $1, description = $2 WHERE code = $3`,
		fn.Name, fn.Description, fn.Code)
	if err != nil {
		return fmt.Errorf("failed to update function %q: %w", fn.Code, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFunctionNotFound
	}
	return nil
}

// DeleteFunction removes a function and its role and template mappings.
func (s *Store) DeleteFunction(ctx context.Context, code string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.GetContext(ctx, &id,
		`SELECT id FROM security_functions WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFunctionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load function %q: %w", code, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_function_to_role_map WHERE function_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear role mappings for function %q: %w", code, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_function_to_template_map WHERE function_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear template mappings for function %q: %w", code, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete function %q: %w", code, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of function %q: %w", code, err)
	}
	return nil
}

// GetFunction loads a function by code.
func (s *Store) GetFunction(ctx context.Context, code string) (*models.Function, error) {
	var fn models.Function
	err := s.db.GetContext(ctx, &fn,
		`SELECT id, code, name, description FROM security_functions WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFunctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load function %q: %w", code, err)
	}
	return &fn, nil
}

// GetFunctions lists all functions.
func (s *Store) GetFunctions(ctx context.Context) ([]*models.Function, error) {
	var fns []*models.Function
	err := s.db.SelectContext(ctx, &fns,
		`SELECT id, code, name, description FROM security_functions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to load functions: %w", err)
	}
	return fns, nil
}

// CreateFunctionTemplate stores a new function template.
func (s *Store) CreateFunctionTemplate(ctx context.Context, tpl *models.FunctionTemplate) error {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_function_templates WHERE code = $1`, tpl.Code)
	if err != nil {
		return fmt.Errorf("failed to check function template %q: %w", tpl.Code, err)
	}
	if count > 0 {
		return ErrDuplicateFunctionTemplate
	}
	if tpl.ID == uuid.Nil {
		tpl.ID = s.newID()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_function_templates (id, code, name, description)
		 VALUES ($1, $2, $3, $4)`,
		tpl.ID, tpl.Code, tpl.Name, tpl.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFunctionTemplate
		}
		return fmt.Errorf("failed to create function template %q: %w", tpl.Code, err)
	}
	return nil
}

// GetFunctionTemplate loads a template by code together with its functions.
func (s *Store) GetFunctionTemplate(ctx context.Context, code string) (*models.FunctionTemplate, error) {
	var tpl models.FunctionTemplate
	err := s.db.GetContext(ctx, &tpl,
		`SELECT id, code, name, description FROM security_function_templates WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFunctionTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load function template %q: %w", code, err)
	}
	err = s.db.SelectContext(ctx, &tpl.Functions,
		`SELECT f.id, f.code, f.name, f.description FROM security_functions f
		 JOIN security_function_to_template_map m ON m.function_id = f.id
		 WHERE m.template_id = $1 ORDER BY f.code`,
		tpl.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load functions for template %q: %w", code, err)
	}
	return &tpl, nil
}

// DeleteFunctionTemplate removes a template and its function mappings.
func (s *Store) DeleteFunctionTemplate(ctx context.Context, code string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.GetContext(ctx, &id,
		`SELECT id FROM security_function_templates WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFunctionTemplateNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load function template %q: %w", code, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_function_to_template_map WHERE template_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear mappings for template %q: %w", code, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM security_function_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete function template %q: %w", code, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of template %q: %w", code, err)
	}
	return nil
}

// AddFunctionToTemplate maps a function onto a template. The mapping is
// idempotent.
func (s *Store) AddFunctionToTemplate(ctx context.Context, functionCode, templateCode string) error {
	fn, err := s.GetFunction(ctx, functionCode)
	if err != nil {
		return err
	}
	tpl, err := s.GetFunctionTemplate(ctx, templateCode)
	if err != nil {
		return err
	}
	for _, existing := range tpl.Functions {
		if existing.Code == fn.Code {
			return nil
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_function_to_template_map (function_id, template_id)
		 VALUES ($1, $2)`,
		fn.ID, tpl.ID)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to map function %q onto template %q: %w",
			functionCode, templateCode, err)
	}
	return nil
}

// CreateRole stores a new role.
func (s *Store) CreateRole(ctx context.Context, role *models.Role) error {
	if role.ID == uuid.Nil {
		role.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_roles (id, name) VALUES ($1, $2)`,
		role.ID, role.Name)
	if err != nil {
		return fmt.Errorf("failed to create role %q: %w", role.Name, err)
	}
	return nil
}

// AddFunctionToRole maps a function onto a role.
func (s *Store) AddFunctionToRole(ctx context.Context, functionCode string, roleID uuid.UUID) error {
	fn, err := s.GetFunction(ctx, functionCode)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_function_to_role_map (function_id, role_id) VALUES ($1, $2)`,
		fn.ID, roleID)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to map function %q onto role %s: %w", functionCode, roleID, err)
	}
	return nil
}

// AddRoleToGroup maps a role onto a shared group by name.
func (s *Store) AddRoleToGroup(ctx context.Context, roleID uuid.UUID, groupName string) error {
	var groupID uuid.UUID
	err := s.db.GetContext(ctx, &groupID,
		`SELECT id FROM security_groups WHERE LOWER(groupname) = LOWER($1)`, groupName)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGroupNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load shared group %q: %w", groupName, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_role_to_group_map (role_id, group_id) VALUES ($1, $2)`,
		roleID, groupID)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to map role %s onto group %q: %w", roleID, groupName, err)
	}
	return nil
}
