package models

import "github.com/google/uuid"

// DirectoryParameter is one ordered name/value configuration entry for a
// directory. Parameter names are free-form and interpreted by the backend
// implementation the directory's type selects.
type DirectoryParameter struct {
	Name  string `json:"name" db:"name"`
	Value string `json:"value" db:"value"`
}

// Directory is the persisted configuration for one user-directory backend:
// which implementation handles it (TypeID) and the parameters it is
// instantiated with.
type Directory struct {
	ID         uuid.UUID            `json:"id" db:"id"`
	TypeID     string               `json:"type_id" db:"type_id"`
	Name       string               `json:"name" db:"name"`
	Parameters []DirectoryParameter `json:"parameters" db:"-"`
}

// Parameter returns the value of the named parameter and whether it is set.
func (d *Directory) Parameter(name string) (string, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// ParameterMap flattens the ordered parameter list into a map. Later entries
// win on duplicate names.
func (d *Directory) ParameterMap() map[string]string {
	m := make(map[string]string, len(d.Parameters))
	for _, p := range d.Parameters {
		m[p.Name] = p.Value
	}
	return m
}

// DirectoryType maps a type identifier to a loadable backend implementation.
type DirectoryType struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Attribute is a named search criterion used by FindUsers.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
