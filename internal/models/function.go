package models

import "github.com/google/uuid"

// Function is a global (directory-independent) authorization capability
// identified by a unique code.
type Function struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
}

// FunctionTemplate bundles functions for bulk assignment, identified by a
// unique code like a Function.
type FunctionTemplate struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Code        string     `json:"code" db:"code"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Functions   []Function `json:"functions" db:"-"`
}

// Role bundles functions and attaches to groups. Roles are administered
// directly in the mapping tables; they carry no behavior of their own.
type Role struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}
