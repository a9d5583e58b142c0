package models

import "github.com/google/uuid"

// Group is a directory-scoped named collection of users. Group membership is
// the unit authorization is built from: roles attach to groups, functions
// attach to roles.
type Group struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DirectoryID uuid.UUID `json:"directory_id" db:"directory_id"`
	GroupName   string    `json:"group_name" db:"groupname"`
	Description string    `json:"description" db:"description"`
}
