package models

import "github.com/google/uuid"

// OrganisationStatus is the lifecycle status of an organisation.
type OrganisationStatus int

const (
	OrganisationStatusActive   OrganisationStatus = 1
	OrganisationStatusDisabled OrganisationStatus = 2
)

// Organisation is a tenant-like grouping associated with one or more user
// directories.
type Organisation struct {
	ID     uuid.UUID          `json:"id" db:"id"`
	Name   string             `json:"name" db:"name"`
	Status OrganisationStatus `json:"status" db:"status"`
}
