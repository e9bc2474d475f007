// Package mapping defines the organization mapping table: which backend
// identifier each logical organization resolves to, per backend family.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Family names a backend whose organizations have their own identifiers.
type Family string

const (
	FamilyDeviceMgmt Family = "devmgmt"
	FamilyTSDB       Family = "tsdb"
)

// Families lists every known family in a stable order.
var Families = []Family{FamilyDeviceMgmt, FamilyTSDB}

var (
	ErrNotFound     = errors.New("mapping: not found")
	ErrExists       = errors.New("mapping: already exists")
	ErrInvalidInput = errors.New("mapping: invalid input")
)

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidOrgID reports whether id is safe to use as a path segment and store key.
func ValidOrgID(id string) bool {
	return orgIDPattern.MatchString(id)
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	for _, known := range Families {
		if f == known {
			return true
		}
	}
	return false
}

// Mapping is the full set of backend ids of one organization.
type Mapping struct {
	OrgID    string
	Backends map[Family]string
}

// Validate checks the org id, the families and that no backend id is empty.
func (m Mapping) Validate() error {
	if !ValidOrgID(m.OrgID) {
		return fmt.Errorf("%w: organization id %q", ErrInvalidInput, m.OrgID)
	}
	if len(m.Backends) == 0 {
		return fmt.Errorf("%w: no backend ids for %s", ErrInvalidInput, m.OrgID)
	}
	for family, id := range m.Backends {
		if !family.Valid() {
			return fmt.Errorf("%w: unknown family %q", ErrInvalidInput, family)
		}
		if id == "" {
			return fmt.Errorf("%w: empty %s id for %s", ErrInvalidInput, family, m.OrgID)
		}
	}
	return nil
}

// Store persists mappings. Writes cover all families of a mapping atomically.
type Store interface {
	// Get returns the backend id or ErrNotFound.
	Get(ctx context.Context, orgID string, family Family) (string, error)
	// PutIfAbsent writes m only if none of its keys exist, else ErrExists.
	PutIfAbsent(ctx context.Context, m Mapping) error
	// Put replaces every family of m.
	Put(ctx context.Context, m Mapping) error
}
