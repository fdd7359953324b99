package registry

import (
	"fmt"
	"strings"

	"uws/internal/apperrors"
)

// Policy decides whether Destroy deletes or archives a job.
type Policy string

// Destruction policies.
const (
	// AlwaysDelete removes every destroyed job.
	AlwaysDelete Policy = "ALWAYS_DELETE"
	// AlwaysArchive archives every destroyed job; a job already archived is deleted.
	AlwaysArchive Policy = "ALWAYS_ARCHIVE"
	// ArchiveOnDate deletes jobs destroyed before their destruction time and
	// archives those destroyed when the time is reached.
	ArchiveOnDate Policy = "ARCHIVE_ON_DATE"
)

// ParsePolicy converts a case-insensitive policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToUpper(strings.TrimSpace(s))); p {
	case AlwaysDelete, AlwaysArchive, ArchiveOnDate:
		return p, nil
	}
	return "", apperrors.Validation("destructionPolicy", fmt.Sprintf("unknown destruction policy %q", s))
}
