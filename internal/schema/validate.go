package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError lists the identity fields a record is missing.
type ValidationError struct {
	Key    string
	Fields []string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("malformed record: missing %s", strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("malformed record %s: missing %s", e.Key, strings.Join(e.Fields, ", "))
}

// IsMalformed reports whether err marks a record as structurally invalid.
func IsMalformed(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the identity fields. A record needs a display number and
// at least one of pet name or owner name.
func (r *Record) Validate() error {
	var missing []string
	if r.DisplayID <= 0 {
		missing = append(missing, FieldDisplayID)
	}
	if strings.TrimSpace(r.PetName) == "" && strings.TrimSpace(r.OwnerName) == "" {
		missing = append(missing, "mascota|nombre")
	}
	if len(missing) > 0 {
		return &ValidationError{Key: r.RemoteKey, Fields: missing}
	}
	return nil
}
