// Package ids provides client-side identifier generation and validation.
//
// Every entity created on this device gets a local identifier of the form
// "local-<uuid4>". The prefix marks records the backend has not assigned a
// canonical identifier to yet; backend identifiers carry no prefix.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks client-generated identifiers.
const LocalPrefix = "local-"

var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewLocal generates a new prefixed local identifier.
func NewLocal() string {
	return LocalPrefix + uuid.New().String()
}

// IsLocal reports whether id carries the local prefix.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// IsValid checks if a string is a well-formed local identifier.
func IsValid(id string) bool {
	if !IsLocal(id) {
		return false
	}
	return uuidV4Regex.MatchString(strings.TrimPrefix(id, LocalPrefix))
}

// Validate returns an error if the string is not a valid local identifier.
func Validate(id string) error {
	if !IsValid(id) {
		return fmt.Errorf("invalid local identifier: %q", id)
	}
	return nil
}
