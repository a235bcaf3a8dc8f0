package session

import (
	"fmt"
	"regexp"
)

// Names become directory names and appear after CLI flags, so they are
// kept to lowercase path-safe characters and may not start with a dash.
var namePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// ValidateName reports whether name can be used as a session name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 of [a-z0-9_-], not starting with '-'", name)
	}
	return nil
}
