package session

import (
	"errors"
	"fmt"
	"regexp"
)

const maxNameLen = 64

// Session names become directory names under the state root, so the
// alphabet is restricted to characters that are safe on every filesystem.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks that name can serve as a session directory name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q exceeds %d characters", name, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: lowercase letters, digits, - and _ only", name)
	}
	return nil
}
