package rules

import (
	"fmt"
	"regexp"
)

// Module names scope which rules an evaluation sees, so they double as cache
// keys and store filters. Restricting them to plain identifiers keeps those
// lookups unambiguous.
var validModuleName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const maxModuleNameLen = 100

func validateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("cannot be empty")
	}
	if len(name) > maxModuleNameLen {
		return fmt.Errorf("length %d exceeds maximum of %d characters", len(name), maxModuleNameLen)
	}
	if !validModuleName.MatchString(name) {
		return fmt.Errorf("must start with a letter or underscore, followed by letters, digits, or underscores")
	}
	return nil
}
