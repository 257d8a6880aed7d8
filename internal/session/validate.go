package session

import (
	"fmt"
	"regexp"
)

// Session names double as directory and socket file names under the vox
// home, so they are limited to a short lowercase set.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a session directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1 to 64 lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}
