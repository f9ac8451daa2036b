// Package homedir resolves the current user's home directory for "~"
// expansion in configuration paths.
package homedir

import (
	"os"
	"os/user"

	"github.com/pkg/errors"
)

// Get returns the current user's home directory, preferring $HOME and
// falling back to the OS user database.
func Get() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "looking up current user")
	}
	return usr.HomeDir, nil
}
