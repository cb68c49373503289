package path

import (
	"os"
	"path/filepath"
	"strings"
)

const tilde = "~" + string(filepath.Separator)

// Resolve returns the absolute form of pathstring, expanding a
// leading "~" to the user's home directory.
func Resolve(pathstring string) (string, error) {
	if strings.HasPrefix(pathstring, tilde) {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		pathstring = filepath.Join(homedir, pathstring[2:])
	}
	return filepath.Abs(pathstring)
}
