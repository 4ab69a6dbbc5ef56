// Package paths expands user-supplied filesystem paths from
// configuration.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Any
// other path, including ~user forms, is returned unchanged, as is the
// input when the home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandAll applies [ExpandHome] in place to each non-nil pointer.
func ExpandAll(ptrs ...*string) {
	for _, p := range ptrs {
		if p != nil {
			*p = ExpandHome(*p)
		}
	}
}
