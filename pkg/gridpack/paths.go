package gridpack

import (
	"fmt"
	"path"
	"strings"
)

// JoinUnder appends a relative path to an absolute root. Every remote
// path join in the service goes through here so an absolute "relative"
// component can never escape its root.
func JoinUnder(root, relative string) (string, error) {
	if strings.HasPrefix(relative, "/") {
		return "", fmt.Errorf("expected a relative path, got %q", relative)
	}
	if !strings.HasPrefix(root, "/") {
		return "", fmt.Errorf("expected an absolute root path, got %q", root)
	}
	return path.Join(root, relative), nil
}
