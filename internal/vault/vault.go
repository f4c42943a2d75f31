// Package vault implements the off-host stores that run artifacts are
// archived to.
package vault

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no object is stored under the key.
var ErrNotFound = errors.New("object not found")

// checkKey rejects keys that could escape the vault root.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid key %q: must be a relative slash-separated path", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("invalid key %q: not in canonical form", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}
