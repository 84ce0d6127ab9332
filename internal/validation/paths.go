// Package validation checks media names received from remote peers
// before they are used to build local paths.
package validation

import (
	"fmt"
	"strings"
)

// ValidateMediaName rejects names that cannot be safely joined onto the
// media directory. Names come from device listings and are untrusted.
func ValidateMediaName(name string) error {
	if name == "" {
		return fmt.Errorf("media name cannot be empty")
	}

	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("media name contains null byte")
	}

	// Reject both Unix and Windows separators so a listing entry can
	// never address anything outside the media directory.
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("media name cannot contain path separators: %s", name)
	}

	// Separators are already rejected, so only the literal ".." entry
	// can still traverse. Names like "clip..v2.mp4" stay valid.
	if name == "." || name == ".." {
		return fmt.Errorf("media name cannot be %q", name)
	}

	return nil
}
