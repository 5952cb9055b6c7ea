package store

import (
	"fmt"
	"strings"
)

// forbiddenPathChars mirrors the invariant in spec.md §3: a path segment
// must not contain any of these characters.
const forbiddenPathChars = "#?\\\"<>|*:"

// NormalizePath strips leading/trailing separators from raw and returns the
// canonical path string. It does not validate raw; call ValidatePath first.
func NormalizePath(raw string) string {
	return strings.Trim(raw, "/")
}

// ValidatePath checks raw against the path invariants: non-empty, no
// consecutive separators, no leading/trailing whitespace on any segment,
// and none of the forbidden characters.
func ValidatePath(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.TrimSpace(raw) != raw {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidPath)
	}
	if strings.Contains(raw, "//") {
		return fmt.Errorf("%w: consecutive separators", ErrInvalidPath)
	}
	if strings.ContainsAny(raw, forbiddenPathChars) {
		return fmt.Errorf("%w: contains forbidden character", ErrInvalidPath)
	}
	segments := strings.Split(NormalizePath(raw), "/")
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: empty segment", ErrInvalidPath)
		}
		if strings.TrimSpace(seg) != seg {
			return fmt.Errorf("%w: segment has leading or trailing whitespace", ErrInvalidPath)
		}
	}
	return nil
}

// HasPrefix reports whether path is equal to prefix or nested under it
// ("prefix/..."), matching spec.md §4.2's scan semantics.
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
