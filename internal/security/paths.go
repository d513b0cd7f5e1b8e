// Package security guards file paths supplied over the admin API.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// ResolveWithin joins rel onto root and returns the absolute result. Symlinks
// in the existing part of the path are resolved before the check, so a link
// inside root that points elsewhere is rejected. root must exist.
func ResolveWithin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideRoot, rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	canonRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}

	target := filepath.Join(canonRoot, rel)
	canon, err := canonical(target)
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(canonRoot, canon)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return target, nil
}

// canonical resolves symlinks in the longest existing prefix of p.
func canonical(p string) (string, error) {
	var rest []string
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// SanitizeFilename maps s to a safe file name: runs of characters other than
// ASCII letters, digits, dot, underscore and dash become one underscore, and
// the result is trimmed to 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
