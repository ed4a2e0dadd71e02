package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInputTooLong    = errors.New("security: input exceeds maximum length")
	ErrNullByte        = errors.New("security: null byte in input")
)

// PathValidator provides secure path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within.
	AllowedRoots []string

	// MaxPathLength is the maximum allowed path length.
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		MaxPathLength: 4096,
	}
}

// ValidatePath checks if a path is safe to use.
// It returns the cleaned, absolute path if valid.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}

	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}

	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}

	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	cleaned := filepath.Clean(path)

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if len(v.AllowedRoots) > 0 {
		withinRoot := false
		for _, root := range v.AllowedRoots {
			absRoot, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			if strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) || absPath == absRoot {
				withinRoot = true
				break
			}
		}
		if !withinRoot {
			return "", ErrPathOutsideRoot
		}
	}

	return absPath, nil
}

// containsTraversal checks for .. components in the raw path.
func containsTraversal(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, part := range parts {
		if part == ".." {
			return true
		}
	}
	return false
}
