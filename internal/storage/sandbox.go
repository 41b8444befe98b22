// Package storage confines transcoder cache file access to the cache root.
// Session ids arrive from clients and become directory names, so every path
// built from one is resolved through a Sandbox.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidSessionID is returned for ids that are not a single path element.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrEscapesSandbox is returned when a path resolves outside the root.
	ErrEscapesSandbox = errors.New("path escapes sandbox")
)

// ValidateSessionID rejects ids that could address anything other than one
// directory directly under the cache root.
func ValidateSessionID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Sandbox resolves paths within a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox roots a sandbox at baseDir. The directory need not exist yet.
func NewSandbox(baseDir string) (*Sandbox, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	return &Sandbox{baseDir: abs}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// Ensure creates the root if missing.
func (s *Sandbox) Ensure() error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", s.baseDir, err)
	}
	return nil
}

// ResolvePath joins a relative path onto the root and fails if the result
// lies outside it.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s", ErrEscapesSandbox, relativePath)
	}
	full := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if full != s.baseDir && !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscapesSandbox, relativePath)
	}
	return full, nil
}

// SessionPath returns the path of name inside a session's directory. An
// empty name returns the directory itself.
func (s *Sandbox) SessionPath(sessionID, name string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return s.ResolvePath(filepath.Join(sessionID, name))
}

// RemoveSession deletes a session's directory and everything in it.
func (s *Sandbox) RemoveSession(sessionID string) error {
	dir, err := s.SessionPath(sessionID, "")
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
