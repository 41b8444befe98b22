package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"abc123", true},
		{"0f8c-9e1a", true},
		{"with.dot", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc", false},
		{"a/b", false},
		{`a\b`, false},
		{"nul\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			}
		})
	}
}

func TestSandbox_ResolvePath(t *testing.T) {
	root := t.TempDir()
	s, err := NewSandbox(root)
	require.NoError(t, err)

	p, err := s.ResolvePath("sid/chunk-00001")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sid", "chunk-00001"), p)

	p, err = s.ResolvePath("sid/../other")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "other"), p)

	_, err = s.ResolvePath("../outside")
	assert.ErrorIs(t, err, ErrEscapesSandbox)

	_, err = s.ResolvePath("/etc/passwd")
	assert.ErrorIs(t, err, ErrEscapesSandbox)
}

func TestSandbox_SessionPath(t *testing.T) {
	root := t.TempDir()
	s, err := NewSandbox(root)
	require.NoError(t, err)

	p, err := s.SessionPath("sid", "header")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sid", "header"), p)

	_, err = s.SessionPath("..", "header")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestSandbox_RemoveSession(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	s, err := NewSandbox(root)
	require.NoError(t, err)
	require.NoError(t, s.Ensure())

	dir := filepath.Join(root, "sid")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "header"), []byte("x"), 0o600))

	require.NoError(t, s.RemoveSession("sid"))
	assert.NoDirExists(t, dir)
	assert.DirExists(t, root)

	assert.ErrorIs(t, s.RemoveSession(".."), ErrInvalidSessionID)
	assert.DirExists(t, root)
}
