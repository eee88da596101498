package authtoken

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_GeneratesToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")

	s, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Len(t, s.Current(), 64) // 32 random bytes, hex-encoded

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreate_ReadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")
	require.NoError(t, os.WriteFile(path, []byte("seeded-token\n"), 0o600))

	s, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, "seeded-token", s.Current())
	assert.True(t, s.Matches("seeded-token"))
	assert.False(t, s.Matches("other"))
}

func TestLoadOrCreate_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, err := LoadOrCreate(path)
	assert.Error(t, err)
}

func TestRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")
	s, err := LoadOrCreate(path)
	require.NoError(t, err)
	first := s.Current()

	second, err := s.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, s.Matches(second))
	assert.False(t, s.Matches(first))

	third, err := s.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, second, third)
	assert.NotEqual(t, first, third)

	// Rotation persists: a fresh load sees the latest token.
	reloaded, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, third, reloaded.Current())
}
