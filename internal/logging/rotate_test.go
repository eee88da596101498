package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_NoRotationUnderLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	w, err := NewRotatingWriter(path, 1024, 3)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("line one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("line two\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_RotatesBeforeExceeding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	w, err := NewRotatingWriter(path, 20, 2)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("aaaaaaaaaa\n")) // 11 bytes
	require.NoError(t, err)
	_, err = w.Write([]byte("bbbbbbbbbb\n")) // would exceed 20: rotates first
	require.NoError(t, err)

	live, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbbbb\n", string(live))

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaa\n", string(rotated))
}

func TestRotatingWriter_DropsOldest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	w, err := NewRotatingWriter(path, 10, 2)
	require.NoError(t, err)
	defer w.Close()

	for _, s := range []string{"one\n", "two\n", "three\n", "four\n"} {
		// Each write is small; pad to force a rotation per write.
		_, err = w.Write([]byte(strings.Repeat("x", 8) + s))
		require.NoError(t, err)
	}

	// Only maxFiles rotated copies survive.
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o640))

	lines, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = Tail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, lines)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, "WARN", l.String())

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
