package pidfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(pid int) Record {
	return Record{
		PID:       pid,
		Host:      "127.0.0.1",
		Port:      7433,
		StartedAt: time.Now().UTC(),
		Cwd:       "/tmp",
	}
}

func TestReadMissing(t *testing.T) {
	rec, err := Read(filepath.Join(t.TempDir(), "gateway.pid.json"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")
	require.NoError(t, Write(path, record(os.Getpid())))

	rec, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, 7433, rec.Port)
}

func TestWrite_RefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	// PID 1 is always alive and is never this test process.
	require.NoError(t, Write(path, record(1)))
	err := Write(path, record(os.Getpid()))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestWrite_ReplacesStaleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	// A pid far beyond pid_max on any test machine.
	require.NoError(t, Write(path, record(99999999)))
	require.NoError(t, Write(path, record(os.Getpid())))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestWrite_SameOwnerRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")
	require.NoError(t, Write(path, record(os.Getpid())))
	require.NoError(t, Write(path, record(os.Getpid())))
}

func TestRemove_OnlyOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")
	require.NoError(t, Write(path, record(os.Getpid())))

	// Wrong pid: record stays.
	require.NoError(t, Remove(path, os.Getpid()+1))
	rec, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Owner: record removed.
	require.NoError(t, Remove(path, os.Getpid()))
	rec, err = Read(path)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRead_CorruptFileTreatedAsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o640))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(99999999))
}
