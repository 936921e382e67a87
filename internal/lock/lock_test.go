package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_TryLockUnlock(t *testing.T) {
	// Given: a lock path in a directory that does not exist yet
	path := filepath.Join(t.TempDir(), "nested", ".imgscout.lock")
	l := New(path)

	// When: acquiring
	ok, err := l.TryLock()

	// Then: the lock is held and the file exists
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.IsLocked())
	assert.FileExists(t, l.Path())

	require.NoError(t, l.Unlock())
	assert.False(t, l.IsLocked())
}

func TestFileLock_SecondOwnerIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.lock")
	first := New(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = first.Unlock() }()

	second := New(path)
	ok, err = second.TryLock()

	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, second.IsLocked())
}

func TestFileLock_ReacquireAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.lock")
	first := New(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Unlock())

	second := New(path)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}

func TestFileLock_UnlockIsIdempotent(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.lock"))

	assert.NoError(t, l.Unlock())
	_, err := l.TryLock()
	require.NoError(t, err)
	assert.NoError(t, l.Unlock())
	assert.NoError(t, l.Unlock())
}
