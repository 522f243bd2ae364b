package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStorage(t *testing.T) *SessionStorage {
	t.Helper()

	db, err := InitDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSessionStorage(db)
}

func TestSessionStorage_SetGet(t *testing.T) {
	s := newTestSessionStorage(t)

	require.NoError(t, s.Set("sid-1", []byte("payload"), 0))

	value, err := s.Get("sid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)
}

func TestSessionStorage_MissingKey(t *testing.T) {
	s := newTestSessionStorage(t)

	value, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSessionStorage_Expiry(t *testing.T) {
	s := newTestSessionStorage(t)

	require.NoError(t, s.Set("sid-1", []byte("payload"), time.Nanosecond))
	time.Sleep(10 * time.Millisecond)

	value, err := s.Get("sid-1")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSessionStorage_Delete(t *testing.T) {
	s := newTestSessionStorage(t)

	require.NoError(t, s.Set("sid-1", []byte("payload"), 0))
	require.NoError(t, s.Delete("sid-1"))

	value, err := s.Get("sid-1")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSessionStorage_Reset(t *testing.T) {
	s := newTestSessionStorage(t)

	require.NoError(t, s.Set("sid-1", []byte("a"), 0))
	require.NoError(t, s.Set("sid-2", []byte("b"), 0))
	require.NoError(t, s.Reset())

	value, err := s.Get("sid-1")
	require.NoError(t, err)
	assert.Nil(t, value)

	// Bucket still usable after reset
	require.NoError(t, s.Set("sid-3", []byte("c"), 0))
}
