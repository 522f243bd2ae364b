package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const sessionBucket = "Sessions"

// SessionStorage persists web sessions in the application database so
// logins survive restarts. Implements fiber's session Storage interface.
type SessionStorage struct {
	db *bbolt.DB
}

// NewSessionStorage wraps the shared database handle. The caller owns the
// handle's lifecycle.
func NewSessionStorage(db *bbolt.DB) *SessionStorage {
	return &SessionStorage{db: db}
}

// Get returns the value for key, or nil when missing or expired. Expired
// entries are removed lazily.
func (s *SessionStorage) Get(key string) ([]byte, error) {
	var value []byte
	expired := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(sessionBucket)).Get([]byte(key))
		if raw == nil || len(raw) < 8 {
			return nil
		}

		expiry := int64(binary.BigEndian.Uint64(raw[:8]))
		if expiry > 0 && time.Now().UnixNano() > expiry {
			expired = true
			return nil
		}

		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %v", err)
	}

	if expired {
		if err := s.Delete(key); err != nil {
			return nil, err
		}
	}

	return value, nil
}

// Set stores value under key. A zero expiration means the entry never
// expires.
func (s *SessionStorage) Set(key string, value []byte, exp time.Duration) error {
	var expiry int64
	if exp > 0 {
		expiry = time.Now().Add(exp).UnixNano()
	}

	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(expiry))
	copy(raw[8:], value)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %v", err)
	}
	return nil
}

// Delete removes the entry for key
func (s *SessionStorage) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %v", err)
	}
	return nil
}

// Reset drops all sessions
func (s *SessionStorage) Reset() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(sessionBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(sessionBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset sessions: %v", err)
	}
	return nil
}

// Close is a no-op; the shared database handle is closed by its owner
func (s *SessionStorage) Close() error {
	return nil
}
