package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"applymatic/models"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned when no stored user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// UserStorage manages user data persistence. Users are created on first
// Google sign-in, so there is no password to store.
type UserStorage struct {
	dataDir string
	mu      sync.RWMutex
}

// NewUserStorage creates a new user storage instance
func NewUserStorage(dataDir string) (*UserStorage, error) {
	userDir := filepath.Join(dataDir, "users")
	if err := os.MkdirAll(userDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create users directory: %v", err)
	}

	return &UserStorage{
		dataDir: userDir,
	}, nil
}

// CreateUser creates a new user
func (s *UserStorage) CreateUser(user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Generate ID if not set
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	return s.saveUser(user)
}

// GetUser retrieves a user by ID
func (s *UserStorage) GetUser(userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadUser(userID)
}

// GetUserByEmail retrieves a user by email
func (s *UserStorage) GetUserByEmail(email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read users directory: %v", err)
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		userID := file.Name()[:len(file.Name())-5]
		user, err := s.loadUser(userID)
		if err != nil {
			continue
		}

		if user.Email == email {
			return user, nil
		}
	}

	return nil, ErrUserNotFound
}

// UpdateUser updates an existing user
func (s *UserStorage) UpdateUser(user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadUser(user.ID)
	if err != nil {
		return fmt.Errorf("user not found: %v", err)
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now()

	return s.saveUser(user)
}

// UpdateLastLogin records a successful sign-in
func (s *UserStorage) UpdateLastLogin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.loadUser(userID)
	if err != nil {
		return err
	}

	user.LastLoginAt = time.Now()
	return s.saveUser(user)
}

// saveUser saves user to file (must be called with lock held)
func (s *UserStorage) saveUser(user *models.User) error {
	userPath := filepath.Join(s.dataDir, user.ID+".json")

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user: %v", err)
	}

	return os.WriteFile(userPath, data, 0600)
}

// loadUser loads user from file (must be called with lock held)
func (s *UserStorage) loadUser(userID string) (*models.User, error) {
	userPath := filepath.Join(s.dataDir, userID+".json")

	data, err := os.ReadFile(userPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user file: %v", err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %v", err)
	}

	return &user, nil
}
