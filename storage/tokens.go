package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"applymatic/models"

	"golang.org/x/crypto/pbkdf2"
)

// ErrTokenNotFound is returned when a user has no stored OAuth token pair.
var ErrTokenNotFound = errors.New("token not found")

const tokenKeySalt = "applymatic-token-store"

// TokenStorage persists one OAuth access/refresh token pair per user,
// AES-GCM encrypted at rest.
type TokenStorage struct {
	dataDir string
	key     []byte
	mu      sync.RWMutex
}

// NewTokenStorage creates a token storage instance. The encryption key is
// derived from the configured passphrase, so the passphrase does not need to
// be exactly 32 bytes.
func NewTokenStorage(dataDir, passphrase string) (*TokenStorage, error) {
	if passphrase == "" {
		return nil, errors.New("token encryption passphrase is required")
	}

	tokenDir := filepath.Join(dataDir, "tokens")
	if err := os.MkdirAll(tokenDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create tokens directory: %v", err)
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(tokenKeySalt), 4096, 32, sha256.New)

	return &TokenStorage{
		dataDir: tokenDir,
		key:     key,
	}, nil
}

// SaveToken stores a token pair for a user. An existing refresh token is kept
// when the new pair arrives without one: Google only returns a refresh token
// on consent, and overwriting it with an empty value would strand the user.
func (s *TokenStorage) SaveToken(token *models.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.UserID == "" {
		return errors.New("token has no user id")
	}

	if token.RefreshToken == "" {
		if existing, err := s.loadToken(token.UserID); err == nil {
			token.RefreshToken = existing.RefreshToken
		}
	}

	token.UpdatedAt = time.Now()
	return s.saveToken(token)
}

// GetToken retrieves the stored token pair for a user
func (s *TokenStorage) GetToken(userID string) (*models.OAuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadToken(userID)
}

// DeleteToken removes a user's stored token pair
func (s *TokenStorage) DeleteToken(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokenPath := filepath.Join(s.dataDir, userID+".json")
	if err := os.Remove(tokenPath); err != nil {
		if os.IsNotExist(err) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to delete token: %v", err)
	}

	return nil
}

// saveToken writes the encrypted token file (must be called with lock held)
func (s *TokenStorage) saveToken(token *models.OAuthToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %v", err)
	}

	sealed, err := encrypt(string(data), s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %v", err)
	}

	tokenPath := filepath.Join(s.dataDir, token.UserID+".json")
	return os.WriteFile(tokenPath, []byte(sealed), 0600)
}

// loadToken reads and decrypts a token file (must be called with lock held)
func (s *TokenStorage) loadToken(userID string) (*models.OAuthToken, error) {
	tokenPath := filepath.Join(s.dataDir, userID+".json")

	sealed, err := os.ReadFile(tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to read token file: %v", err)
	}

	data, err := decrypt(string(sealed), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %v", err)
	}

	var token models.OAuthToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %v", err)
	}

	return &token, nil
}

// encrypt encrypts plaintext using AES-GCM
func encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%x", ciphertext), nil
}

// decrypt decrypts ciphertext using AES-GCM
func decrypt(ciphertextHex string, key []byte) (string, error) {
	var ciphertext []byte
	if _, err := fmt.Sscanf(ciphertextHex, "%x", &ciphertext); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
