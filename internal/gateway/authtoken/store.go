// Package authtoken manages the single opaque gateway token: an
// on-disk 0600 file plus an in-memory copy compared in constant time
// on every request.
package authtoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const tokenBytes = 32

// Store holds the current token and its backing file.
type Store struct {
	mu    sync.RWMutex
	path  string
	token string
}

// LoadOrCreate returns a Store backed by path, reading the existing
// token or generating and persisting a fresh one.
func LoadOrCreate(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		token := strings.TrimSpace(string(data))
		if token == "" {
			return nil, fmt.Errorf("token file %s is empty", path)
		}
		s.token = token
		return s, nil
	case os.IsNotExist(err):
		token, genErr := generate()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := writeAtomic(path, token); writeErr != nil {
			return nil, writeErr
		}
		s.token = token
		return s, nil
	default:
		return nil, fmt.Errorf("read token file: %w", err)
	}
}

// Current returns the in-memory token.
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Matches compares candidate against the current token in constant time.
func (s *Store) Matches(candidate string) bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
}

// Rotate generates a fresh token, persists it atomically, and swaps the
// in-memory copy. Returns the new token.
func (s *Store) Rotate() (string, error) {
	token, err := generate()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, token); err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

func generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeAtomic writes the token via temp-file-then-rename with 0600
// permissions, so a crash mid-write never leaves a truncated token.
func writeAtomic(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}
