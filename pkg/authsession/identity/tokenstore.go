package identity

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileTokenStore persists provider tokens to a JSON file with owner-only
// permissions. Suitable for native hosts; browser-like runtimes bind their
// own TokenStore instead.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore stores tokens at path, creating parent directories on
// first save.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

type storedTokenFile struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Load implements TokenStore. A missing file is (nil, nil).
func (s *FileTokenStore) Load() (*StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f storedTokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &StoredToken{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		IDToken:      f.IDToken,
		Expiry:       f.Expiry,
	}, nil
}

// Save implements TokenStore.
func (s *FileTokenStore) Save(t *StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(storedTokenFile{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		Expiry:       t.Expiry,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Clear implements TokenStore.
func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

var _ TokenStore = (*FileTokenStore)(nil)
