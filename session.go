package wavechat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Session is the signed-in identity. It is passed explicitly to whatever
// needs it; nothing reads it from a global.
type Session struct {
	User       User      `toml:"user"`
	LoggedInAt time.Time `toml:"logged_in_at"`
}

func NewSession(u User) *Session {
	return &Session{User: u, LoggedInAt: time.Now().UTC()}
}

// UserID returns the id of the signed-in user, or 0 for a nil session.
func (s *Session) UserID() int64 {
	if s == nil {
		return 0
	}
	return s.User.ID
}

// SessionStore persists a Session between runs. Load returns ErrNoSession
// when nothing is stored.
type SessionStore interface {
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// ============================================================================
// File store
// ============================================================================

// DefaultSessionPath returns ~/.wavechat/session.toml.
func DefaultSessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".wavechat", "session.toml"), nil
}

// FileSessionStore keeps the session as a TOML file readable only by the
// owner.
type FileSessionStore struct {
	path string
}

func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

func (f *FileSessionStore) Path() string {
	return f.path
}

func (f *FileSessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("cannot read session: %w", err)
	}
	var s Session
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cannot parse session: %w", err)
	}
	if s.User.ID <= 0 {
		return nil, ErrNoSession
	}
	return &s, nil
}

func (f *FileSessionStore) Save(s *Session) error {
	if s == nil {
		return ErrNoSession
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session: %w", err)
	}
	return nil
}

func (f *FileSessionStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove session: %w", err)
	}
	return nil
}

// ============================================================================
// Memory store
// ============================================================================

type MemorySessionStore struct {
	mu      sync.Mutex
	session *Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	s := *m.session
	return &s, nil
}

func (m *MemorySessionStore) Save(s *Session) error {
	if s == nil {
		return ErrNoSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.session = &cp
	return nil
}

func (m *MemorySessionStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}
