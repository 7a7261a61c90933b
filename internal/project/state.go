package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DevInfo identifies the running supervisor.
type DevInfo struct {
	PID        int       `json:"pid"`
	Socket     string    `json:"socket"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// State is the content of .apx/project.json.
type State struct {
	TokenID string   `json:"token_id,omitempty"`
	Dev     *DevInfo `json:"dev,omitempty"`
}

// Store reads and writes a State file. Writes replace the whole file
// atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for path.
func NewStore(path string) *Store { return &Store{path: path} }

// State returns the Store for the project's state file.
func (p *Project) State() *Store { return NewStore(p.StatePath()) }

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Load reads the state. A missing or unreadable file yields an empty State;
// the error is still returned for unreadable files so callers can log it.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	var st State
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return st, nil
}

// Update applies fn to the current state and writes the result. A corrupt
// file is replaced.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.load()
	fn(&st)
	return s.write(st)
}

func (s *Store) write(st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".project-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// TokenID returns the stored credential id.
func (s *Store) TokenID() (string, error) {
	st, err := s.Load()
	return st.TokenID, err
}

// SetTokenID stores the credential id.
func (s *Store) SetTokenID(id string) error {
	return s.Update(func(st *State) { st.TokenID = id })
}

// SetDev records the running supervisor.
func (s *Store) SetDev(info DevInfo) error {
	return s.Update(func(st *State) { st.Dev = &info })
}

// ClearDev removes the supervisor record if it still belongs to instanceID.
// An empty instanceID clears unconditionally.
func (s *Store) ClearDev(instanceID string) error {
	return s.Update(func(st *State) {
		if st.Dev != nil && (instanceID == "" || st.Dev.InstanceID == instanceID) {
			st.Dev = nil
		}
	})
}
