package credential

import (
	"errors"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name tokens are stored under.
const KeyringService = "apx-dev"

// Keyring stores secrets in the OS keyring.
type Keyring struct {
	Service string
}

// NewKeyring returns a store using KeyringService.
func NewKeyring() *Keyring { return &Keyring{Service: KeyringService} }

func (k *Keyring) Get(key string) (string, error) {
	s, err := keyring.Get(k.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return s, err
}

func (k *Keyring) Set(key, secret string) error {
	return keyring.Set(k.Service, key, secret)
}

func (k *Keyring) Delete(key string) error {
	err := keyring.Delete(k.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Memory is an in-process SecretStore.
type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: map[string]string{}} }

func (s *Memory) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(key, secret string) error {
	s.mu.Lock()
	s.m[key] = secret
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		return ErrNotFound
	}
	delete(s.m, key)
	return nil
}
