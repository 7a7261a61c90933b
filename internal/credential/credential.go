// Package credential obtains and caches the on-behalf-of token handed to the
// backend application during development.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/databricks-solutions/apx/internal/metrics"
)

const (
	DefaultLifetime = 4 * time.Hour
	DefaultMargin   = time.Hour
)

var (
	// ErrIdentityUnavailable wraps failures talking to the identity service.
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	// ErrNotFound is returned by SecretStore.Get for a missing secret.
	ErrNotFound = errors.New("secret not found")
)

// Token is a short-lived credential.
type Token struct {
	ID     string
	Secret string
	Expiry time.Time
}

// Remaining returns the lifetime left at now.
func (t Token) Remaining(now time.Time) time.Duration {
	return t.Expiry.Sub(now)
}

// Identity issues and inspects tokens.
type Identity interface {
	CreateToken(ctx context.Context, comment string, lifetime time.Duration) (Token, error)
	// TokenExpiry returns the expiry of token id; ok is false when the token
	// no longer exists.
	TokenExpiry(ctx context.Context, id string) (expiry time.Time, ok bool, err error)
}

// SecretStore keeps token secrets keyed by project.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, secret string) error
	Delete(key string) error
}

// IDStore keeps the id of the current token.
type IDStore interface {
	TokenID() (string, error)
	SetTokenID(id string) error
}

// Options configures a Manager.
type Options struct {
	Key      string // secret store key, the absolute project path
	Comment  string // attached to created tokens
	Lifetime time.Duration
	Margin   time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager prepares tokens, reusing a stored one while enough lifetime
// remains and rotating it otherwise.
type Manager struct {
	identity Identity
	secrets  SecretStore
	ids      IDStore
	opts     Options

	mu      sync.Mutex
	current *Token
}

// NewManager returns a Manager.
func NewManager(identity Identity, secrets SecretStore, ids IDStore, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{identity: identity, secrets: secrets, ids: ids, opts: opts}
}

// Comment builds the description attached to development tokens.
func Comment(appModule string) string {
	return fmt.Sprintf("dev token for %s, created by apx", appModule)
}

// Token returns the token held in memory while it has more than the margin
// left; otherwise it calls Prepare.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Remaining(m.opts.Now()) > m.opts.Margin {
		return *m.current, nil
	}
	t, err := m.prepare(ctx)
	if err != nil {
		return Token{}, err
	}
	m.current = &t
	return t, nil
}

// Prepare consults the secret store and the identity service: a stored token
// with a known id and more than the margin left is reused, anything else is
// replaced by a new token.
func (m *Manager) Prepare(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.prepare(ctx)
	if err != nil {
		return Token{}, err
	}
	m.current = &t
	return t, nil
}

func (m *Manager) prepare(ctx context.Context) (Token, error) {
	log := m.opts.Logger
	secret, err := m.secrets.Get(m.opts.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("cannot read stored token", "error", err)
		secret = ""
	}
	id, err := m.ids.TokenID()
	if err != nil {
		log.Warn("cannot read stored token id", "error", err)
		id = ""
	}

	switch {
	case secret != "" && id != "":
		expiry, ok, err := m.identity.TokenExpiry(ctx, id)
		if err != nil {
			return Token{}, fmt.Errorf("%w: list tokens: %v", ErrIdentityUnavailable, err)
		}
		if ok {
			remaining := expiry.Sub(m.opts.Now())
			if remaining > m.opts.Margin {
				log.Info("using existing token", "expires_in", remaining.Truncate(time.Minute).String())
				metrics.IncCredential(true)
				return Token{ID: id, Secret: secret, Expiry: expiry}, nil
			}
			log.Info("token expiring soon, rotating")
		} else {
			log.Info("stored token is no longer valid, creating a new one")
		}
	case secret != "":
		log.Info("token found without id, recreating")
		if err := m.secrets.Delete(m.opts.Key); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn("cannot delete stored token", "error", err)
		}
	}

	t, err := m.identity.CreateToken(ctx, m.opts.Comment, m.opts.Lifetime)
	if err != nil {
		return Token{}, fmt.Errorf("%w: create token: %v", ErrIdentityUnavailable, err)
	}
	if t.Expiry.IsZero() {
		t.Expiry = m.opts.Now().Add(m.opts.Lifetime)
	}
	if err := m.secrets.Set(m.opts.Key, t.Secret); err != nil {
		log.Warn("cannot store token secret", "error", err)
	}
	if err := m.ids.SetTokenID(t.ID); err != nil {
		log.Warn("cannot store token id", "error", err)
	}
	log.Info("created new token", "lifetime", m.opts.Lifetime.String())
	metrics.IncCredential(false)
	return t, nil
}

// Forget drops the cached token from memory, the secret store and the id
// store. The token itself is left to expire.
func (m *Manager) Forget() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	if err := m.secrets.Delete(m.opts.Key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete stored token: %w", err)
	}
	return m.ids.SetTokenID("")
}
