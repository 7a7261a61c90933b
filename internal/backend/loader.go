package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInvalidAppRef is returned for references not of the form "module:attr".
	ErrInvalidAppRef = errors.New("invalid app reference, expected module_path:attribute")
	// ErrUnknownApp is returned when no factory is registered for a reference.
	ErrUnknownApp = errors.New("unknown app")
)

// AppEnv is handed to an application factory. Output written to Stdout and
// Stderr ends up in the backend log channel.
type AppEnv struct {
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Factory builds a fresh application instance.
type Factory func(env AppEnv) (http.Handler, error)

// Loader resolves an app reference to a new application instance. Every call
// must return a new instance.
type Loader interface {
	Load(ref string, env AppEnv) (http.Handler, error)
}

// Registry maps app references to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Apps is the process-wide registry used by the apx binary.
var Apps = NewRegistry()

// ParseRef splits "module_path:Attr".
func ParseRef(ref string) (module, attr string, err error) {
	module, attr, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || module == "" || attr == "" || strings.Contains(attr, ":") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAppRef, ref)
	}
	return module, attr, nil
}

// Register adds a factory. It panics on an invalid reference or a duplicate,
// as registration happens from init functions.
func (r *Registry) Register(ref string, f Factory) {
	if _, _, err := ParseRef(ref); err != nil {
		panic(err)
	}
	if f == nil {
		panic("backend: nil factory for " + ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[ref]; dup {
		panic("backend: factory registered twice for " + ref)
	}
	r.factories[ref] = f
}

// Refs lists the registered references.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load implements Loader.
func (r *Registry) Load(ref string, env AppEnv) (http.Handler, error) {
	if _, _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, ref)
	}
	h, err := f(env)
	if err != nil {
		return nil, fmt.Errorf("load app %s: %w", ref, err)
	}
	if h == nil {
		return nil, fmt.Errorf("load app %s: factory returned no handler", ref)
	}
	return h, nil
}

// IsConfigError reports whether err cannot be fixed by retrying.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidAppRef) || errors.Is(err, ErrUnknownApp)
}
