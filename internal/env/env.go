// Package env composes the environments handed to child processes and the
// in-process backend.
package env

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

// Env is a base environment plus overrides. The zero value is not usable; use
// New or FromList.
type Env struct {
	base Var
	vars Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return FromList(os.Environ())
}

// FromList returns an Env whose base is the given "K=V" list.
func FromList(list []string) *Env {
	return &Env{base: Parse(list), vars: make(Var)}
}

// Parse converts a "K=V" list into a map, skipping malformed entries.
func Parse(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// Unset removes k from both the overrides and the base.
func (e *Env) Unset(k string) *Env {
	delete(e.vars, k)
	delete(e.base, k)
	return e
}

// Get returns the effective value of k.
func (e *Env) Get(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

// LoadFile adds the variables of a dotenv file as overrides. A missing file
// is not an error.
func (e *Env) LoadFile(path string) error {
	vars, err := ReadFile(path)
	if err != nil {
		return err
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return nil
}

// Merge composes the final "K=V" list: base, then overrides, then extra
// "K=V" entries. ${VAR} references are expanded once against the composed
// map. The result is sorted by key.
func (e *Env) Merge(extra ...string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range Parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}

// ReadFile parses a dotenv file. A missing file yields an empty map.
func ReadFile(path string) (Var, error) {
	vars, err := gotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Var{}, nil
		}
		return nil, err
	}
	return Var(vars), nil
}

// Apply loads a dotenv file into the current process environment, replacing
// existing values. It returns the keys that were set.
func Apply(path string) ([]string, error) {
	vars, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		if err := os.Setenv(k, v); err != nil {
			return keys, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
