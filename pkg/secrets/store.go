package secrets

import (
	"context"
	"sync"
)

// StaticStore is an in-memory secret store keyed by name and scope. The
// empty scope holds repository-level secrets; environment names scope
// environment secrets.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[scopeKey]string
}

type scopeKey struct {
	scope string
	name  string
}

// NewStaticStore creates a secret store seeded with repository-level secrets.
func NewStaticStore(repoSecrets map[string]string) *StaticStore {
	s := &StaticStore{secrets: make(map[scopeKey]string)}
	for name, value := range repoSecrets {
		s.secrets[scopeKey{name: name}] = value
	}
	return s
}

// SetScope loads secrets for a named scope, replacing previous values for
// the same names.
func (s *StaticStore) SetScope(scope string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range values {
		s.secrets[scopeKey{scope: scope, name: name}] = value
	}
}

// Resolve returns the secret value for name within scope. A scoped lookup
// falls back to the repository level when the scope has no such secret.
func (s *StaticStore) Resolve(_ context.Context, name, scope string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if scope != "" {
		if v, ok := s.secrets[scopeKey{scope: scope, name: name}]; ok {
			return v, true
		}
	}
	v, ok := s.secrets[scopeKey{name: name}]
	return v, ok
}
