// Package secrets provides secret resolution and output masking for the
// Conveyor engine. Masking happens at the log-emission boundary, driven by a
// per-run registry of known secret values, rather than relying on callers
// never to print them.
package secrets

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// MaskReplacement is what masked secret values are rewritten to.
const MaskReplacement = "***"

// Masker is a per-run registry of secret values. Every value that the
// expression evaluator resolves from a secrets context is registered here,
// and every emitted log line and error message passes through Mask.
type Masker struct {
	mu     sync.RWMutex
	values []string
}

// NewMasker creates an empty masking registry.
func NewMasker() *Masker {
	return &Masker{}
}

// Register adds a secret value to the registry. Empty and single-character
// values are ignored; masking them would corrupt ordinary output.
func (m *Masker) Register(value string) {
	if len(value) < 2 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.values {
		if existing == value {
			return
		}
	}
	m.values = append(m.values, value)

	// Longest first, so overlapping secrets mask completely.
	sort.Slice(m.values, func(i, j int) bool {
		return len(m.values[i]) > len(m.values[j])
	})
}

// Mask replaces every registered secret value in s.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, value := range m.values {
		s = strings.ReplaceAll(s, value, MaskReplacement)
	}
	return s
}

// Count returns the number of registered secret values.
func (m *Masker) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Hook returns a zerolog hook applying the masking pass to log messages at
// emission time.
func (m *Masker) Hook() zerolog.Hook {
	return maskingHook{masker: m}
}

// maskingHook rewrites log messages through the registry.
type maskingHook struct {
	masker *Masker
}

// Run implements zerolog.Hook. Messages are masked by the Logger before
// they reach zerolog; the hook is the final guard that discards any event
// whose message still carries a raw secret value.
func (h maskingHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	if h.masker.Count() == 0 {
		return
	}
	if h.masker.Mask(msg) != msg {
		e.Discard()
	}
}
