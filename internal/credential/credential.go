// Package credential resolves ModelProvider.Credential references to actual
// secret bytes and implements the zeroing-on-drop discipline spec §9 calls
// for: "Dynamic per-request credentials are carried by value and zeroized
// on drop."
package credential

import (
	"os"
	"sync"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

// Secret wraps resolved credential bytes so callers can explicitly zero
// them instead of relying on GC. Never log a Secret's Value(); use String()
// only for debugging (it is redacted).
type Secret struct {
	mu        sync.Mutex
	value     []byte
	destroyed bool
}

// NewSecret wraps a copy of b; the Secret does not retain b itself.
func NewSecret(b []byte) *Secret {
	cp := make([]byte, len(b))
	copy(cp, b)

	return &Secret{value: cp}
}

// Value returns the secret bytes. Returns nil once Destroy has been called.
func (s *Secret) Value() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}

	return s.value
}

// String never reveals the secret.
func (s *Secret) String() string { return "[redacted]" }

// Destroy zeroes the underlying bytes. Idempotent.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	for i := range s.value {
		s.value[i] = 0
	}

	s.destroyed = true
}

// DynamicCredentials is the per-request credential map a caller supplies;
// keys match CredentialRef.Value for Source == "dynamic".
type DynamicCredentials map[string]*Secret

// DestroyAll zeroes every credential in the map. Callers defer this once
// per request immediately after building the map.
func (d DynamicCredentials) DestroyAll() {
	for _, s := range d {
		s.Destroy()
	}
}

// Resolver resolves a CredentialRef into a Secret from the one source its
// Source names: a configured literal, an environment variable, a dynamic
// per-request credential, or a provider-type default (spec §4.2.2). Every
// resolved Secret is a fresh copy the caller may Destroy.
type Resolver struct {
	// Defaults maps a provider kind (e.g. "openai") to a default Secret,
	// used only when CredentialRef.Source == "default".
	Defaults map[string]*Secret
}

// Resolve resolves ref against dynamic (the caller's per-request dynamic
// credential map, may be nil) and providerKind (used for Source=="default").
func (r *Resolver) Resolve(ref llmtypes.CredentialRef, dynamic DynamicCredentials, providerKind string) (*Secret, error) {
	switch ref.Source {
	case "literal":
		return NewSecret([]byte(ref.Value)), nil
	case "env":
		v, ok := os.LookupEnv(ref.Value)
		if !ok {
			return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "environment variable "+ref.Value+" is not set")
		}

		return NewSecret([]byte(v)), nil
	case "dynamic":
		if dynamic == nil {
			return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "dynamic credential "+ref.Value+" requested but none supplied")
		}

		s, ok := dynamic[ref.Value]
		if !ok {
			return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "dynamic credential "+ref.Value+" not found in request")
		}

		return NewSecret(s.Value()), nil
	case "default":
		s, ok := r.Defaults[providerKind]
		if !ok {
			return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "no default credential configured for provider kind "+providerKind)
		}

		return NewSecret(s.Value()), nil
	default:
		return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "unknown credential source "+ref.Source)
	}
}
