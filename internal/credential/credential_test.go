package credential

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

func TestSecret_DestroyZeroesBytes(t *testing.T) {
	s := NewSecret([]byte("super-secret"))
	require.Equal(t, []byte("super-secret"), s.Value())

	s.Destroy()
	require.Nil(t, s.Value())

	// Idempotent.
	require.NotPanics(t, s.Destroy)
}

func TestSecret_String_NeverLeaks(t *testing.T) {
	s := NewSecret([]byte("super-secret"))
	require.Equal(t, "[redacted]", s.String())
}

func TestResolve_Literal(t *testing.T) {
	r := &Resolver{}

	s, err := r.Resolve(llmtypes.CredentialRef{Source: "literal", Value: "sk-abc"}, nil, "openai")
	require.NoError(t, err)
	require.Equal(t, []byte("sk-abc"), s.Value())
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("TEST_CRED_KEY", "from-env")

	r := &Resolver{}

	s, err := r.Resolve(llmtypes.CredentialRef{Source: "env", Value: "TEST_CRED_KEY"}, nil, "openai")
	require.NoError(t, err)
	require.Equal(t, []byte("from-env"), s.Value())
}

func TestResolve_EnvMissing(t *testing.T) {
	_, unset := os.LookupEnv("TEST_CRED_KEY_MISSING")
	require.False(t, unset)

	r := &Resolver{}

	_, err := r.Resolve(llmtypes.CredentialRef{Source: "env", Value: "TEST_CRED_KEY_MISSING"}, nil, "openai")
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindInvalidProviderConfig))
}

func TestResolve_Dynamic(t *testing.T) {
	r := &Resolver{}
	dyn := DynamicCredentials{"my_key": NewSecret([]byte("dyn-value"))}

	s, err := r.Resolve(llmtypes.CredentialRef{Source: "dynamic", Value: "my_key"}, dyn, "openai")
	require.NoError(t, err)
	require.Equal(t, []byte("dyn-value"), s.Value())
}

func TestResolve_DynamicMissing(t *testing.T) {
	r := &Resolver{}

	_, err := r.Resolve(llmtypes.CredentialRef{Source: "dynamic", Value: "missing_key"}, DynamicCredentials{}, "openai")
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindInvalidProviderConfig))
}

func TestResolve_Default(t *testing.T) {
	r := &Resolver{Defaults: map[string]*Secret{"openai": NewSecret([]byte("default-key"))}}

	s, err := r.Resolve(llmtypes.CredentialRef{Source: "default"}, nil, "openai")
	require.NoError(t, err)
	require.Equal(t, []byte("default-key"), s.Value())
}

func TestResolve_DefaultMissing(t *testing.T) {
	r := &Resolver{}

	_, err := r.Resolve(llmtypes.CredentialRef{Source: "default"}, nil, "anthropic")
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindInvalidProviderConfig))
}

func TestResolve_UnknownSource(t *testing.T) {
	r := &Resolver{}

	_, err := r.Resolve(llmtypes.CredentialRef{Source: "bogus"}, nil, "openai")
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindInvalidProviderConfig))
}
