package manifest

import (
	"testing"

	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string]string

func (f fakeResolver) ResolveVarValue(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func TestResolveEnvPrefersResolverOverLiteralValue(t *testing.T) {
	eff := EffectiveProfile{Env: []RawEnvEntry{{Name: "API_KEY", VarName: "API_KEY", Value: "literal-default"}}}
	resolver := fakeResolver{"API_KEY": "from-store"}

	out, err := ResolveEnv(eff, resolver)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "from-store", out[0].Value)
}

func TestResolveEnvFallsBackToLiteralWhenUnresolved(t *testing.T) {
	eff := EffectiveProfile{Env: []RawEnvEntry{{Name: "API_KEY", VarName: "API_KEY", Value: "literal-default"}}}
	out, err := ResolveEnv(eff, fakeResolver{})
	require.NoError(t, err)
	assert.Equal(t, "literal-default", out[0].Value)
}

func TestResolveEnvRequiredMissingFails(t *testing.T) {
	eff := EffectiveProfile{Env: []RawEnvEntry{{Name: "API_KEY", VarName: "API_KEY", Required: true}}}
	_, err := ResolveEnv(eff, fakeResolver{})
	require.Error(t, err)
	assert.Equal(t, perr.SecretMissing, perr.As(err))
}
