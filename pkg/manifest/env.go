package manifest

import "github.com/ploinky/ploinky/pkg/perr"

// ResolvedEnv is one environment variable computed for a container: its
// exported name and final value.
type ResolvedEnv struct {
	Name  string
	Value string
}

// Resolver looks up a named variable from the secret & variable store (C3).
// Kept as a narrow interface here (rather than importing pkg/secrets
// directly) so pkg/manifest has no dependency on pkg/secrets.
type Resolver interface {
	ResolveVarValue(name string) (string, bool)
}

// ResolveEnv computes the ordered {name,value} list for profile, honouring
// $VAR dereferences through resolver and literal defaults/values declared in
// the manifest. Required entries that resolve to nothing fail secret_missing.
func ResolveEnv(eff EffectiveProfile, resolver Resolver) ([]ResolvedEnv, error) {
	out := make([]ResolvedEnv, 0, len(eff.Env))
	for _, e := range eff.Env {
		value := e.Value
		if resolved, ok := resolver.ResolveVarValue(e.VarName); ok {
			value = resolved
		}
		if value == "" && e.Required {
			return nil, perr.New(perr.SecretMissing,
				"missing required env %q (source var %q)", e.Name, e.VarName)
		}
		out = append(out, ResolvedEnv{Name: e.Name, Value: value})
	}
	return out, nil
}
