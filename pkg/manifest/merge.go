package manifest

import "github.com/ploinky/ploinky/pkg/perr"

// EffectiveProfile is the fully merged profile applied at runtime: default
// deep-merged with the active profile per spec.md §3's merge rule.
type EffectiveProfile struct {
	Env                 []RawEnvEntry
	Preinstall          string
	Install             string
	Postinstall         string
	HostHookAftercreate string
	HostHookPostinstall string
	Secrets             []string
	Mounts              Mounts
}

// Effective applies the merge rule: start from default, apply the active
// profile with deep merge for env/mounts, active hooks override default
// hooks (never concatenated), secrets concatenate, and default mount modes
// default to rw/rw while qa/prod default to ro/ro unless overridden.
func Effective(m *Manifest, profileName string) (EffectiveProfile, error) {
	if !ValidProfiles[profileName] {
		return EffectiveProfile{}, perr.New(perr.ProfileUnknown,
			"unknown profile %q (valid: default, dev, qa, prod)", profileName)
	}

	def := m.Profiles["default"]
	active, hasActive := m.Profiles[profileName]

	eff := EffectiveProfile{
		Env:                 mergeEnv(def.Env, active.Env),
		Preinstall:          def.Preinstall,
		Install:             def.Install,
		Postinstall:         def.Postinstall,
		HostHookAftercreate: def.HostHookAftercreate,
		HostHookPostinstall: def.HostHookPostinstall,
		Secrets:             append(append([]string{}, def.Secrets...), active.Secrets...),
		Mounts:              mergeMounts(def.Mounts, active.Mounts, profileName),
	}

	if hasActive && profileName != "default" {
		// Hooks override, never concatenate.
		if active.Preinstall != "" {
			eff.Preinstall = active.Preinstall
		}
		if active.Install != "" {
			eff.Install = active.Install
		}
		if active.Postinstall != "" {
			eff.Postinstall = active.Postinstall
		}
		if active.HostHookAftercreate != "" {
			eff.HostHookAftercreate = active.HostHookAftercreate
		}
		if active.HostHookPostinstall != "" {
			eff.HostHookPostinstall = active.HostHookPostinstall
		}
	}

	return eff, nil
}

// mergeEnv deep-merges env entries by name: active entries override default
// entries with the same name, default-only entries are kept, and
// active-only entries are appended.
func mergeEnv(def, active []RawEnvEntry) []RawEnvEntry {
	byName := make(map[string]RawEnvEntry, len(def)+len(active))
	var order []string
	for _, e := range def {
		byName[e.Name] = e
		order = append(order, e.Name)
	}
	for _, e := range active {
		if _, exists := byName[e.Name]; !exists {
			order = append(order, e.Name)
		}
		byName[e.Name] = e
	}
	out := make([]RawEnvEntry, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// mergeMounts deep-merges mount modes, applying the profile-dependent
// default (rw/rw for default, ro/ro for qa/prod) when neither default nor
// active profile specifies a mode explicitly.
func mergeMounts(def, active Mounts, profileName string) Mounts {
	fallback := MountRW
	if profileName == "qa" || profileName == "prod" {
		fallback = MountRO
	}

	code := def.Code
	if active.Code != "" {
		code = active.Code
	}
	if code == "" {
		code = fallback
	}

	skills := def.Skills
	if active.Skills != "" {
		skills = active.Skills
	}
	if skills == "" {
		skills = fallback
	}

	return Mounts{Code: code, Skills: skills}
}
