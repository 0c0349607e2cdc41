// Package manifest loads agent manifests and resolves their profiles
// (C1: Manifest & profile resolver).
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ploinky/ploinky/pkg/perr"
	"gopkg.in/yaml.v3"
)

// ValidProfiles is the closed set of profile names spec.md §3 recognises.
var ValidProfiles = map[string]bool{
	"default": true,
	"dev":     true,
	"qa":      true,
	"prod":    true,
}

// Health describes a liveness or readiness probe declaration.
type Health struct {
	Script           string `json:"script" yaml:"script"`
	Interval         int    `json:"interval" yaml:"interval"`
	Timeout          int    `json:"timeout" yaml:"timeout"`
	FailureThreshold int    `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold" yaml:"successThreshold"`
}

// HealthSpec groups the two independent probes a manifest may declare.
type HealthSpec struct {
	Liveness  *Health `json:"liveness,omitempty" yaml:"liveness,omitempty"`
	Readiness *Health `json:"readiness,omitempty" yaml:"readiness,omitempty"`
}

// MountMode is the bind mode for the code/ and skills/ mounts.
type MountMode string

const (
	MountRW MountMode = "rw"
	MountRO MountMode = "ro"
)

// Mounts holds the per-profile mount mode overrides for code and skills.
type Mounts struct {
	Code   MountMode `json:"code,omitempty" yaml:"code,omitempty"`
	Skills MountMode `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// RawEnvEntry is the normalised form of one of the three env shapes a
// profile may declare: a plain name, {name,varName,required,value}, or a
// mapping entry name -> value. Design Notes §9 calls this out explicitly:
// the three input shapes only exist at the parser boundary.
type RawEnvEntry struct {
	Name     string
	VarName  string // source key to look up via pkg/secrets; defaults to Name
	Required bool
	Value    string // literal default/value, if any
}

// Profile is one named profile block of a manifest (default, dev, qa, prod).
type Profile struct {
	Env                 []RawEnvEntry
	Preinstall          string
	Install             string
	Postinstall         string
	HostHookAftercreate string
	HostHookPostinstall string
	Secrets             []string
	Mounts              Mounts
}

// rawProfile is the JSON/YAML shape before env-shape normalisation.
type rawProfile struct {
	Env                 json.RawMessage `json:"env,omitempty" yaml:"env,omitempty"`
	Preinstall          string          `json:"preinstall,omitempty" yaml:"preinstall,omitempty"`
	Install             string          `json:"install,omitempty" yaml:"install,omitempty"`
	Postinstall         string          `json:"postinstall,omitempty" yaml:"postinstall,omitempty"`
	HostHookAftercreate string          `json:"hosthook_aftercreation,omitempty" yaml:"hosthook_aftercreation,omitempty"`
	HostHookPostinstall string          `json:"hosthook_postinstall,omitempty" yaml:"hosthook_postinstall,omitempty"`
	Secrets             []string        `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Mounts              Mounts          `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

// PortSpec is one declared port: container-only, host:container, or
// hostIp:host:container.
type PortSpec struct {
	HostIP        string
	HostPort      int // 0 means "not declared, allocate ephemeral"
	ContainerPort int
}

// EnableSpec is one entry in a manifest's "enable" list:
// "name [global|devel repo] [as alias]".
type EnableSpec struct {
	Name  string
	Mode  string // "", "global", or "devel"
	Repo  string // only set when Mode == "devel" and a repo is named
	Alias string
}

// Manifest is the parsed, immutable-at-read-time agent manifest.
type Manifest struct {
	Image   string
	About   string
	Agent   string
	CLI     string
	Ports   []PortSpec
	Volumes map[string]string
	Expose  map[string]string
	Enable  []EnableSpec
	Health  HealthSpec
	Profiles map[string]Profile
}

// rawManifest mirrors the on-disk JSON/YAML shape before normalisation.
type rawManifest struct {
	Image    string                 `json:"image" yaml:"image"`
	About    string                 `json:"about,omitempty" yaml:"about,omitempty"`
	Agent    string                 `json:"agent" yaml:"agent"`
	CLI      string                 `json:"cli,omitempty" yaml:"cli,omitempty"`
	Ports    []string               `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes  map[string]string      `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Expose   map[string]string      `json:"expose,omitempty" yaml:"expose,omitempty"`
	Enable   []string               `json:"enable,omitempty" yaml:"enable,omitempty"`
	Health   HealthSpec             `json:"health,omitempty" yaml:"health,omitempty"`
	Profiles map[string]rawProfile  `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// Load reads and parses a manifest from path. A .yaml or .yml path is
// decoded as YAML; any other path is decoded as JSON, and invalid JSON is a
// manifest_parse error (there is no fallback to YAML).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(perr.ManifestParse, err, "read manifest %s", path)
	}

	var raw rawManifest
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, perr.Wrap(perr.ManifestParse, err, "parse manifest %s", path)
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, perr.Wrap(perr.ManifestParse, err, "parse manifest %s", path)
	}

	m := &Manifest{
		Image:   raw.Image,
		About:   raw.About,
		Agent:   raw.Agent,
		CLI:     raw.CLI,
		Volumes: raw.Volumes,
		Expose:  raw.Expose,
		Health:  raw.Health,
	}

	for _, p := range raw.Ports {
		ps, err := parsePortSpec(p)
		if err != nil {
			return nil, perr.Wrap(perr.ManifestParse, err, "parse manifest %s", path)
		}
		m.Ports = append(m.Ports, ps)
	}

	for _, e := range raw.Enable {
		m.Enable = append(m.Enable, parseEnableSpec(e))
	}

	m.Profiles = make(map[string]Profile, len(raw.Profiles))
	for name, rp := range raw.Profiles {
		env, err := normaliseEnv(rp.Env)
		if err != nil {
			return nil, perr.Wrap(perr.ManifestParse, err, "parse manifest %s: profile %s env", path, name)
		}
		m.Profiles[name] = Profile{
			Env:                 env,
			Preinstall:          rp.Preinstall,
			Install:             rp.Install,
			Postinstall:         rp.Postinstall,
			HostHookAftercreate: rp.HostHookAftercreate,
			HostHookPostinstall: rp.HostHookPostinstall,
			Secrets:             rp.Secrets,
			Mounts:              rp.Mounts,
		}
	}

	return m, nil
}

// parsePortSpec parses "container", "host:container", or "hostIp:host:container".
func parsePortSpec(spec string) (PortSpec, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		cp, err := atoiPort(parts[0])
		return PortSpec{ContainerPort: cp}, err
	case 2:
		hp, err := atoiPort(parts[0])
		if err != nil {
			return PortSpec{}, err
		}
		cp, err := atoiPort(parts[1])
		return PortSpec{HostPort: hp, ContainerPort: cp}, err
	case 3:
		hp, err := atoiPort(parts[1])
		if err != nil {
			return PortSpec{}, err
		}
		cp, err := atoiPort(parts[2])
		return PortSpec{HostIP: parts[0], HostPort: hp, ContainerPort: cp}, err
	default:
		return PortSpec{}, fmt.Errorf("invalid port spec %q", spec)
	}
}

func atoiPort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

// parseEnableSpec parses "name [global|devel [repo]] [as alias]".
func parseEnableSpec(spec string) EnableSpec {
	fields := strings.Fields(spec)
	es := EnableSpec{}
	if len(fields) == 0 {
		return es
	}
	es.Name = fields[0]
	i := 1
	if i < len(fields) && (fields[i] == "global" || fields[i] == "devel") {
		es.Mode = fields[i]
		i++
		if es.Mode == "devel" && i < len(fields) && fields[i] != "as" {
			es.Repo = fields[i]
			i++
		}
	}
	if i < len(fields)-1 && fields[i] == "as" {
		es.Alias = fields[i+1]
	}
	return es
}

// normaliseEnv accepts all three env shapes spec.md §3/§4.1 documents: a
// list of names, a list of {name,varName,required,value} objects, or a
// mapping name -> (literal string | object).
func normaliseEnv(raw json.RawMessage) ([]RawEnvEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Shape 1: list of strings.
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		entries := make([]RawEnvEntry, 0, len(names))
		for _, n := range names {
			entries = append(entries, RawEnvEntry{Name: n, VarName: n})
		}
		return entries, nil
	}

	// Shape 2: list of objects.
	type envObj struct {
		Name     string `json:"name"`
		VarName  string `json:"varName"`
		Required bool   `json:"required"`
		Value    string `json:"value"`
		Default  string `json:"default"`
	}
	var objs []envObj
	if err := json.Unmarshal(raw, &objs); err == nil {
		entries := make([]RawEnvEntry, 0, len(objs))
		for _, o := range objs {
			varName := o.VarName
			if varName == "" {
				varName = o.Name
			}
			val := o.Value
			if val == "" {
				val = o.Default
			}
			entries = append(entries, RawEnvEntry{Name: o.Name, VarName: varName, Required: o.Required, Value: val})
		}
		return entries, nil
	}

	// Shape 3: mapping name -> (string | object).
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		entries := make([]RawEnvEntry, 0, len(m))
		for name, v := range m {
			var lit string
			if err := json.Unmarshal(v, &lit); err == nil {
				entries = append(entries, RawEnvEntry{Name: name, VarName: name, Value: lit})
				continue
			}
			var o envObj
			if err := json.Unmarshal(v, &o); err != nil {
				return nil, fmt.Errorf("env entry %q: %w", name, err)
			}
			varName := o.VarName
			if varName == "" {
				varName = name
			}
			val := o.Value
			if val == "" {
				val = o.Default
			}
			entries = append(entries, RawEnvEntry{Name: name, VarName: varName, Required: o.Required, Value: val})
		}
		return entries, nil
	}

	return nil, fmt.Errorf("unrecognised env shape")
}
