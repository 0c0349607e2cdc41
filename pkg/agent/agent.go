// Package agent implements the agent service manager (C7): container name
// computation, bind/env/port computation, spec-hash reuse-vs-recreate
// decisions, and port allocation.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"

	"github.com/ploinky/ploinky/pkg/manifest"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
)

// Manager computes and materialises agent container specs (C7).
type Manager struct {
	Runtime     runtime.Adapter
	Registry    *registry.Registry
	PortMu      sync.Mutex // registry-level lock around port allocation (Design Notes §9)
	InstallRoot string     // where the Agent/ template directory lives, mounted read-only at /Agent
}

// EnsureResult is the outcome of EnsureAgentService.
type EnsureResult struct {
	ContainerName string
	Record        *registry.Record
	Created       bool // true if a new container was created (vs reused)
}

// EnsureAgentService computes the full container spec for (repo, agentName,
// projectPath) under the given manifest/profile/resolver, then creates,
// recreates, or reuses the container per spec §4.7.
func (m *Manager) EnsureAgentService(ctx context.Context, repo, agentName, projectPath string, man *manifest.Manifest, profileName string, resolver manifest.Resolver, mode registry.RunMode) (*EnsureResult, error) {
	name := registry.ContainerName(repo, agentName, projectPath)

	eff, err := manifest.Effective(man, profileName)
	if err != nil {
		return nil, err
	}
	resolvedEnv, err := manifest.ResolveEnv(eff, resolver)
	if err != nil {
		return nil, err
	}

	binds := m.computeBinds(projectPath, agentName, eff)
	env := m.computeEnv(agentName, projectPath, resolvedEnv, man.Expose, resolver)
	ports, err := m.computePorts(man.Ports)
	if err != nil {
		return nil, err
	}

	spec := toRuntimeSpec(binds, env, ports, man)
	specHash := hashSpec(man.Image, spec)

	records, cfg, err := m.Registry.Load()
	if err != nil {
		return nil, err
	}

	existing, hasExisting := records[name]
	result := &EnsureResult{ContainerName: name}

	if hasExisting && existing.SpecHash == specHash {
		running, _ := m.Runtime.Inspect(ctx, name)
		if running {
			result.Record = existing
			return result, nil
		}
		if err := m.Runtime.Start(ctx, name); err != nil {
			return nil, err
		}
		existing.Status = "ready"
		result.Record = existing
		records[name] = existing
		return result, m.Registry.Save(records, cfg)
	}

	if hasExisting {
		_ = m.Runtime.Stop(ctx, name)
		_ = m.Runtime.Remove(ctx, name)
	}

	if err := m.Runtime.Create(ctx, name, man.Image, spec); err != nil {
		return nil, err
	}
	if err := m.verifyPorts(ctx, name, spec.Ports); err != nil {
		return nil, err
	}
	if err := m.Runtime.Start(ctx, name); err != nil {
		return nil, err
	}

	rec := &registry.Record{
		ContainerName: name,
		AgentName:     agentName,
		RepoName:      repo,
		Image:         man.Image,
		ProjectPath:   projectPath,
		RunMode:       mode,
		Profile:       profileName,
		Binds:         toRegistryBinds(binds),
		Env:           toRegistryEnv(env),
		Ports:         toRegistryPorts(spec.Ports),
		Status:        "ready",
		Health:        toRegistryHealth(man.Health),
		SpecHash:      specHash,
	}
	records[name] = rec
	if err := m.Registry.Save(records, cfg); err != nil {
		return nil, err
	}

	result.Record = rec
	result.Created = true
	return result, nil
}

// computeBinds computes the fixed bind set spec §4.7 names, plus
// user-declared volumes.
func (m *Manager) computeBinds(projectPath, agentName string, eff manifest.EffectiveProfile) []runtime.Bind {
	binds := []runtime.Bind{
		{Source: projectPath, Target: projectPath, RO: false},
		{Source: filepath.Join(projectPath, "code", agentName), Target: "/code", RO: eff.Mounts.Code == manifest.MountRO},
		{Source: filepath.Join(projectPath, "agents", agentName, "node_modules"), Target: "/code/node_modules", RO: true},
		{Source: filepath.Join(projectPath, "skills", agentName), Target: "/code/.AchillesSkills", RO: eff.Mounts.Skills == manifest.MountRO},
	}
	if m.InstallRoot != "" {
		binds = append(binds, runtime.Bind{Source: filepath.Join(m.InstallRoot, "Agent"), Target: "/Agent", RO: true})
	}
	return binds
}

// computeEnv computes AGENT_NAME, WORKSPACE_PATH, resolved profile env,
// resolved expose entries, and secrets — all injected via env only, never
// written to disk inside the container (spec §4.7).
func (m *Manager) computeEnv(agentName, projectPath string, resolvedEnv []manifest.ResolvedEnv, expose map[string]string, resolver manifest.Resolver) []runtime.EnvVar {
	env := []runtime.EnvVar{
		{Name: "AGENT_NAME", Value: agentName},
		{Name: "WORKSPACE_PATH", Value: filepath.Join(projectPath, "agents", agentName)},
	}
	for _, e := range resolvedEnv {
		env = append(env, runtime.EnvVar{Name: e.Name, Value: e.Value})
	}
	for exported, spec := range expose {
		value := spec
		if len(spec) > 0 && spec[0] == '$' {
			if v, ok := resolver.ResolveVarValue(spec[1:]); ok {
				value = v
			} else {
				value = ""
			}
		}
		env = append(env, runtime.EnvVar{Name: exported, Value: value})
	}
	return env
}

// computePorts allocates a free ephemeral host port for every declared
// container port, always bound to 127.0.0.1 (spec §4.7). Allocation is
// guarded by PortMu, the in-process "registry-level lock" Design Notes §9
// calls for.
func (m *Manager) computePorts(specs []manifest.PortSpec) ([]runtime.PortBind, error) {
	m.PortMu.Lock()
	defer m.PortMu.Unlock()

	out := make([]runtime.PortBind, 0, len(specs))
	for _, s := range specs {
		hostPort := s.HostPort
		if hostPort == 0 {
			p, err := allocateFreePort()
			if err != nil {
				return nil, perr.Wrap(perr.PortAllocation, err, "allocate host port for container port %d", s.ContainerPort)
			}
			hostPort = p
		}
		out = append(out, runtime.PortBind{ContainerPort: s.ContainerPort, HostPort: hostPort, HostIP: "127.0.0.1"})
	}
	return out, nil
}

func allocateFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// verifyPorts enforces spec §4.4/§4.7's rule for a container with exactly one
// declared published port: a wildcard host-ip binding on it is rejected.
// Containers with several published ports are not checked for wildcards.
func (m *Manager) verifyPorts(ctx context.Context, name string, ports []runtime.PortBind) error {
	for _, p := range ports {
		bindings, err := m.Runtime.Port(ctx, name, p.ContainerPort)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if runtime.IsWildcardHost(b.HostIP) && len(ports) == 1 {
				return perr.New(perr.PortUnexpectedWildcard,
					"container %s port %d bound to wildcard host %q", name, p.ContainerPort, b.HostIP)
			}
		}
	}
	return nil
}

func toRuntimeSpec(binds []runtime.Bind, env []runtime.EnvVar, ports []runtime.PortBind, man *manifest.Manifest) runtime.Spec {
	var cmd []string
	if man.Agent != "" {
		cmd = []string{"sh", "-c", man.Agent}
	}
	return runtime.Spec{
		Binds:         binds,
		Env:           env,
		Ports:         ports,
		Command:       cmd,
		RestartPolicy: "no",
	}
}

// hashSpec computes a stable hash of the parts of a container spec that, if
// changed, require stop+remove+recreate rather than reuse.
func hashSpec(image string, spec runtime.Spec) string {
	type hashable struct {
		Image string
		Spec  runtime.Spec
	}
	data, err := json.Marshal(hashable{Image: image, Spec: spec})
	if err != nil {
		plog.Errf(err, "hash spec marshal failed")
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func toRegistryBinds(binds []runtime.Bind) []registry.Bind {
	out := make([]registry.Bind, 0, len(binds))
	for _, b := range binds {
		out = append(out, registry.Bind{Source: b.Source, Target: b.Target, RO: b.RO})
	}
	return out
}

func toRegistryEnv(env []runtime.EnvVar) []registry.EnvVar {
	out := make([]registry.EnvVar, 0, len(env))
	for _, e := range env {
		out = append(out, registry.EnvVar{Name: e.Name, Value: e.Value})
	}
	return out
}

// toRegistryHealth copies the manifest's liveness/readiness declarations
// into the persisted form C8/C9 supervise from, so the router never needs
// to re-parse the manifest for an already-materialised agent.
func toRegistryHealth(h manifest.HealthSpec) registry.HealthSpec {
	convert := func(p *manifest.Health) *registry.ProbeSpec {
		if p == nil {
			return nil
		}
		return &registry.ProbeSpec{
			Script:           p.Script,
			IntervalSeconds:  p.Interval,
			TimeoutSeconds:   p.Timeout,
			FailureThreshold: p.FailureThreshold,
			SuccessThreshold: p.SuccessThreshold,
		}
	}
	return registry.HealthSpec{Liveness: convert(h.Liveness), Readiness: convert(h.Readiness)}
}

func toRegistryPorts(ports []runtime.PortBind) []registry.Port {
	out := make([]registry.Port, 0, len(ports))
	for _, p := range ports {
		out = append(out, registry.Port{ContainerPort: p.ContainerPort, HostPort: p.HostPort, HostIP: p.HostIP})
	}
	return out
}
