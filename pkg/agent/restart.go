package agent

import (
	"context"

	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
)

// Restart recreates a container from its already-computed record, without
// re-resolving the manifest. Used by pkg/monitor (C9) to satisfy its
// Restarter interface: the monitor only ever restarts containers that
// EnsureAgentService already materialised once.
func (m *Manager) Restart(ctx context.Context, rec *registry.Record) error {
	_ = m.Runtime.Stop(ctx, rec.ContainerName)
	_ = m.Runtime.Remove(ctx, rec.ContainerName)

	spec := runtime.Spec{
		Binds:         fromRegistryBinds(rec.Binds),
		Env:           fromRegistryEnv(rec.Env),
		Ports:         fromRegistryPorts(rec.Ports),
		RestartPolicy: "no",
	}
	if err := m.Runtime.Create(ctx, rec.ContainerName, rec.Image, spec); err != nil {
		return err
	}
	return m.Runtime.Start(ctx, rec.ContainerName)
}

func fromRegistryBinds(binds []registry.Bind) []runtime.Bind {
	out := make([]runtime.Bind, 0, len(binds))
	for _, b := range binds {
		out = append(out, runtime.Bind{Source: b.Source, Target: b.Target, RO: b.RO})
	}
	return out
}

func fromRegistryEnv(env []registry.EnvVar) []runtime.EnvVar {
	out := make([]runtime.EnvVar, 0, len(env))
	for _, e := range env {
		out = append(out, runtime.EnvVar{Name: e.Name, Value: e.Value})
	}
	return out
}

func fromRegistryPorts(ports []registry.Port) []runtime.PortBind {
	out := make([]runtime.PortBind, 0, len(ports))
	for _, p := range ports {
		out = append(out, runtime.PortBind{ContainerPort: p.ContainerPort, HostPort: p.HostPort, HostIP: p.HostIP})
	}
	return out
}
