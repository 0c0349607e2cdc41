package agent

import (
	"context"
	"testing"

	"github.com/ploinky/ploinky/pkg/manifest"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBindsAppliesMountModes(t *testing.T) {
	m := &Manager{}
	eff := manifest.EffectiveProfile{Mounts: manifest.Mounts{Code: manifest.MountRO, Skills: manifest.MountRW}}

	binds := m.computeBinds("/work/proj", "simulator", eff)
	require.Len(t, binds, 4)
	assert.Equal(t, "/code", binds[1].Target)
	assert.True(t, binds[1].RO, "code mount must honor profile's ro mode")
	assert.Equal(t, "/code/.AchillesSkills", binds[3].Target)
	assert.False(t, binds[3].RO, "skills mount must honor profile's rw mode")
}

func TestComputeBindsIncludesInstallRootWhenSet(t *testing.T) {
	m := &Manager{InstallRoot: "/opt/ploinky"}
	binds := m.computeBinds("/work/proj", "simulator", manifest.EffectiveProfile{})
	last := binds[len(binds)-1]
	assert.Equal(t, "/Agent", last.Target)
	assert.True(t, last.RO)
}

func TestComputeEnvResolvesExposeDollarVar(t *testing.T) {
	m := &Manager{}
	resolver := fakeResolver{"DB_HOST": "db.internal"}
	env := m.computeEnv("simulator", "/work/proj", nil, map[string]string{"DATABASE_HOST": "$DB_HOST"}, resolver)

	byName := envByName(env)
	assert.Equal(t, "db.internal", byName["DATABASE_HOST"])
	assert.Equal(t, "simulator", byName["AGENT_NAME"])
}

func TestComputeEnvExposeLiteralValue(t *testing.T) {
	m := &Manager{}
	env := m.computeEnv("simulator", "/work/proj", nil, map[string]string{"MODE": "production"}, fakeResolver{})
	assert.Equal(t, "production", envByName(env)["MODE"])
}

func TestComputeEnvUnresolvedDollarVarBecomesEmpty(t *testing.T) {
	m := &Manager{}
	env := m.computeEnv("simulator", "/work/proj", nil, map[string]string{"MISSING": "$NOPE"}, fakeResolver{})
	assert.Equal(t, "", envByName(env)["MISSING"])
}

func TestComputePortsAlwaysBindsLoopback(t *testing.T) {
	m := &Manager{}
	ports, err := m.computePorts([]manifest.PortSpec{{ContainerPort: 7000}})
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "127.0.0.1", ports[0].HostIP)
	assert.NotZero(t, ports[0].HostPort)
}

func TestComputePortsHonorsDeclaredHostPort(t *testing.T) {
	m := &Manager{}
	ports, err := m.computePorts([]manifest.PortSpec{{HostPort: 21080, ContainerPort: 7000}})
	require.NoError(t, err)
	assert.Equal(t, 21080, ports[0].HostPort)
}

func TestHashSpecIsDeterministic(t *testing.T) {
	spec := runtime.Spec{Binds: []runtime.Bind{{Source: "/a", Target: "/b"}}, RestartPolicy: "no"}
	a := hashSpec("image:1", spec)
	b := hashSpec("image:1", spec)
	assert.Equal(t, a, b)

	different := hashSpec("image:2", spec)
	assert.NotEqual(t, a, different)
}

type fakeVerifyRuntime struct {
	bindings map[int][]runtime.PublishedPort
}

func (r *fakeVerifyRuntime) Create(ctx context.Context, name, image string, spec runtime.Spec) error {
	return nil
}
func (r *fakeVerifyRuntime) Start(ctx context.Context, name string) error { return nil }
func (r *fakeVerifyRuntime) Stop(ctx context.Context, name string) error  { return nil }
func (r *fakeVerifyRuntime) Remove(ctx context.Context, name string) error { return nil }
func (r *fakeVerifyRuntime) Exec(ctx context.Context, name string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}
func (r *fakeVerifyRuntime) Inspect(ctx context.Context, name string) (bool, error) { return true, nil }
func (r *fakeVerifyRuntime) Port(ctx context.Context, name string, containerPort int) ([]runtime.PublishedPort, error) {
	return r.bindings[containerPort], nil
}
func (r *fakeVerifyRuntime) Logs(ctx context.Context, name string, tailLines int) (string, error) {
	return "", nil
}
func (r *fakeVerifyRuntime) PS(ctx context.Context) ([]string, error) { return nil, nil }
func (r *fakeVerifyRuntime) Name() string                            { return "fake" }

func TestVerifyPortsRejectsWildcardOnSinglePort(t *testing.T) {
	m := &Manager{Runtime: &fakeVerifyRuntime{bindings: map[int][]runtime.PublishedPort{
		7000: {{HostIP: "0.0.0.0", HostPort: 21080}},
	}}}
	err := m.verifyPorts(context.Background(), "c1", []runtime.PortBind{{ContainerPort: 7000, HostPort: 21080}})
	require.Error(t, err)
	assert.Equal(t, perr.PortUnexpectedWildcard, perr.As(err))
}

func TestVerifyPortsAcceptsLoopback(t *testing.T) {
	m := &Manager{Runtime: &fakeVerifyRuntime{bindings: map[int][]runtime.PublishedPort{
		7000: {{HostIP: "127.0.0.1", HostPort: 21080}},
	}}}
	err := m.verifyPorts(context.Background(), "c1", []runtime.PortBind{{ContainerPort: 7000, HostPort: 21080}})
	assert.NoError(t, err)
}

func envByName(env []runtime.EnvVar) map[string]string {
	out := make(map[string]string, len(env))
	for _, e := range env {
		out[e.Name] = e.Value
	}
	return out
}
