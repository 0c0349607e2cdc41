package hooks

import (
	"context"
	"testing"

	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHookRuntime struct {
	exitCode int
	stderr   string
	calls    []string
}

func (r *fakeHookRuntime) Create(ctx context.Context, name, image string, spec runtime.Spec) error {
	return nil
}
func (r *fakeHookRuntime) Start(ctx context.Context, name string) error  { return nil }
func (r *fakeHookRuntime) Stop(ctx context.Context, name string) error   { return nil }
func (r *fakeHookRuntime) Remove(ctx context.Context, name string) error { return nil }
func (r *fakeHookRuntime) Exec(ctx context.Context, name string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	r.calls = append(r.calls, cmd[len(cmd)-1])
	return runtime.ExecResult{ExitCode: r.exitCode, Stderr: r.stderr}, nil
}
func (r *fakeHookRuntime) Inspect(ctx context.Context, name string) (bool, error) { return true, nil }
func (r *fakeHookRuntime) Port(ctx context.Context, name string, containerPort int) ([]runtime.PublishedPort, error) {
	return nil, nil
}
func (r *fakeHookRuntime) Logs(ctx context.Context, name string, tailLines int) (string, error) {
	return "", nil
}
func (r *fakeHookRuntime) PS(ctx context.Context) ([]string, error) { return nil, nil }
func (r *fakeHookRuntime) Name() string                             { return "fake" }

func TestRunHostStepCapturesStdout(t *testing.T) {
	rnr := &Runner{}
	outcomes, err := rnr.Run(context.Background(), []Step{
		{Name: "preinstall", Kind: Host, Command: "echo hi"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 0, outcomes[0].ExitCode)
	assert.Contains(t, outcomes[0].Stdout, "hi")
}

func TestRunStopsAtFirstFailingHostStep(t *testing.T) {
	rnr := &Runner{}
	outcomes, err := rnr.Run(context.Background(), []Step{
		{Name: "one", Kind: Host, Command: "exit 1"},
		{Name: "two", Kind: Host, Command: "echo should-not-run"},
	})
	require.Error(t, err)
	require.Len(t, outcomes, 1, "execution must stop at the first failing step")
	assert.Equal(t, 1, outcomes[0].ExitCode)
}

func TestRunRejectsMultilineCommand(t *testing.T) {
	rnr := &Runner{}
	_, err := rnr.Run(context.Background(), []Step{
		{Name: "bad", Kind: Host, Command: "echo one\necho two"},
	})
	require.Error(t, err)
	assert.Equal(t, perr.HookShape, perr.As(err))
}

func TestRunContainerStepUsesRuntimeExec(t *testing.T) {
	rt := &fakeHookRuntime{exitCode: 0}
	rnr := &Runner{Runtime: rt, ContainerName: "c1"}
	outcomes, err := rnr.Run(context.Background(), []Step{
		{Name: "install", Kind: Container, Command: "npm install"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"npm install"}, rt.calls)
	assert.Equal(t, 0, outcomes[0].ExitCode)
}

func TestRunContainerStepFailureAbortsRemainingSteps(t *testing.T) {
	rt := &fakeHookRuntime{exitCode: 1, stderr: "boom"}
	rnr := &Runner{Runtime: rt, ContainerName: "c1"}
	outcomes, err := rnr.Run(context.Background(), []Step{
		{Name: "install", Kind: Container, Command: "npm install"},
		{Name: "build", Kind: Container, Command: "npm run build"},
	})
	require.Error(t, err)
	require.Len(t, outcomes, 1)
	assert.Len(t, rt.calls, 1, "second step must never be attempted")
}

func TestBuiltinEnvIncludesAllSixFields(t *testing.T) {
	env := BuiltinEnv("dev", "simulator", "repo", "/work", "c1", "abc123")
	require.Len(t, env, 6)
	byName := map[string]string{}
	for _, e := range env {
		byName[e.Name] = e.Value
	}
	assert.Equal(t, "dev", byName["PLOINKY_PROFILE"])
	assert.Equal(t, "simulator", byName["PLOINKY_AGENT_NAME"])
	assert.Equal(t, "abc123", byName["PLOINKY_CONTAINER_ID"])
}
