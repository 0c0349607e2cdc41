// Package hooks implements the lifecycle hook runner (C6): the ten ordered
// steps of spec §4.6, executed host-side via os/exec and in-container via
// the runtime adapter.
package hooks

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/ploinky/ploinky/pkg/metrics"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/runtime"
)

// StepKind distinguishes where a hook command runs.
type StepKind string

const (
	Host      StepKind = "host"
	Container StepKind = "container"
)

// Step is one lifecycle hook invocation.
type Step struct {
	Name    string // "hosthook_aftercreation", "preinstall", etc — for logging only
	Kind    StepKind
	Command string // single command string; list form is rejected upstream (hook_shape)
	Env     []runtime.EnvVar
}

// Outcome captures one step's result.
type Outcome struct {
	Step     Step
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes ordered Steps against a container, failing fast on the
// first non-zero exit (spec §4.6: "non-zero exit is fatal for steps 3-9").
type Runner struct {
	Runtime       runtime.Adapter
	ContainerName string
}

// Run executes steps in order, stopping at the first failure. It returns
// every outcome observed so far (including the failing one) and the error
// that ended the run, if any.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(steps))
	for _, step := range steps {
		if strings.ContainsAny(step.Command, "\n") {
			return outcomes, perr.New(perr.HookShape, "hook %q is not a single command string", step.Name)
		}

		out, err := r.runOne(ctx, step)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, perr.Wrap(perr.Internal, err, "hook %q failed: exit %d", step.Name, out.ExitCode)
		}
		if out.ExitCode != 0 {
			return outcomes, perr.New(perr.Internal, "hook %q exited %d: %s", step.Name, out.ExitCode, out.Stderr)
		}
	}
	return outcomes, nil
}

func (r *Runner) runOne(ctx context.Context, step Step) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HookDuration, step.Name)

	if step.Kind == Host {
		return r.runHost(ctx, step)
	}
	return r.runContainer(ctx, step)
}

func (r *Runner) runHost(ctx context.Context, step Step) (Outcome, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command)
	cmd.Env = os.Environ()
	for _, e := range step.Env {
		cmd.Env = append(cmd.Env, e.Name+"="+e.Value)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			err = nil // exit code carries the failure, not the error return
		}
	}
	return Outcome{Step: step, Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, err
}

func (r *Runner) runContainer(ctx context.Context, step Step) (Outcome, error) {
	res, err := r.Runtime.Exec(ctx, r.ContainerName, []string{"sh", "-c", step.Command}, runtime.ExecOptions{Env: step.Env})
	if err != nil {
		return Outcome{Step: step}, err
	}
	return Outcome{Step: step, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// BuiltinEnv builds the fixed hook env spec §4.6 mandates for
// hosthook_aftercreation: process env (passed separately by the caller) ∪
// these computed values ∪ resolved secrets (also passed by the caller).
func BuiltinEnv(profile, agentName, repoName, cwd, containerName, containerID string) []runtime.EnvVar {
	return []runtime.EnvVar{
		{Name: "PLOINKY_PROFILE", Value: profile},
		{Name: "PLOINKY_AGENT_NAME", Value: agentName},
		{Name: "PLOINKY_REPO_NAME", Value: repoName},
		{Name: "PLOINKY_CWD", Value: cwd},
		{Name: "PLOINKY_CONTAINER_NAME", Value: containerName},
		{Name: "PLOINKY_CONTAINER_ID", Value: containerID},
	}
}
