// Package runtime implements the runtime adapter (C4): a single interface
// over the two supported container runtimes (docker, podman), both driven
// through their CLI binaries via os/exec rather than a client library,
// since Ploinky assumes the runtime is already installed and on PATH
// (spec Design Notes §9).
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/go-connections/nat"
	"github.com/ploinky/ploinky/pkg/perr"
)

// Bind is one container mount.
type Bind struct {
	Source string
	Target string
	RO     bool
}

// EnvVar is one container environment entry.
type EnvVar struct {
	Name  string
	Value string
}

// PortBind requests publishing ContainerPort on HostPort bound to HostIP
// (which the adapter always forces to 127.0.0.1 when empty, per spec §4.4).
type PortBind struct {
	ContainerPort int
	HostPort      int
	HostIP        string
}

// Spec is the full container creation spec (spec §4.4).
type Spec struct {
	Binds         []Bind
	Env           []EnvVar
	Ports         []PortBind
	Workdir       string
	Entrypoint    []string
	Command       []string
	RestartPolicy string // "no"
}

// PublishedPort is one observed published port, as returned by Port/Inspect.
type PublishedPort struct {
	HostIP   string
	HostPort int
}

// ExecOptions controls Exec.
type ExecOptions struct {
	Timeout time.Duration
	Env     []EnvVar
}

// ExecResult captures one exec invocation's outcome.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Adapter is the capability surface every supported runtime implements.
type Adapter interface {
	Create(ctx context.Context, name, image string, spec Spec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error)
	Inspect(ctx context.Context, name string) (running bool, err error)
	Port(ctx context.Context, name string, containerPort int) ([]PublishedPort, error)
	Logs(ctx context.Context, name string, tailLines int) (string, error)
	PS(ctx context.Context) ([]string, error)
	Name() string
}

// cliAdapter drives a docker-CLI-compatible binary (docker or podman share
// the same CLI surface, per spec Design Notes §9).
type cliAdapter struct {
	binary string
}

// NewDocker returns an Adapter driving the docker CLI.
func NewDocker() Adapter { return &cliAdapter{binary: "docker"} }

// NewPodman returns an Adapter driving the podman CLI.
func NewPodman() Adapter { return &cliAdapter{binary: "podman"} }

// Detect selects an adapter by PLOINKY_RUNTIME env var value ("docker" or
// "podman"), falling back to auto-detection of whichever binary is on PATH.
func Detect(envValue string) (Adapter, error) {
	switch envValue {
	case "docker":
		return NewDocker(), nil
	case "podman":
		return NewPodman(), nil
	}
	if _, err := exec.LookPath("docker"); err == nil {
		return NewDocker(), nil
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return NewPodman(), nil
	}
	return nil, perr.New(perr.ContainerMissing, "no container runtime found on PATH (docker or podman)")
}

func (a *cliAdapter) Name() string { return a.binary }

func (a *cliAdapter) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Create validates the image reference (distribution/reference, the same
// normalisation docker/containerd use) then runs `create`.
func (a *cliAdapter) Create(ctx context.Context, name, image string, spec Spec) error {
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return perr.Wrap(perr.ContainerCreate, err, "invalid image reference %q", image)
	}

	args := []string{"create", "--name", name, "--restart", defaultRestart(spec.RestartPolicy)}
	for _, b := range spec.Binds {
		mode := "rw"
		if b.RO {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", b.Source, b.Target, mode))
	}
	for _, e := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", e.Name, e.Value))
	}
	for _, p := range spec.Ports {
		hostIP := p.HostIP
		if hostIP == "" {
			hostIP = "127.0.0.1"
		}
		args = append(args, "-p", fmt.Sprintf("%s:%d:%d", hostIP, p.HostPort, p.ContainerPort))
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", strings.Join(spec.Entrypoint, " "))
	}
	args = append(args, image)
	args = append(args, spec.Command...)

	_, stderr, err := a.run(ctx, args...)
	if err != nil {
		return perr.Wrap(perr.ContainerCreate, err, "create %s: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

func defaultRestart(policy string) string {
	if policy == "" {
		return "no"
	}
	return policy
}

func (a *cliAdapter) Start(ctx context.Context, name string) error {
	if _, stderr, err := a.run(ctx, "start", name); err != nil {
		return perr.Wrap(perr.ContainerStart, err, "start %s: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

func (a *cliAdapter) Stop(ctx context.Context, name string) error {
	if _, stderr, err := a.run(ctx, "stop", name); err != nil {
		return perr.Wrap(perr.ContainerStart, err, "stop %s: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

func (a *cliAdapter) Remove(ctx context.Context, name string) error {
	if _, stderr, err := a.run(ctx, "rm", "-f", name); err != nil {
		return perr.Wrap(perr.ContainerStart, err, "rm %s: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

func (a *cliAdapter) Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	args := []string{"exec"}
	for _, e := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", e.Name, e.Value))
	}
	args = append(args, name)
	args = append(args, cmd...)

	stdout, stderr, err := a.run(ctx, args...)
	exitCode := 0
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ExecResult{Stdout: stdout, Stderr: stderr}, perr.Wrap(perr.ContainerExec, err, "exec %s timed out", name)
		}
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return ExecResult{Stdout: stdout, Stderr: stderr}, perr.Wrap(perr.ContainerExec, err, "exec %s", name)
		}
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func (a *cliAdapter) Inspect(ctx context.Context, name string) (bool, error) {
	stdout, _, err := a.run(ctx, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		return false, perr.Wrap(perr.ContainerMissing, err, "inspect %s", name)
	}
	return strings.TrimSpace(stdout) == "true", nil
}

// Port returns the published host bindings for containerPort/tcp, parsed
// via go-connections/nat's binding representation so the wildcard check in
// spec §4.4/§4.7 operates on a typed host-ip, not raw strings.
func (a *cliAdapter) Port(ctx context.Context, name string, containerPort int) ([]PublishedPort, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "build port spec for %d", containerPort)
	}

	stdout, _, err := a.run(ctx, "inspect", "--format", "{{json .NetworkSettings.Ports}}", name)
	if err != nil {
		return nil, perr.Wrap(perr.ContainerMissing, err, "inspect ports for %s", name)
	}

	var portMap nat.PortMap
	if err := json.Unmarshal([]byte(stdout), &portMap); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "parse port map for %s", name)
	}

	bindings, ok := portMap[port]
	if !ok {
		return nil, nil
	}
	out := make([]PublishedPort, 0, len(bindings))
	for _, b := range bindings {
		hp, _ := strconv.Atoi(b.HostPort)
		out = append(out, PublishedPort{HostIP: b.HostIP, HostPort: hp})
	}
	return out, nil
}

func (a *cliAdapter) Logs(ctx context.Context, name string, tailLines int) (string, error) {
	args := []string{"logs"}
	if tailLines > 0 {
		args = append(args, "--tail", strconv.Itoa(tailLines))
	}
	args = append(args, name)
	stdout, stderr, err := a.run(ctx, args...)
	if err != nil {
		return "", perr.Wrap(perr.ContainerMissing, err, "logs %s: %s", name, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (a *cliAdapter) PS(ctx context.Context) ([]string, error) {
	stdout, stderr, err := a.run(ctx, "ps", "--format", "{{.Names}}")
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "ps: %s", strings.TrimSpace(stderr))
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// IsWildcardHost reports whether hostIP is the "publish on every interface"
// wildcard (0.0.0.0, :: or an empty host-ip), which spec §4.4/§4.7 treats as a misconfiguration
// when a container has exactly one declared published port.
func IsWildcardHost(hostIP string) bool {
	return hostIP == "0.0.0.0" || hostIP == "::" || hostIP == ""
}
