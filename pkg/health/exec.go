package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ploinky/ploinky/pkg/runtime"
)

// ExecChecker runs a liveness/readiness script inside a container via the
// runtime adapter (C4), per spec §4.8: "scripts executed inside the
// container."
type ExecChecker struct {
	Runtime       runtime.Adapter
	ContainerName string
	Script        string
	Timeout       time.Duration
}

// NewExecChecker creates an ExecChecker bound to a container.
func NewExecChecker(rt runtime.Adapter, containerName, script string) *ExecChecker {
	return &ExecChecker{Runtime: rt, ContainerName: containerName, Script: script, Timeout: 10 * time.Second}
}

// Check execs the probe script inside the container and classifies the
// result by exit code and context deadline.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	res, err := e.Runtime.Exec(ctx, e.ContainerName, []string{"sh", "-c", e.Script}, runtime.ExecOptions{Timeout: e.Timeout})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe %q: %v", e.Script, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if res.ExitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe %q exited %d: %s", e.Script, res.ExitCode, res.Stderr),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("probe %q ok", e.Script),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithTimeout sets the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
