package health

import (
	"context"
	"sync"
	"time"

	"github.com/ploinky/ploinky/pkg/metrics"
)

// Prober runs a single named probe on its own goroutine and reports
// threshold-crossing transitions to callbacks, isolated from the router
// event loop per spec §4.8 ("probe exceptions never crash the supervisor").
type Prober struct {
	Kind    ProbeKind
	Checker Checker
	Config  Config
	Status  *Status

	// OnFailing fires once when the probe crosses into "failing"
	// (liveness: signal C9 to restart; readiness: mark agent unhealthy).
	OnFailing func()
	// OnPassing fires once when the probe crosses back into "passing".
	OnPassing func()
}

// Run blocks until ctx is cancelled, executing Checker on Config.Interval
// after Config.StartPeriod has elapsed.
func (p *Prober) Run(ctx context.Context) {
	if p.Config.StartPeriod > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Config.StartPeriod):
		}
	}

	ticker := time.NewTicker(p.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.attempt(ctx)
		}
	}
}

func (p *Prober) attempt(ctx context.Context) {
	defer func() { _ = recover() }()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProbeDuration, string(p.Kind))

	attemptCtx, cancel := context.WithTimeout(ctx, p.Config.Timeout)
	defer cancel()

	result := p.Checker.Check(attemptCtx)
	becameFailing, becamePassing := p.Status.Update(result, p.Config)
	if becameFailing && p.OnFailing != nil {
		p.OnFailing()
	}
	if becamePassing && p.OnPassing != nil {
		p.OnPassing()
	}
}

// Set runs a liveness and/or readiness prober for a single agent, and can be
// stopped as a unit on agent teardown.
type Set struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Start launches the liveness/readiness probers (whichever are non-nil)
// under a single cancellable context.
func (s *Set) Start(ctx context.Context, liveness, readiness *Prober) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if liveness != nil {
		go liveness.Run(runCtx)
	}
	if readiness != nil {
		go readiness.Run(runCtx)
	}
}

// Stop cancels both probers, if running.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
