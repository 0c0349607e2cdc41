package health

import (
	"context"
	"sync"
	"time"

	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
)

// Supervisor keeps one health.Set running per agent record that declares
// liveness/readiness checks (spec §4.8), keyed by container name so the
// router can start/stop supervision alongside the container's own
// lifecycle.
type Supervisor struct {
	Runtime runtime.Adapter

	// OnLivenessFailing is invoked when a record's liveness probe crosses
	// into failing, signalling C9 to restart the container (spec §4.8).
	OnLivenessFailing func(containerName string)
	// OnReadinessChange is invoked whenever a record's readiness probe
	// crosses the failing/passing threshold, so the caller can persist
	// Record.Unhealthy (spec §4.8: "aggregator skips it").
	OnReadinessChange func(containerName string, unhealthy bool)

	mu   sync.Mutex
	sets map[string]*Set
}

// NewSupervisor builds a Supervisor bound to rt.
func NewSupervisor(rt runtime.Adapter) *Supervisor {
	return &Supervisor{Runtime: rt, sets: map[string]*Set{}}
}

// Ensure starts a Set for rec if it declares health checks and none is
// already running for its container name (idempotent).
func (s *Supervisor) Ensure(ctx context.Context, rec *registry.Record) {
	if rec.Health.Liveness == nil && rec.Health.Readiness == nil {
		return
	}

	s.mu.Lock()
	if _, running := s.sets[rec.ContainerName]; running {
		s.mu.Unlock()
		return
	}
	set := &Set{}
	s.sets[rec.ContainerName] = set
	s.mu.Unlock()

	name := rec.ContainerName
	var liveness, readiness *Prober
	if rec.Health.Liveness != nil {
		liveness = s.buildProber(name, KindLiveness, rec.Health.Liveness, func(failing bool) {
			if failing && s.OnLivenessFailing != nil {
				s.OnLivenessFailing(name)
			}
		})
	}
	if rec.Health.Readiness != nil {
		readiness = s.buildProber(name, KindReadiness, rec.Health.Readiness, func(failing bool) {
			if s.OnReadinessChange != nil {
				s.OnReadinessChange(name, failing)
			}
		})
	}
	set.Start(ctx, liveness, readiness)
}

func (s *Supervisor) buildProber(containerName string, kind ProbeKind, spec *registry.ProbeSpec, onTransition func(failing bool)) *Prober {
	cfg := DefaultConfig()
	if spec.IntervalSeconds > 0 {
		cfg.Interval = time.Duration(spec.IntervalSeconds) * time.Second
	}
	if spec.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	if spec.FailureThreshold > 0 {
		cfg.FailureThreshold = spec.FailureThreshold
	}
	if spec.SuccessThreshold > 0 {
		cfg.SuccessThreshold = spec.SuccessThreshold
	}

	checker := NewExecChecker(s.Runtime, containerName, spec.Script)
	checker.Timeout = cfg.Timeout

	return &Prober{
		Kind:      kind,
		Checker:   checker,
		Config:    cfg,
		Status:    NewStatus(),
		OnFailing: func() { onTransition(true) },
		OnPassing: func() { onTransition(false) },
	}
}

// Stop cancels the Set running for containerName, if any.
func (s *Supervisor) Stop(containerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[containerName]; ok {
		set.Stop()
		delete(s.sets, containerName)
	}
}

// StopAll cancels every running Set, used on graceful shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, set := range s.sets {
		set.Stop()
		delete(s.sets, name)
	}
}
