// Package monitor implements the container monitor (C9): periodic
// reconciliation of agent records against observed container state, with
// exponential backoff and a per-container circuit breaker.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ploinky/ploinky/pkg/metrics"
	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/ploinky/ploinky/pkg/plog"
	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/ploinky/ploinky/pkg/runtime"
	"github.com/robfig/cron/v3"
)

// Backoff constants from spec §4.9.
const (
	InitialBackoffMS   = 1000
	MaxBackoffMS       = 30000
	BackoffMultiplier  = 2
	RestartWindowMS    = 60000
	MaxRestartsInWindow = 5
	stableRunThreshold  = 60 * time.Second
)

// ObservedState is the classification C4's ps/inspect produces for one
// container.
type ObservedState string

const (
	StateRunning ObservedState = "running"
	StateMissing ObservedState = "missing"
	StateExited  ObservedState = "exited"
)

// transition is a record's single-writer restart state machine (spec §5):
// a record is "idle", "pendingRestart" (timer set), or "restarting".
type transition string

const (
	transIdle           transition = "idle"
	transPendingRestart transition = "pendingRestart"
	transRestarting     transition = "restarting"
)

// Restarter recreates/starts a container for a record (delegates to C7).
type Restarter interface {
	Restart(ctx context.Context, rec *registry.Record) error
}

// Monitor runs the fixed-tick reconciliation loop in the router process.
type Monitor struct {
	Runtime    runtime.Adapter
	Registry   *registry.Registry
	Restarter  Restarter
	TickPeriod time.Duration // default 5s per spec §4.9

	mu          sync.Mutex
	transitions map[string]transition // containerName -> transition
	timers      map[string]*time.Timer

	cron   *cron.Cron
	entryID cron.EntryID
}

// New builds a Monitor. TickPeriod defaults to 5s when zero.
func New(rt runtime.Adapter, reg *registry.Registry, restarter Restarter) *Monitor {
	return &Monitor{
		Runtime:     rt,
		Registry:    reg,
		Restarter:   restarter,
		TickPeriod:  5 * time.Second,
		transitions: map[string]transition{},
		timers:      map[string]*time.Timer{},
	}
}

// Start begins ticking. robfig/cron drives the fixed interval (a "@every"
// schedule); the one-shot restart-delay timers it schedules internally stay
// on time.AfterFunc, since a cron schedule cannot express "fire once after a
// computed backoff."
func (m *Monitor) Start(ctx context.Context) error {
	period := m.TickPeriod
	if period == 0 {
		period = 5 * time.Second
	}

	c := cron.New(cron.WithSeconds())
	spec := "@every " + period.String()
	id, err := c.AddFunc(spec, func() {
		if err := m.tick(ctx); err != nil {
			plog.Errf(err, "monitor tick failed")
		}
	})
	if err != nil {
		return perr.Wrap(perr.Internal, err, "schedule monitor tick")
	}
	m.cron = c
	m.entryID = id
	c.Start()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the ticker and any pending restart timers.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
}

func (m *Monitor) tick(ctx context.Context) error {
	records, _, err := m.Registry.Load()
	if err != nil {
		return err
	}

	names, err := m.Runtime.PS(ctx)
	if err != nil {
		return err
	}
	running := make(map[string]bool, len(names))
	for _, n := range names {
		running[n] = true
	}

	changed := false
	for _, rec := range records {
		observed := StateMissing
		if running[rec.ContainerName] {
			observed = StateRunning
		} else if rec.Status != "" {
			observed = StateExited
		}
		if m.reconcileRecord(ctx, rec, observed) {
			changed = true
		}
	}

	if changed {
		_, cfg, _ := m.Registry.Load()
		return m.Registry.Save(records, cfg)
	}
	return nil
}

// reconcileRecord applies spec §4.9's state machine to one record. Returns
// true if rec was mutated and needs persisting.
func (m *Monitor) reconcileRecord(ctx context.Context, rec *registry.Record, observed ObservedState) bool {
	if observed == StateRunning {
		firstSeen := rec.Restart.LastSeenRunningAt
		mutated := firstSeen.IsZero()
		if firstSeen.IsZero() {
			firstSeen = time.Now()
			rec.Restart.LastSeenRunningAt = firstSeen
		}
		if time.Since(firstSeen) >= stableRunThreshold &&
			(rec.Restart.CurrentBackoffMS != InitialBackoffMS || rec.Restart.CircuitBroken) {
			rec.Restart.CurrentBackoffMS = InitialBackoffMS
			rec.Restart.CircuitBroken = false
			mutated = true
		}
		m.setTransition(rec.ContainerName, transIdle)
		return mutated
	}

	rec.Restart.LastSeenRunningAt = time.Time{}

	if rec.Restart.CircuitBroken {
		return false
	}

	m.mu.Lock()
	current := m.transitions[rec.ContainerName]
	m.mu.Unlock()
	if current == transPendingRestart || current == transRestarting {
		return false
	}

	now := time.Now().UnixMilli()
	trimmed := make([]int64, 0, len(rec.Restart.RestartHistory))
	for _, ts := range rec.Restart.RestartHistory {
		if now-ts <= RestartWindowMS {
			trimmed = append(trimmed, ts)
		}
	}
	rec.Restart.RestartHistory = trimmed

	if len(rec.Restart.RestartHistory) >= MaxRestartsInWindow {
		rec.Restart.CircuitBroken = true
		rec.Status = "failed"
		metrics.CircuitBreaksTotal.WithLabelValues(rec.AgentName).Inc()
		plog.Logger.Error().Str("container", rec.ContainerName).Msg("container_circuit_breaker_tripped")
		return true
	}

	backoff := rec.Restart.CurrentBackoffMS
	if backoff == 0 {
		backoff = InitialBackoffMS
	}
	if backoff > MaxBackoffMS {
		backoff = MaxBackoffMS
	}
	rec.Restart.RestartHistory = append(rec.Restart.RestartHistory, now)
	nextBackoff := backoff * BackoffMultiplier
	if nextBackoff > MaxBackoffMS {
		nextBackoff = MaxBackoffMS
	}
	rec.Restart.CurrentBackoffMS = nextBackoff

	m.setTransition(rec.ContainerName, transPendingRestart)
	m.scheduleRestart(ctx, rec, time.Duration(backoff)*time.Millisecond)
	return true
}

func (m *Monitor) scheduleRestart(ctx context.Context, rec *registry.Record, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[rec.ContainerName]; ok {
		t.Stop()
	}
	m.timers[rec.ContainerName] = time.AfterFunc(delay, func() {
		m.setTransition(rec.ContainerName, transRestarting)
		metrics.RestartsTotal.WithLabelValues(rec.AgentName).Inc()
		if err := m.Restarter.Restart(ctx, rec); err != nil {
			plog.Errf(err, "restart failed for "+rec.ContainerName)
		}
		m.setTransition(rec.ContainerName, transIdle)
	})
}

func (m *Monitor) setTransition(name string, t transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[name] = t
}
