package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/ploinky/ploinky/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRestarter struct{ calls int }

func (r *noopRestarter) Restart(ctx context.Context, rec *registry.Record) error {
	r.calls++
	return nil
}

func newTestMonitor() (*Monitor, *noopRestarter) {
	restarter := &noopRestarter{}
	m := New(nil, nil, restarter)
	return m, restarter
}

func TestReconcileRecordTripsCircuitBreakerAfterMaxRestarts(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "ploinky_test_agent_proj_abcd1234"}

	now := time.Now().UnixMilli()
	for i := 0; i < MaxRestartsInWindow; i++ {
		rec.Restart.RestartHistory = append(rec.Restart.RestartHistory, now)
	}

	mutated := m.reconcileRecord(context.Background(), rec, StateMissing)
	require.True(t, mutated)
	assert.True(t, rec.Restart.CircuitBroken, "6th failed start within the window must trip the breaker")
	assert.Equal(t, "failed", rec.Status)
}

func TestReconcileRecordDoesNotScheduleAfterCircuitBroken(t *testing.T) {
	m, restarter := newTestMonitor()
	rec := &registry.Record{ContainerName: "c1"}
	rec.Restart.CircuitBroken = true

	mutated := m.reconcileRecord(context.Background(), rec, StateMissing)
	assert.False(t, mutated, "a tripped breaker must not schedule further restarts")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, restarter.calls)
}

func TestReconcileRecordBacksOffExponentially(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "c2"}

	m.reconcileRecord(context.Background(), rec, StateMissing)
	assert.Equal(t, InitialBackoffMS*BackoffMultiplier, rec.Restart.CurrentBackoffMS)

	// Clear the pending-restart transition so a second tick is accepted
	// (the real flow clears it once the scheduled restart fires).
	m.setTransition(rec.ContainerName, transIdle)
	m.reconcileRecord(context.Background(), rec, StateMissing)
	assert.Equal(t, InitialBackoffMS*BackoffMultiplier*BackoffMultiplier, rec.Restart.CurrentBackoffMS)
}

func TestReconcileRecordBackoffCappedAtMax(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "c3"}
	rec.Restart.CurrentBackoffMS = MaxBackoffMS

	m.reconcileRecord(context.Background(), rec, StateMissing)
	assert.LessOrEqual(t, rec.Restart.CurrentBackoffMS, MaxBackoffMS)
}

func TestReconcileRecordRunningResetsBackoffAfterStableThreshold(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "c4"}
	rec.Restart.CurrentBackoffMS = 8000
	rec.Restart.CircuitBroken = true
	rec.Restart.LastSeenRunningAt = time.Now().Add(-2 * time.Minute)

	mutated := m.reconcileRecord(context.Background(), rec, StateRunning)
	require.True(t, mutated)
	assert.Equal(t, InitialBackoffMS, rec.Restart.CurrentBackoffMS)
	assert.False(t, rec.Restart.CircuitBroken)
}

func TestReconcileRecordRunningDoesNotResetBeforeStableThreshold(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "c5"}
	rec.Restart.CurrentBackoffMS = 8000
	rec.Restart.LastSeenRunningAt = time.Now().Add(-5 * time.Second)

	m.reconcileRecord(context.Background(), rec, StateRunning)
	assert.Equal(t, 8000, rec.Restart.CurrentBackoffMS, "backoff must not reset before 60s of stable running")
}

func TestReconcileRecordPendingRestartIsSingleWriter(t *testing.T) {
	m, _ := newTestMonitor()
	rec := &registry.Record{ContainerName: "c6"}

	first := m.reconcileRecord(context.Background(), rec, StateMissing)
	require.True(t, first)
	historyLen := len(rec.Restart.RestartHistory)

	// A second tick while still "pendingRestart" must be a no-op: exactly
	// one restart attempt is in flight per container at a time (spec §5).
	second := m.reconcileRecord(context.Background(), rec, StateMissing)
	assert.False(t, second)
	assert.Equal(t, historyLen, len(rec.Restart.RestartHistory))
}
