package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusUpdateBecomesFailingAtThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1}
	s := NewStatus()

	for i := 0; i < 2; i++ {
		becameFailing, _ := s.Update(Result{Healthy: false}, cfg)
		assert.False(t, becameFailing, "must not trip before the threshold")
	}
	becameFailing, becamePassing := s.Update(Result{Healthy: false}, cfg)
	assert.True(t, becameFailing)
	assert.False(t, becamePassing)
	assert.True(t, s.Failing)
}

func TestStatusUpdateIsEdgeTriggeredNotLevel(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1}
	s := NewStatus()

	first, _ := s.Update(Result{Healthy: false}, cfg)
	assert.True(t, first)

	second, _ := s.Update(Result{Healthy: false}, cfg)
	assert.False(t, second, "already-failing status must not re-fire on a repeat failure")
}

func TestStatusUpdateBecomesPassingAtThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2}
	s := NewStatus()
	s.Update(Result{Healthy: false}, cfg)

	_, becamePassing := s.Update(Result{Healthy: true}, cfg)
	assert.False(t, becamePassing, "must not recover before SuccessThreshold consecutive successes")

	_, becamePassing = s.Update(Result{Healthy: true}, cfg)
	assert.True(t, becamePassing)
	assert.False(t, s.Failing)
}

func TestStatusUpdateResetsOppositeCounterOnEachResult(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 3}
	s := NewStatus()
	s.Update(Result{Healthy: false}, cfg)
	s.Update(Result{Healthy: false}, cfg)
	s.Update(Result{Healthy: true}, cfg)
	assert.Equal(t, 0, s.ConsecutiveFailures, "a success must reset the failure streak")
	assert.Equal(t, 1, s.ConsecutiveSuccesses)
}

func TestInStartPeriod(t *testing.T) {
	s := &Status{StartedAt: time.Now()}
	assert.True(t, s.InStartPeriod(Config{StartPeriod: time.Minute}))
	assert.False(t, s.InStartPeriod(Config{StartPeriod: 0}))

	s.StartedAt = time.Now().Add(-2 * time.Minute)
	assert.False(t, s.InStartPeriod(Config{StartPeriod: time.Minute}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 1, cfg.SuccessThreshold)
}
