package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildcrew/foreman/internal/models"
)

func TestAgentLivenessBuckets(t *testing.T) {
	e := NewEvaluator(0, 0, 0)
	now := time.Now()

	cases := []struct {
		age  time.Duration
		want models.AgentLiveness
	}{
		{0, models.LivenessOnline},
		{4 * time.Minute, models.LivenessOnline},
		{5 * time.Minute, models.LivenessOnline},
		{6 * time.Minute, models.LivenessRecentlyActive},
		{time.Hour, models.LivenessRecentlyActive},
		{61 * time.Minute, models.LivenessOffline},
		{24 * time.Hour, models.LivenessOffline},
	}
	for _, tc := range cases {
		got := e.AgentLiveness(now.Add(-tc.age), now)
		assert.Equal(t, tc.want, got, "age %s", tc.age)
	}
}

func TestDecorateAvailability(t *testing.T) {
	e := NewEvaluator(0, 0, 0)
	now := time.Now()

	idle := &models.Agent{LastSeen: now}
	e.Decorate(idle, now)
	assert.Equal(t, models.AvailabilityIdle, idle.Availability)

	working := &models.Agent{LastSeen: now, CurrentTaskID: "task-1"}
	e.Decorate(working, now)
	assert.Equal(t, models.AvailabilityWorking, working.Availability)

	// A held task reads as working even when the holder has gone quiet;
	// the lock is still theirs until released.
	gone := &models.Agent{LastSeen: now.Add(-2 * time.Hour), CurrentTaskID: "task-1"}
	e.Decorate(gone, now)
	assert.Equal(t, models.AvailabilityWorking, gone.Availability)
	assert.Equal(t, models.LivenessOffline, gone.Liveness)

	// Without a task, staleness reports offline.
	idleGone := &models.Agent{LastSeen: now.Add(-2 * time.Hour)}
	e.Decorate(idleGone, now)
	assert.Equal(t, models.AvailabilityOffline, idleGone.Availability)
}

func TestEffectiveServiceStatus(t *testing.T) {
	e := NewEvaluator(0, 0, 90*time.Second)
	now := time.Now()

	fresh := &models.Service{Status: models.ServiceUp, LastHeartbeat: now.Add(-10 * time.Second)}
	assert.Equal(t, models.ServiceUp, e.EffectiveServiceStatus(fresh, now))

	// Persisted up with a stale heartbeat reads as down.
	stale := &models.Service{Status: models.ServiceUp, LastHeartbeat: now.Add(-2 * time.Minute)}
	assert.Equal(t, models.ServiceDown, e.EffectiveServiceStatus(stale, now))

	// Starting and down pass through regardless of age.
	starting := &models.Service{Status: models.ServiceStarting, LastHeartbeat: now.Add(-time.Hour)}
	assert.Equal(t, models.ServiceStarting, e.EffectiveServiceStatus(starting, now))
}

func TestCustomWindows(t *testing.T) {
	e := NewEvaluator(time.Minute, 10*time.Minute, 0)
	now := time.Now()

	assert.Equal(t, models.LivenessOnline, e.AgentLiveness(now.Add(-30*time.Second), now))
	assert.Equal(t, models.LivenessRecentlyActive, e.AgentLiveness(now.Add(-2*time.Minute), now))
	assert.Equal(t, models.LivenessOffline, e.AgentLiveness(now.Add(-11*time.Minute), now))
}
