// Package liveness derives agent and service health from heartbeat ages.
// Nothing here is persisted; statuses are computed at read time against the
// configured windows.
package liveness

import (
	"time"

	"github.com/buildcrew/foreman/internal/models"
)

// Default windows.
const (
	DefaultOnlineWindow  = 5 * time.Minute
	DefaultRecentWindow  = time.Hour
	DefaultServiceStale  = 90 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

// Evaluator buckets last-seen ages into liveness states.
type Evaluator struct {
	onlineWindow time.Duration
	recentWindow time.Duration
	serviceStale time.Duration
}

// NewEvaluator creates an evaluator; non-positive windows take the defaults.
func NewEvaluator(online, recent, stale time.Duration) *Evaluator {
	if online <= 0 {
		online = DefaultOnlineWindow
	}
	if recent <= 0 {
		recent = DefaultRecentWindow
	}
	if stale <= 0 {
		stale = DefaultServiceStale
	}
	return &Evaluator{onlineWindow: online, recentWindow: recent, serviceStale: stale}
}

// AgentLiveness buckets an agent's last_seen age.
func (e *Evaluator) AgentLiveness(lastSeen, now time.Time) models.AgentLiveness {
	age := now.Sub(lastSeen)
	switch {
	case age <= e.onlineWindow:
		return models.LivenessOnline
	case age <= e.recentWindow:
		return models.LivenessRecentlyActive
	default:
		return models.LivenessOffline
	}
}

// Decorate fills an agent's derived liveness and availability fields. A
// held task reads as working even when the holder has gone quiet; the lock
// is still theirs until released.
func (e *Evaluator) Decorate(a *models.Agent, now time.Time) {
	a.Liveness = e.AgentLiveness(a.LastSeen, now)
	switch {
	case a.CurrentTaskID != "":
		a.Availability = models.AvailabilityWorking
	case a.Liveness == models.LivenessOffline:
		a.Availability = models.AvailabilityOffline
	default:
		a.Availability = models.AvailabilityIdle
	}
}

// DecorateAll decorates a slice of agents in place.
func (e *Evaluator) DecorateAll(agents []*models.Agent, now time.Time) {
	for _, a := range agents {
		e.Decorate(a, now)
	}
}

// EffectiveServiceStatus is the status a reader should see: a service whose
// heartbeat has gone stale reads as down even if its persisted status says up.
func (e *Evaluator) EffectiveServiceStatus(svc *models.Service, now time.Time) models.ServiceStatus {
	if svc.Status == models.ServiceUp && now.Sub(svc.LastHeartbeat) > e.serviceStale {
		return models.ServiceDown
	}
	return svc.Status
}

// DecorateServices overwrites each service's status with its effective
// status for presentation.
func (e *Evaluator) DecorateServices(services []*models.Service, now time.Time) {
	for _, svc := range services {
		svc.Status = e.EffectiveServiceStatus(svc, now)
	}
}
