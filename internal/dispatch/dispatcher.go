// Package dispatch selects the next task for a requesting agent, enforces
// the exclusive task lock, and parks long polls until work appears.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/signal"
	"github.com/buildcrew/foreman/internal/store"
)

const (
	// maxLockAttempts bounds selection restarts when a chosen task is
	// snatched between selection and lock. Beyond this the caller waits.
	maxLockAttempts = 5

	// DefaultWaitTimeout is the long-poll deadline when not configured.
	DefaultWaitTimeout = 180 * time.Second

	// DefaultMaxWaiters caps parked long polls per project.
	DefaultMaxWaiters = 128
)

// Dispatcher hands out tasks under role/skill/availability rules.
type Dispatcher struct {
	store       *store.Store
	hub         *signal.Hub
	waitTimeout time.Duration
	maxWaiters  int
	metrics     *metrics.Metrics
}

// New creates a dispatcher. waitTimeout <= 0 selects the default.
func New(st *store.Store, hub *signal.Hub, waitTimeout time.Duration, maxWaiters int) *Dispatcher {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if maxWaiters <= 0 {
		maxWaiters = DefaultMaxWaiters
	}
	return &Dispatcher{
		store:       st,
		hub:         hub,
		waitTimeout: waitTimeout,
		maxWaiters:  maxWaiters,
		metrics:     metrics.NewMetrics(),
	}
}

// Request identifies the polling agent and its scope.
type Request struct {
	ProjectID string
	AgentID   string
	Role      models.Role
	Level     models.Level
	Wait      bool
}

// Next returns the best available task for the request, locking it and
// starting work in the same transaction. With Wait set and no candidates,
// the call parks until a task becomes eligible or the deadline elapses; the
// deadline returns the synthetic waiting task, never an error.
func (d *Dispatcher) Next(ctx context.Context, req Request) (*models.Task, error) {
	if req.ProjectID == "" {
		return nil, models.ErrNoProjectSelected
	}
	if !req.Role.Valid() {
		return nil, models.ErrBadRequest
	}
	if !req.Level.Valid() {
		return nil, models.ErrBadRequest
	}

	task, err := d.TryAcquire(ctx, req)
	if err != nil || task != nil {
		return task, err
	}
	if !req.Wait {
		return nil, &models.NotFoundError{Entity: "task", ID: "next"}
	}
	return d.waitForTask(ctx, req)
}

// TryAcquire runs one selection + lock pass. Returns (nil, nil) when no
// candidate matched or the race budget was exhausted.
func (d *Dispatcher) TryAcquire(ctx context.Context, req Request) (*models.Task, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		task, retry, err := d.acquireOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if !retry {
			return nil, nil
		}
		d.metrics.DispatchRaces.WithLabelValues(req.ProjectID).Inc()
		log.Printf("[Dispatcher] selection race on project %s, attempt %d", req.ProjectID, attempt+1)
	}
	return nil, nil
}

// acquireOnce performs the atomic lock protocol in one transaction:
// select candidate, re-verify under row lock, lock the agent row, verify
// the single-active-task invariant, lock + start the task.
func (d *Dispatcher) acquireOnce(ctx context.Context, req Request) (task *models.Task, retry bool, err error) {
	err = d.store.Transact(ctx, func(tx *sql.Tx) error {
		id, err := d.store.SelectNextCandidateTx(ctx, tx, req.ProjectID, req.Role, req.Level)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}

		t, err := d.store.GetTaskForUpdate(ctx, tx, req.ProjectID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				retry = true
				return nil
			}
			return err
		}
		// Re-verify under the row lock; a concurrent locker may have won.
		if t.LockedBy != "" || !dispatchable(t.Status) {
			retry = true
			return nil
		}

		agent, err := d.store.GetAgentForUpdate(ctx, tx, req.ProjectID, req.AgentID)
		if err != nil {
			return err
		}
		if agent.CurrentTaskID != "" {
			return &models.AlreadyHoldsTaskError{AgentID: req.AgentID, CurrentTaskID: agent.CurrentTaskID}
		}
		// The same handle may be registered in other projects; one held
		// task is the limit across all of them.
		held, err := d.store.AgentHeldTaskTx(ctx, tx, req.AgentID)
		if err != nil {
			return err
		}
		if held != "" {
			return &models.AlreadyHoldsTaskError{AgentID: req.AgentID, CurrentTaskID: held}
		}

		if err := d.store.LockTaskTx(ctx, tx, t, req.AgentID); err != nil {
			return err
		}
		if err := d.store.SetTaskStatusTx(ctx, tx, t, startTarget(t.Status), req.AgentID, ""); err != nil {
			return err
		}
		if err := d.store.SetAgentCurrentTaskTx(ctx, tx, req.ProjectID, req.AgentID, t.ID); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, retry, nil
}

// dispatchable mirrors SelectNextCandidateTx's status condition.
func dispatchable(s models.TaskStatus) bool {
	return s == models.StatusApproved || s == models.StatusDevDone
}

// startTarget maps a dispatchable status to its in-progress state.
func startTarget(s models.TaskStatus) models.TaskStatus {
	if s == models.StatusDevDone {
		return models.StatusTesting
	}
	return models.StatusUnderWork
}

// waitForTask parks the request on the project broadcast until a candidate
// appears, the requester obtains a task elsewhere, the deadline elapses, or
// the client goes away.
func (d *Dispatcher) waitForTask(ctx context.Context, req Request) (*models.Task, error) {
	if !d.hub.TryAcquire(req.ProjectID, d.maxWaiters) {
		log.Printf("[Dispatcher] waiter capacity reached on project %s, shedding", req.ProjectID)
		d.metrics.LongPollShed.WithLabelValues(req.ProjectID).Inc()
		return models.WaitingTask(), nil
	}
	defer d.hub.Release(req.ProjectID)

	d.metrics.LongPollWaiters.WithLabelValues(req.ProjectID).Inc()
	defer d.metrics.LongPollWaiters.WithLabelValues(req.ProjectID).Dec()

	deadline := time.NewTimer(d.waitTimeout)
	defer deadline.Stop()

	for {
		// Subscribe first, then re-check, so an eligible task published
		// between the two is never missed.
		wake := d.hub.Wait(req.ProjectID)

		task, err := d.TryAcquire(ctx, req)
		if err != nil {
			var holds *models.AlreadyHoldsTaskError
			if errors.As(err, &holds) {
				// The requester got a task through another path; this wait
				// is obsolete.
				return nil, err
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-wake:
			// Re-check; wakeups are spurious-tolerant.
		case <-deadline.C:
			return models.WaitingTask(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitTimeout exposes the configured deadline (the change feed shares it).
func (d *Dispatcher) WaitTimeout() time.Duration {
	return d.waitTimeout
}
