// Package lifecycle validates task status transitions, maintains the
// lock/status coherence invariants, and wakes dispatch waiters when a move
// makes a task eligible again.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/signal"
	"github.com/buildcrew/foreman/internal/store"
)

// Engine applies status transitions.
type Engine struct {
	store *store.Store
	hub   *signal.Hub
}

// New creates a lifecycle engine.
func New(st *store.Store, hub *signal.Hub) *Engine {
	return &Engine{store: st, hub: hub}
}

// SetStatus moves a task to target on behalf of actor.
//
// Architects and PMs may force any pair (logged as an override); everyone
// else is held to the transition table and its role authority. Transitions
// leaving {under_work, testing} release the lock and clear the holder's
// current task. Setting the current status again is an idempotent no-op.
func (e *Engine) SetStatus(ctx context.Context, projectID, taskID, actorID string, target models.TaskStatus, note string) (*models.Task, error) {
	if projectID == "" {
		return nil, models.ErrNoProjectSelected
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrBadRequest, target)
	}

	var out *models.Task
	err := e.store.Transact(ctx, func(tx *sql.Tx) error {
		actor, err := e.store.GetAgentForUpdate(ctx, tx, projectID, actorID)
		if err != nil {
			return err
		}
		t, err := e.store.GetTaskForUpdate(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}

		if t.Status == target && !models.LegalTransition(t.Status, target) {
			// Idempotent re-assert of the current status.
			out = t
			return nil
		}

		override := false
		switch {
		case models.LegalTransition(t.Status, target) && models.RoleMayTransition(actor.Role, t.Status, target):
			// normal path
		case models.LegalTransition(t.Status, target):
			return fmt.Errorf("%w: role %s may not move %s -> %s",
				models.ErrForbidden, actor.Role, t.Status, target)
		case models.MayOverride(actor.Role):
			override = true
		default:
			return &models.IllegalTransitionError{TaskID: t.ID, From: t.Status, To: target}
		}

		if models.TransitionRequiresNote(t.Status, target) && note == "" && !override {
			return fmt.Errorf("%w: transition %s -> %s requires a comment",
				models.ErrBadRequest, t.Status, target)
		}

		// A locked task only moves at the hands of its holder, except for
		// the override path.
		if t.LockedBy != "" && t.LockedBy != actorID && !override {
			return &models.NotLockOwnerError{TaskID: t.ID, LockedBy: t.LockedBy, Actor: actorID}
		}

		// Moving into a locked status requires holding the lock already
		// (acquired via dispatch or the explicit lock endpoint).
		if target.Locked() && t.LockedBy == "" {
			return fmt.Errorf("%w: task %s must be locked before moving to %s",
				models.ErrConflict, t.ID, target)
		}

		logNote := note
		if override {
			logNote = overrideNote(note)
		}

		if t.Status.Locked() && !target.Locked() {
			holder := t.LockedBy
			if err := e.store.UnlockTaskTx(ctx, tx, t, target, actorID, logNote); err != nil {
				return err
			}
			if holder != "" {
				if err := e.store.SetAgentCurrentTaskTx(ctx, tx, projectID, holder, ""); err != nil {
					return err
				}
			}
		} else {
			if err := e.store.SetTaskStatusTx(ctx, tx, t, target, actorID, logNote); err != nil {
				return err
			}
		}

		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if models.ReEligibleAfter(out.Status) {
		e.hub.Publish(projectID)
	}
	return out, nil
}

func overrideNote(note string) string {
	if note == "" {
		return "override"
	}
	return "override: " + note
}

// Evaluate approves or rejects a created task. Rejection keeps the task in
// created and requires a reason, which lands both in the changelog note and
// as a task comment.
func (e *Engine) Evaluate(ctx context.Context, projectID, taskID, actorID string, approve bool, note string) (*models.Task, error) {
	if projectID == "" {
		return nil, models.ErrNoProjectSelected
	}
	if !approve && note == "" {
		return nil, fmt.Errorf("%w: rejection requires a comment", models.ErrBadRequest)
	}

	var out *models.Task
	err := e.store.Transact(ctx, func(tx *sql.Tx) error {
		actor, err := e.store.GetAgentForUpdate(ctx, tx, projectID, actorID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleArchitect && !actor.Role.IsPM() {
			return fmt.Errorf("%w: role %s may not evaluate tasks", models.ErrForbidden, actor.Role)
		}
		t, err := e.store.GetTaskForUpdate(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.StatusCreated {
			return &models.IllegalTransitionError{TaskID: t.ID, From: t.Status, To: models.StatusApproved}
		}

		target := models.StatusCreated
		if approve {
			target = models.StatusApproved
		}
		if err := e.store.SetTaskStatusTx(ctx, tx, t, target, actorID, note); err != nil {
			return err
		}
		if !approve {
			// The rejection reason must survive with the status write or
			// not at all.
			if err := e.store.InsertCommentTx(ctx, tx, &models.TaskComment{
				TaskID: t.ID,
				Author: actorID,
				Body:   note,
			}); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Status == models.StatusApproved {
		log.Printf("[Lifecycle] task %s approved in project %s, waking waiters", taskID, projectID)
		e.hub.Publish(projectID)
	}
	return out, nil
}

// Lock takes the exclusive lock without starting work (status unchanged).
// Used by clients that claim a specific task rather than polling next.
func (e *Engine) Lock(ctx context.Context, projectID, taskID, actorID string) (*models.Task, error) {
	if projectID == "" {
		return nil, models.ErrNoProjectSelected
	}

	var out *models.Task
	err := e.store.Transact(ctx, func(tx *sql.Tx) error {
		t, err := e.store.GetTaskForUpdate(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.LockedBy == actorID {
			out = t // already ours, idempotent
			return nil
		}
		if t.LockedBy != "" {
			return &models.NotLockOwnerError{TaskID: t.ID, LockedBy: t.LockedBy, Actor: actorID}
		}
		if t.Status != models.StatusApproved && t.Status != models.StatusDevDone {
			return fmt.Errorf("%w: task %s is not lockable in status %s",
				models.ErrUnprocessableStatus, t.ID, t.Status)
		}

		agent, err := e.store.GetAgentForUpdate(ctx, tx, projectID, actorID)
		if err != nil {
			return err
		}
		if agent.CurrentTaskID != "" {
			return &models.AlreadyHoldsTaskError{AgentID: actorID, CurrentTaskID: agent.CurrentTaskID}
		}
		// A handle registered in several projects still holds at most one
		// task overall.
		held, err := e.store.AgentHeldTaskTx(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if held != "" {
			return &models.AlreadyHoldsTaskError{AgentID: actorID, CurrentTaskID: held}
		}

		if err := e.store.LockTaskTx(ctx, tx, t, actorID); err != nil {
			return err
		}
		if err := e.store.SetAgentCurrentTaskTx(ctx, tx, projectID, actorID, t.ID); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Unlock releases a held task. The holder may always release; architects
// and PMs may force-release. An in-progress task falls back to its
// dispatchable source state.
func (e *Engine) Unlock(ctx context.Context, projectID, taskID, actorID, note string) (*models.Task, error) {
	if projectID == "" {
		return nil, models.ErrNoProjectSelected
	}

	var out *models.Task
	err := e.store.Transact(ctx, func(tx *sql.Tx) error {
		actor, err := e.store.GetAgentForUpdate(ctx, tx, projectID, actorID)
		if err != nil {
			return err
		}
		t, err := e.store.GetTaskForUpdate(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.LockedBy == "" {
			out = t // nothing held, idempotent
			return nil
		}
		if t.LockedBy != actorID && !models.MayOverride(actor.Role) {
			return &models.NotLockOwnerError{TaskID: t.ID, LockedBy: t.LockedBy, Actor: actorID}
		}

		holder := t.LockedBy
		back := t.Status
		switch t.Status {
		case models.StatusUnderWork:
			back = models.StatusApproved
		case models.StatusTesting:
			back = models.StatusDevDone
		}

		if back != t.Status {
			if err := e.store.UnlockTaskTx(ctx, tx, t, back, actorID, note); err != nil {
				return err
			}
		} else {
			if err := e.store.UnlockTaskTx(ctx, tx, t, t.Status, actorID, note); err != nil {
				return err
			}
		}
		if err := e.store.SetAgentCurrentTaskTx(ctx, tx, projectID, holder, ""); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if models.ReEligibleAfter(out.Status) {
		e.hub.Publish(projectID)
	}
	return out, nil
}
