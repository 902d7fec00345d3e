package models

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. The API boundary maps each kind to an HTTP status;
// everything below the boundary wraps one of these.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnprocessableStatus = errors.New("unprocessable status")
	ErrTooManyRequests     = errors.New("too many requests")
	ErrStorageFault        = errors.New("storage fault")
)

// ErrNoProjectSelected is a first-class bad request: the caller omitted
// project scope on a project-scoped operation.
var ErrNoProjectSelected = fmt.Errorf("%w: no project selected", ErrBadRequest)

// AlreadyHoldsTaskError is returned when an agent tries to acquire a second
// task while still holding one.
type AlreadyHoldsTaskError struct {
	AgentID       string
	CurrentTaskID string
}

func (e *AlreadyHoldsTaskError) Error() string {
	return fmt.Sprintf("agent %s already holds task %s", e.AgentID, e.CurrentTaskID)
}

func (e *AlreadyHoldsTaskError) Is(target error) bool { return target == ErrConflict }

// NotLockOwnerError is returned when an actor writes to a task locked by
// someone else without override authority.
type NotLockOwnerError struct {
	TaskID   string
	LockedBy string
	Actor    string
}

func (e *NotLockOwnerError) Error() string {
	return fmt.Sprintf("task %s is locked by %s, not %s", e.TaskID, e.LockedBy, e.Actor)
}

func (e *NotLockOwnerError) Is(target error) bool { return target == ErrConflict }

// IllegalTransitionError is returned for a status move outside the
// transition table.
type IllegalTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrUnprocessableStatus }

// NotFoundError carries the entity and id that failed to resolve in scope.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ErrorKind returns the wire-level kind name for err, used in API error bodies.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrUnprocessableStatus):
		return "UnprocessableStatus"
	case errors.Is(err, ErrTooManyRequests):
		return "TooManyRequests"
	default:
		return "StorageFault"
	}
}
