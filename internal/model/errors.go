package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrPolicyViolation is returned when a command matches the deny-list.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrConfirmationRequired is returned when a destructive unit of work has no valid confirmation token.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrCapabilityDenied is returned when an agent acts outside its capability set.
	ErrCapabilityDenied = errors.New("capability denied")
	// ErrInvalidTransition is returned when a state machine operation is not legal in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCyclicDependency is returned when a dependency edit would introduce a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrTimedOut is returned when a unit of work exceeded its timeout.
	ErrTimedOut = errors.New("timed out")
	// ErrBackendUnavailable is returned when the model backend can't serve a request.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrPersistence is returned when the ledger or store could not persist a record.
	ErrPersistence = errors.New("persistence error")
)

// TransitionError carries the context of a rejected state transition.
type TransitionError struct {
	Entity    EntityKind
	ID        string
	From      string
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s can't %s from %q", ErrInvalidTransition, e.Entity, e.ID, e.Attempted, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CycleError is returned when adding TaskID -> DependsOn would close a cycle.
type CycleError struct {
	TaskID    string
	DependsOn string
	// Path is the existing chain from DependsOn back to TaskID.
	Path []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%s: task %s can't depend on %s", ErrCyclicDependency, e.TaskID, e.DependsOn)
	if len(e.Path) > 0 {
		msg += " (" + strings.Join(e.Path, " -> ") + ")"
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// CapabilityError is returned when an agent action needs a capability the agent lacks.
type CapabilityError struct {
	AgentID    string
	Action     ActionKind
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: agent %s lacks %q for %s action", ErrCapabilityDenied, e.AgentID, e.Capability, e.Action)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: could not %s: %s", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }
