// Package domain provides scheduling entities, their state machines and domain level errors.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleRejected is returned when a graph mutation would introduce a cycle
	ErrCycleRejected = errors.New("cycle rejected")
	// ErrInvalidTransition is returned when a task status change violates the state machine
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoFeasibleNode is recorded when no node can host a task right now
	ErrNoFeasibleNode = errors.New("no feasible node")
	// ErrCapacityInvariant signals a ledger mutation that would oversubscribe or double-book a node
	ErrCapacityInvariant = errors.New("capacity invariant violation")
	// ErrInvalidNodeTransition is returned when a node status change violates the node state machine
	ErrInvalidNodeTransition = errors.New("invalid node transition")

	ErrTaskNotFound   = errors.New("task not found")
	ErrNodeNotFound   = errors.New("node not found")
	ErrDuplicateTask  = errors.New("duplicate task")
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrInvalidRequest = errors.New("invalid requirements")

	// ErrStaleReport is returned when a task outcome comes from a node the task no longer runs on
	ErrStaleReport = errors.New("stale task report")
)

// CycleError reports the edge that closed a cycle and the path it closed.
type CycleError struct {
	From int
	To   int
	Path []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s: edge %d -> %d closes cycle [%s]", ErrCycleRejected, e.From, e.To, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleRejected }

// TransitionError reports a rejected task status change.
type TransitionError struct {
	TaskID int
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: task %d %s -> %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CapacityError reports a ledger mutation rejected by the capacity invariant.
type CapacityError struct {
	NodeID int
	TaskID int
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: node %d task %d: %s", ErrCapacityInvariant, e.NodeID, e.TaskID, e.Reason)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityInvariant }

// InfeasibleError names the constraint that kept a task off a node.
type InfeasibleError struct {
	NodeID     int
	Constraint string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("%s: node %d: %s", ErrNoFeasibleNode, e.NodeID, e.Constraint)
}

func (e *InfeasibleError) Unwrap() error { return ErrNoFeasibleNode }
