package domain

import "fmt"

// TransitionError reports a status change outside the legal set for an entity.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
	}
	return fmt.Sprintf("invalid %s status transition %s -> %s (id %s)", e.Entity, e.From, e.To, e.ID)
}

type transitions[S ~string] struct {
	entity string
	legal  map[S][]S
	valid  []S
}

func (t transitions[S]) Valid(s S) bool {
	for _, v := range t.valid {
		if v == s {
			return true
		}
	}
	return false
}

// Ensure returns nil for a legal move or a same-status no-op.
func (t transitions[S]) Ensure(id string, from, to S) error {
	if from == to && t.Valid(to) {
		return nil
	}
	for _, next := range t.legal[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{Entity: t.entity, ID: id, From: string(from), To: string(to)}
}

var TaskTransitions = transitions[TaskStatus]{
	entity: "task",
	legal: map[TaskStatus][]TaskStatus{
		TaskTodo:       {TaskInProgress},
		TaskInProgress: {TaskDone, TaskBlocked},
		TaskBlocked:    {TaskInProgress},
	},
	valid: []TaskStatus{TaskTodo, TaskInProgress, TaskDone, TaskBlocked},
}

var HardwareTransitions = transitions[HardwareStatus]{
	entity: "hardware request",
	legal: map[HardwareStatus][]HardwareStatus{
		HardwareOpen:     {HardwareDetected, HardwareFailed},
		HardwareDetected: {HardwareVerified, HardwareOpen, HardwareFailed},
	},
	valid: []HardwareStatus{HardwareOpen, HardwareDetected, HardwareVerified, HardwareFailed},
}

// WorkerHardwareTransitions is the subset a worker may propose. Detection,
// verification and the fallback to OPEN come only from machine evidence.
var WorkerHardwareTransitions = transitions[HardwareStatus]{
	entity: "hardware request",
	legal: map[HardwareStatus][]HardwareStatus{
		HardwareOpen:     {HardwareFailed},
		HardwareDetected: {HardwareFailed},
	},
	valid: HardwareTransitions.valid,
}

var IncidentTransitions = transitions[IncidentStatus]{
	entity: "incident",
	legal: map[IncidentStatus][]IncidentStatus{
		IncidentOpen:       {IncidentInProgress, IncidentBlocked, IncidentResolved},
		IncidentInProgress: {IncidentOpen, IncidentBlocked, IncidentResolved},
		IncidentBlocked:    {IncidentOpen, IncidentInProgress, IncidentResolved},
	},
	valid: []IncidentStatus{IncidentOpen, IncidentInProgress, IncidentBlocked, IncidentResolved},
}
