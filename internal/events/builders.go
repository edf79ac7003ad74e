package events

import (
	"github.com/LucPettett/what-do-i-become/internal/domain"
)

func New(ts, cycleID, evtType string, payload map[string]any) domain.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Event{TS: ts, CycleID: cycleID, Type: evtType, Payload: payload}
}

// IncidentRecorded snapshots an incident. Pending incidents were raised
// outside a reduction and are folded into state by the next applied cycle.
func IncidentRecorded(ts, cycleID string, inc domain.Incident, pending bool) domain.Event {
	return New(ts, cycleID, domain.EventIncidentRecorded, map[string]any{
		"incident": inc,
		"pending":  pending,
	})
}

func CycleAborted(ts, cycleID, stage, reason string) domain.Event {
	return New(ts, cycleID, domain.EventCycleAborted, map[string]any{
		"stage":  stage,
		"reason": reason,
	})
}
