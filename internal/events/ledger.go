package events

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

// Ledger is the view of the event log the control plane plans and reduces against.
type Ledger struct {
	applied     map[string]bool
	finished    map[string]bool
	pending     map[string]domain.Incident
	maxSeq      int
	lastApplied string
	lastStarted string
}

// BuildLedger folds events in log order.
func BuildLedger(evts []domain.Event) Ledger {
	l := Ledger{
		applied:  map[string]bool{},
		finished: map[string]bool{},
		pending:  map[string]domain.Incident{},
	}
	for _, evt := range evts {
		if seq, ok := domain.CycleSeq(evt.CycleID); ok && seq > l.maxSeq {
			l.maxSeq = seq
		}
		switch evt.Type {
		case domain.EventCycleStarted:
			l.lastStarted = evt.CycleID
		case domain.EventCycleApplied:
			l.applied[evt.CycleID] = true
			l.finished[evt.CycleID] = true
			l.lastApplied = evt.CycleID
			// The reduction that wrote this event folded every pending incident.
			l.pending = map[string]domain.Incident{}
		case domain.EventCycleAborted:
			l.finished[evt.CycleID] = true
		case domain.EventIncidentRecorded:
			if pending, _ := evt.Payload["pending"].(bool); !pending {
				continue
			}
			var inc domain.Incident
			if err := DecodePayload(evt.Payload["incident"], &inc); err == nil && inc.ID != "" {
				l.pending[inc.ID] = inc
			}
		}
	}
	return l
}

// IsApplied reports whether a reduction for cycleID was committed to the log.
func (l Ledger) IsApplied(cycleID string) bool {
	return l.applied[cycleID]
}

// NextSeq is the sequence the next cycle id must use.
func (l Ledger) NextSeq() int {
	return l.maxSeq + 1
}

// LastApplied is the id of the newest applied cycle, or "".
func (l Ledger) LastApplied() string {
	return l.lastApplied
}

// Interrupted returns the newest started cycle that never finished.
func (l Ledger) Interrupted() string {
	if l.lastStarted == "" || l.finished[l.lastStarted] {
		return ""
	}
	return l.lastStarted
}

// Pending returns incidents recorded by aborted or partial cycles that have
// not been folded into state yet, ordered by id.
func (l Ledger) Pending() []domain.Incident {
	out := make([]domain.Incident, 0, len(l.pending))
	for _, inc := range l.pending {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DecodePayload converts a generic payload value into out.
func DecodePayload(v any, out any) error {
	if v == nil {
		return fmt.Errorf("empty payload")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
