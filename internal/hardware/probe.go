package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/retry"
)

// Probe advances hardware requests from machine evidence only.
type Probe struct {
	Source      EvidenceSource
	Verifier    Verifier
	MaxAttempts int
	Retry       retry.Policy
}

// Outcome is the probe result for one cycle. It is carried in memory and
// persisted together with the cycle's reduction.
type Outcome struct {
	Requests  []domain.HardwareRequest `json:"requests"`
	Incidents []domain.Incident        `json:"incidents"`
	Events    []domain.Event           `json:"-"`
}

// Transitions counts status changes in the outcome.
func (o Outcome) Transitions() int {
	n := 0
	for _, e := range o.Events {
		if e.Type == domain.EventHardwareTransitioned {
			n++
		}
	}
	return n
}

// Run probes every non-terminal request of st. st is not modified.
func (p Probe) Run(ctx context.Context, st domain.DeviceState, cycleID string, now time.Time) Outcome {
	ts := now.UTC().Format(time.RFC3339)
	out := Outcome{Requests: make([]domain.HardwareRequest, 0, len(st.HardwareRequests))}
	for _, original := range st.HardwareRequests {
		req := original.Clone()
		if req.Terminal() {
			out.Requests = append(out.Requests, req)
			continue
		}
		inc, hasInc := st.OpenIncident(domain.IncidentProbeError, req.ID)
		if hasInc && !retry.Due(inc.NextRetryOn, now) {
			out.Requests = append(out.Requests, req)
			continue
		}
		report, verified, err := p.collect(ctx, req)
		if err != nil {
			out.Incidents = append(out.Incidents, p.probeFailed(inc, hasInc, req, cycleID, err, now))
			out.Events = append(out.Events, events.IncidentRecorded(ts, cycleID, out.Incidents[len(out.Incidents)-1], false))
			out.Requests = append(out.Requests, req)
			continue
		}
		if hasInc {
			inc.Status = domain.IncidentResolved
			inc.NextRetryOn = ""
			inc.UpdatedOn = ts
			out.Incidents = append(out.Incidents, inc)
			out.Events = append(out.Events, events.New(ts, cycleID, domain.EventIncidentTransitioned, map[string]any{
				"incident_id": inc.ID, "to": string(domain.IncidentResolved), "reason": "probe recovered",
			}))
		}
		next, reason := p.step(req, report, verified, ts)
		if next.Status != req.Status {
			if err := domain.HardwareTransitions.Ensure(req.ID, req.Status, next.Status); err != nil {
				// The step table only produces legal moves; keep the request as is otherwise.
				out.Requests = append(out.Requests, req)
				continue
			}
			out.Events = append(out.Events, events.New(ts, cycleID, domain.EventHardwareTransitioned, map[string]any{
				"request_id":   req.ID,
				"from":         string(req.Status),
				"to":           string(next.Status),
				"reason":       reason,
				"evidence_ref": next.EvidenceRef,
			}))
		}
		out.Requests = append(out.Requests, next)
	}
	return out
}

func (p Probe) collect(ctx context.Context, req domain.HardwareRequest) (EvidenceReport, bool, error) {
	if p.Source == nil {
		return EvidenceReport{}, false, fmt.Errorf("no evidence source configured")
	}
	report, err := p.Source.Collect(ctx, req)
	if err != nil {
		return EvidenceReport{}, false, err
	}
	// Only a detected part can be verified.
	if req.Status != domain.HardwareDetected {
		return report, false, nil
	}
	verifier := p.Verifier
	if verifier == nil {
		verifier = ReportVerifier{}
	}
	verified, err := verifier.Verify(req, report)
	if err != nil {
		return EvidenceReport{}, false, err
	}
	return report, verified, nil
}

// step applies one cycle of the request state machine.
func (p Probe) step(req domain.HardwareRequest, report EvidenceReport, verified bool, ts string) (domain.HardwareRequest, string) {
	switch req.Status {
	case domain.HardwareOpen:
		if report.Failed {
			req.Status = domain.HardwareFailed
			req.FailedOn = ts
			req.EvidenceRef = report.Ref
			return req, "failure evidence"
		}
		if report.Detected {
			req.Status = domain.HardwareDetected
			req.DetectedOn = ts
			req.EvidenceRef = report.Ref
			return req, "detection evidence"
		}
		req.Attempts++
		if budget := p.budget(req); budget > 0 && req.Attempts >= budget {
			req.Status = domain.HardwareFailed
			req.FailedOn = ts
			return req, fmt.Sprintf("attempt budget of %d exhausted", budget)
		}
		return req, ""
	case domain.HardwareDetected:
		// Verification outranks both disappearance and failure signals.
		if verified {
			req.Status = domain.HardwareVerified
			req.VerifiedOn = ts
			if report.Ref != "" {
				req.EvidenceRef = report.Ref
			}
			return req, "verification evidence"
		}
		if report.Failed {
			req.Status = domain.HardwareFailed
			req.FailedOn = ts
			return req, "failure evidence"
		}
		if !report.Detected {
			req.Status = domain.HardwareOpen
			req.DetectedOn = ""
			return req, "detection evidence disappeared"
		}
	}
	return req, ""
}

func (p Probe) budget(req domain.HardwareRequest) int {
	if req.MaxAttempts > 0 {
		return req.MaxAttempts
	}
	return p.MaxAttempts
}

func (p Probe) probeFailed(inc domain.Incident, exists bool, req domain.HardwareRequest, cycleID string, err error, now time.Time) domain.Incident {
	ts := now.UTC().Format(time.RFC3339)
	if !exists {
		inc = domain.Incident{
			ID:        domain.DeriveID("inc", "probe:"+req.ID+":"+cycleID),
			Kind:      domain.IncidentProbeError,
			Subject:   req.ID,
			Retryable: true,
			OpenedOn:  ts,
		}
	}
	inc.Status = domain.IncidentOpen
	inc.Summary = err.Error()
	inc.RetryCount++
	policy := p.Retry
	if policy.Validate() != nil {
		policy = retry.DefaultPolicy()
	}
	inc.NextRetryOn = policy.NextRetryOn(now, inc.RetryCount)
	inc.UpdatedOn = ts
	return inc
}

// Apply overlays an outcome onto st.
func (o Outcome) Apply(st *domain.DeviceState) {
	for _, hr := range o.Requests {
		st.UpsertHardware(hr)
	}
	for _, inc := range o.Incidents {
		st.UpsertIncident(inc)
	}
}
