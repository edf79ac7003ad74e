package reducer

import (
	"fmt"
	"strings"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
	"github.com/LucPettett/what-do-i-become/internal/retry"
)

// Days during which a device without a mission keeps its becoming unset.
const missionDiscoveryDays = 3

// TerminationSummary is recorded as last_summary when a device is terminated.
const TerminationSummary = "Received a human termination instruction and ended this run."

var internalBecomingMarkers = []string{
	"wdib",
	"control-plane",
	"control plane",
	"worker_result",
	"schema",
	"task machinery",
	"verified tasks",
	"runtime reliability",
	"autonomous loop",
}

// Input is everything a reduction depends on. The same Input always yields
// the same output.
type Input struct {
	Prior      domain.DeviceState
	Probe      hardware.Outcome
	Result     domain.WorkerResult
	Order      domain.WorkOrder
	Ledger     events.Ledger
	MissionRef string
	Terminate  bool
	Retry      retry.Policy
	Now        time.Time
}

// AppliedPayload is the payload of the cycle_applied event. It carries what
// recovery needs to repeat the reduction from the work order and result files.
type AppliedPayload struct {
	Day        int              `json:"day"`
	Now        string           `json:"now"`
	MissionRef string           `json:"mission_ref"`
	Terminate  bool             `json:"terminate"`
	Probe      hardware.Outcome `json:"probe"`
}

// TerminationResult is the synthetic worker result used when a human
// instruction ends the device's run.
func TerminationResult(order domain.WorkOrder, prior domain.DeviceState) domain.WorkerResult {
	return domain.WorkerResult{
		SchemaVersion:            domain.SchemaVersion,
		CycleID:                  order.CycleID,
		Status:                   domain.WorkerCompleted,
		ProposedTasks:            []domain.TaskProposal{},
		ProposedHardwareRequests: []domain.HardwareProposal{},
		ProposedIncidents:        []domain.IncidentProposal{},
		Artifacts:                []domain.ArtifactProposal{},
		Narrative:                domain.Narrative{Becoming: prior.Becoming, Summary: TerminationSummary},
	}
}

type reduction struct {
	in     Input
	st     domain.DeviceState
	ts     string
	cycle  string
	events []domain.Event
	errs   []error
}

// Reduce folds one cycle into the prior state. It returns the next state and
// the events describing the change, ending with cycle_applied. A rejected
// proposal fails the whole reduction with *contract.ContractViolation and
// nothing is applied.
func Reduce(in Input) (domain.DeviceState, []domain.Event, error) {
	ts := in.Now.UTC().Format(time.RFC3339)
	cycleID := in.Order.CycleID

	if in.Ledger.IsApplied(cycleID) {
		return in.Prior.Clone(), []domain.Event{
			events.New(ts, cycleID, domain.EventDuplicateCycleIgnored, map[string]any{"reason": "cycle already applied"}),
		}, nil
	}
	if in.Result.CycleID != cycleID {
		return in.Prior.Clone(), nil, &contract.ContractViolation{
			Schema: contract.WorkerResult,
			Violations: []contract.Violation{{
				Field:   "/cycle_id",
				Message: fmt.Sprintf("result is for cycle %q, work order is %q", in.Result.CycleID, cycleID),
			}},
		}
	}

	r := &reduction{in: in, st: in.Prior.Clone(), ts: ts, cycle: cycleID}
	r.events = append(r.events, in.Probe.Events...)

	r.foldPending()
	in.Probe.Apply(&r.st)
	r.promoteFocus()
	if !in.Terminate {
		r.applyTasks()
		r.applyHardware()
		r.applyIncidents()
	}
	if len(r.errs) > 0 {
		return in.Prior.Clone(), nil, contract.FromTransitions(r.errs)
	}
	r.appendArtifacts()
	r.recovered()
	r.workerFailure()
	r.narrative()
	r.finish()
	return r.st, r.events, nil
}

func (r *reduction) emit(evtType string, payload map[string]any) {
	r.events = append(r.events, events.New(r.ts, r.cycle, evtType, payload))
}

func (r *reduction) foldPending() {
	for _, inc := range r.in.Ledger.Pending() {
		r.st.UpsertIncident(inc)
	}
}

func (r *reduction) promoteFocus() {
	id := r.in.Order.FocusTaskID
	if id == "" {
		return
	}
	i := r.st.TaskIndex(id)
	if i < 0 || r.st.Tasks[i].Status != domain.TaskTodo {
		return
	}
	r.st.Tasks[i].Status = domain.TaskInProgress
	r.st.Tasks[i].UpdatedOn = r.ts
	r.emit(domain.EventTaskTransitioned, map[string]any{
		"task_id": id, "from": string(domain.TaskTodo), "to": string(domain.TaskInProgress), "reason": "focus task",
	})
}

func (r *reduction) applyTasks() {
	for n, p := range r.in.Result.ProposedTasks {
		id := p.ID
		if i := r.st.TaskIndex(id); id != "" && i >= 0 {
			task := &r.st.Tasks[i]
			if err := domain.TaskTransitions.Ensure(id, task.Status, p.Status); err != nil {
				r.errs = append(r.errs, err)
				continue
			}
			if task.Status != p.Status {
				r.emit(domain.EventTaskTransitioned, map[string]any{
					"task_id": id, "from": string(task.Status), "to": string(p.Status),
				})
				task.Status = p.Status
				task.UpdatedOn = r.ts
			}
			if p.Description != "" {
				task.Description = p.Description
			}
			continue
		}
		if id == "" {
			id = domain.DeriveID("task", fmt.Sprintf("%s:task:%d:%s", r.cycle, n, p.Title))
		}
		if p.Status != domain.TaskTodo && p.Status != domain.TaskInProgress && p.Status != domain.TaskBlocked {
			r.errs = append(r.errs, &domain.TransitionError{Entity: "task", ID: id, From: "NEW", To: string(p.Status)})
			continue
		}
		r.st.Tasks = append(r.st.Tasks, domain.Task{
			ID:          id,
			Title:       p.Title,
			Description: p.Description,
			Status:      p.Status,
			CreatedOn:   r.ts,
			UpdatedOn:   r.ts,
		})
		r.emit(domain.EventTaskCreated, map[string]any{"task_id": id, "title": p.Title, "status": string(p.Status)})
	}
}

func (r *reduction) applyHardware() {
	for n, p := range r.in.Result.ProposedHardwareRequests {
		id := p.ID
		if i := r.st.HardwareIndex(id); id != "" && i >= 0 {
			req := &r.st.HardwareRequests[i]
			if err := domain.WorkerHardwareTransitions.Ensure(id, req.Status, p.Status); err != nil {
				r.errs = append(r.errs, err)
				continue
			}
			if req.Status != p.Status {
				r.emit(domain.EventHardwareTransitioned, map[string]any{
					"request_id": id, "from": string(req.Status), "to": string(p.Status), "reason": "worker reported failure",
				})
				req.Status = p.Status
				req.FailedOn = r.ts
			}
			continue
		}
		if id == "" {
			id = domain.DeriveID("hw", fmt.Sprintf("%s:hw:%d:%s", r.cycle, n, p.PartName))
		}
		if p.Status != domain.HardwareOpen {
			r.errs = append(r.errs, &domain.TransitionError{Entity: "hardware request", ID: id, From: "NEW", To: string(p.Status)})
			continue
		}
		if p.VerifyExpr != "" {
			if err := hardware.CheckVerifyExpr(p.VerifyExpr); err != nil {
				r.errs = append(r.errs, &contract.FieldError{
					Field: fmt.Sprintf("/proposed_hardware_requests/%d/verify_expr", n),
					Err:   err,
				})
				continue
			}
		}
		req := domain.HardwareRequest{
			ID:          id,
			PartName:    p.PartName,
			Reason:      p.Reason,
			Status:      domain.HardwareOpen,
			RequestedOn: r.ts,
			VerifyExpr:  p.VerifyExpr,
			MaxAttempts: p.MaxAttempts,
		}
		if p.Detection != nil {
			d := *p.Detection
			req.Detection = &d
		}
		r.st.HardwareRequests = append(r.st.HardwareRequests, req)
		r.emit(domain.EventHardwareRequested, map[string]any{"request_id": id, "part_name": p.PartName})
	}
}

func (r *reduction) applyIncidents() {
	for n, p := range r.in.Result.ProposedIncidents {
		id := p.ID
		if i := r.st.IncidentIndex(id); id != "" && i >= 0 {
			inc := &r.st.Incidents[i]
			if err := domain.IncidentTransitions.Ensure(id, inc.Status, p.Status); err != nil {
				r.errs = append(r.errs, err)
				continue
			}
			if inc.Status != p.Status {
				r.emit(domain.EventIncidentTransitioned, map[string]any{
					"incident_id": id, "from": string(inc.Status), "to": string(p.Status),
				})
				inc.Status = p.Status
				inc.UpdatedOn = r.ts
				switch {
				case p.Status == domain.IncidentResolved:
					inc.NextRetryOn = ""
				case p.Status == domain.IncidentOpen && inc.Retryable:
					inc.RetryCount++
					inc.NextRetryOn = r.policy().NextRetryOn(r.in.Now, inc.RetryCount)
				}
			}
			if p.Summary != "" {
				inc.Summary = p.Summary
			}
			continue
		}
		if id == "" {
			id = domain.DeriveID("inc", fmt.Sprintf("%s:inc:%d:%s", r.cycle, n, p.Kind))
		}
		if !domain.IncidentTransitions.Valid(p.Status) || p.Status == domain.IncidentResolved {
			r.errs = append(r.errs, &domain.TransitionError{Entity: "incident", ID: id, From: "NEW", To: string(p.Status)})
			continue
		}
		kind := p.Kind
		if kind == "" {
			kind = "worker_reported"
		}
		inc := domain.Incident{
			ID:        id,
			Kind:      kind,
			Summary:   p.Summary,
			Status:    p.Status,
			Retryable: p.Retryable,
			OpenedOn:  r.ts,
			UpdatedOn: r.ts,
		}
		if inc.Retryable && inc.Status == domain.IncidentOpen {
			inc.NextRetryOn = r.policy().NextRetryOn(r.in.Now, 1)
		}
		r.st.Incidents = append(r.st.Incidents, inc)
		r.emit(domain.EventIncidentRecorded, map[string]any{"incident": inc, "pending": false})
	}
}

func (r *reduction) appendArtifacts() {
	for n, a := range r.in.Result.Artifacts {
		art := domain.Artifact{
			ID:          domain.DeriveID("art", fmt.Sprintf("%s:art:%d:%s", r.cycle, n, a.OutputRef)),
			CycleID:     r.cycle,
			Kind:        a.Kind,
			InputRefs:   append([]string{}, a.InputRefs...),
			OutputRef:   a.OutputRef,
			Confidence:  a.Confidence,
			ActionTaken: a.ActionTaken,
			CreatedOn:   r.ts,
		}
		r.st.Artifacts = append(r.st.Artifacts, art)
		r.emit(domain.EventArtifactAppended, map[string]any{"artifact_id": art.ID, "kind": art.Kind, "output_ref": art.OutputRef})
	}
}

// recovered resolves the cycle incidents of earlier aborted cycles once a
// cycle completes. Only incidents already present in the prior state are
// resolved; those folded in by this reduction stay open until they have been
// published once.
func (r *reduction) recovered() {
	if r.in.Terminate || r.in.Result.Status != domain.WorkerCompleted {
		return
	}
	published := map[string]bool{}
	for _, inc := range r.in.Prior.Incidents {
		if inc.Subject == domain.SubjectCycle && inc.Unresolved() {
			published[inc.ID] = true
		}
	}
	for i := range r.st.Incidents {
		inc := &r.st.Incidents[i]
		if !published[inc.ID] || !inc.Unresolved() {
			continue
		}
		r.emit(domain.EventIncidentTransitioned, map[string]any{
			"incident_id": inc.ID, "from": string(inc.Status), "to": string(domain.IncidentResolved), "reason": "cycle completed",
		})
		inc.Status = domain.IncidentResolved
		inc.NextRetryOn = ""
		inc.UpdatedOn = r.ts
	}
}

func (r *reduction) workerFailure() {
	if r.in.Result.Status != domain.WorkerFailed {
		return
	}
	inc, ok := r.st.OpenIncident(domain.IncidentWorkerFailure, domain.SubjectCycle)
	if !ok {
		inc = domain.Incident{
			ID:        domain.DeriveID("inc", r.cycle+":worker_failed"),
			Kind:      domain.IncidentWorkerFailure,
			Subject:   domain.SubjectCycle,
			Retryable: true,
			OpenedOn:  r.ts,
		}
	}
	inc.Status = domain.IncidentOpen
	inc.Summary = r.in.Result.Narrative.Summary
	inc.RetryCount++
	inc.NextRetryOn = r.policy().NextRetryOn(r.in.Now, inc.RetryCount)
	inc.UpdatedOn = r.ts
	r.st.UpsertIncident(inc)
	r.emit(domain.EventIncidentRecorded, map[string]any{"incident": inc, "pending": false})
}

func (r *reduction) narrative() {
	n := r.in.Result.Narrative
	if s := strings.TrimSpace(n.Summary); s != "" {
		r.st.LastSummary = s
	}
	candidate := strings.TrimSpace(n.Becoming)
	if candidate == "" || candidate == r.st.Becoming {
		return
	}
	if r.in.MissionRef == "" {
		if reason := rejectBecoming(candidate, r.st.Day+1); reason != "" {
			r.emit(domain.EventBecomingRejected, map[string]any{"candidate": candidate, "reason": reason})
			return
		}
	}
	r.st.Becoming = candidate
}

// rejectBecoming applies the mission discovery rules used while no mission
// text is configured.
func rejectBecoming(candidate string, day int) string {
	lower := strings.ToLower(candidate)
	for _, marker := range internalBecomingMarkers {
		if strings.Contains(lower, marker) {
			return "mission unknown and candidate describes the framework itself"
		}
	}
	if day < missionDiscoveryDays {
		return fmt.Sprintf("mission unknown and day %03d is too early to settle a becoming", day)
	}
	return ""
}

func (r *reduction) finish() {
	r.st.Day++
	date := r.in.Now.UTC().Format("2006-01-02")
	if r.st.AwokeOn == "" {
		r.st.AwokeOn = date
	}
	r.st.LastCycleID = r.cycle
	r.st.LastCycleOn = date
	r.st.MissionRef = r.in.MissionRef
	if r.in.Terminate && r.st.Status != domain.DeviceTerminated {
		r.st.Status = domain.DeviceTerminated
		r.emit(domain.EventDeviceTerminated, map[string]any{"day": r.st.Day})
	} else if !r.in.Terminate && r.st.Status == domain.DeviceTerminated {
		// A new instruction reached a terminated device; it resumes.
		r.st.Status = domain.DeviceActive
	}
	payload := AppliedPayload{
		Day:        r.st.Day,
		Now:        r.in.Now.UTC().Format(time.RFC3339Nano),
		MissionRef: r.in.MissionRef,
		Terminate:  r.in.Terminate,
		Probe:      r.in.Probe,
	}
	r.emit(domain.EventCycleApplied, map[string]any{
		"day":         payload.Day,
		"now":         payload.Now,
		"mission_ref": payload.MissionRef,
		"terminate":   payload.Terminate,
		"probe":       payload.Probe,
	})
}

func (r *reduction) policy() retry.Policy {
	if r.in.Retry.Validate() != nil {
		return retry.DefaultPolicy()
	}
	return r.in.Retry
}

// DecodeApplied extracts the replay data of a cycle_applied event.
func DecodeApplied(evt domain.Event) (AppliedPayload, time.Time, error) {
	var p AppliedPayload
	if evt.Type != domain.EventCycleApplied {
		return p, time.Time{}, fmt.Errorf("event %s is not %s", evt.Type, domain.EventCycleApplied)
	}
	if err := events.DecodePayload(evt.Payload, &p); err != nil {
		return p, time.Time{}, fmt.Errorf("decode cycle_applied payload: %w", err)
	}
	now, err := time.Parse(time.RFC3339Nano, p.Now)
	if err != nil {
		return p, time.Time{}, fmt.Errorf("parse cycle_applied time: %w", err)
	}
	return p, now, nil
}
