package reducer

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
)

const (
	cycleID    = "cycle-000004-20260301T120000Z"
	missionRef = "sha256:abc"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func priorState() domain.DeviceState {
	st := domain.NewDeviceState("dev-1")
	st.Day = 3
	st.AwokeOn = "2026-02-27"
	st.Becoming = "a plant watcher"
	st.Tasks = []domain.Task{
		{ID: "task-a", Title: "calibrate", Status: domain.TaskTodo},
		{ID: "task-b", Title: "log moisture", Status: domain.TaskInProgress},
		{ID: "task-c", Title: "ship", Status: domain.TaskDone},
	}
	st.HardwareRequests = []domain.HardwareRequest{
		{ID: "hw-1", PartName: "soil sensor", Status: domain.HardwareOpen},
		{ID: "hw-2", PartName: "camera", Status: domain.HardwareDetected},
	}
	st.Incidents = []domain.Incident{
		{ID: "inc-1", Kind: "worker_reported", Status: domain.IncidentOpen},
	}
	return st
}

func result(mut func(*domain.WorkerResult)) domain.WorkerResult {
	r := domain.WorkerResult{
		SchemaVersion: "1.0",
		CycleID:       cycleID,
		Status:        domain.WorkerCompleted,
		Narrative:     domain.Narrative{Becoming: "a careful gardener", Summary: "Logged moisture readings."},
	}
	if mut != nil {
		mut(&r)
	}
	return r
}

func input(res domain.WorkerResult) Input {
	return Input{
		Prior:      priorState(),
		Result:     res,
		Order:      domain.WorkOrder{CycleID: cycleID, FocusTaskID: "task-a"},
		Ledger:     events.BuildLedger(nil),
		MissionRef: missionRef,
		Now:        now,
	}
}

func eventTypes(evts []domain.Event) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestReduceAppliesCompletedCycle(t *testing.T) {
	res := result(func(r *domain.WorkerResult) {
		r.ProposedTasks = []domain.TaskProposal{
			{ID: "task-b", Status: domain.TaskDone},
			{Title: "water plants", Status: domain.TaskTodo},
		}
		r.ProposedHardwareRequests = []domain.HardwareProposal{
			{PartName: "pump", Reason: "watering", Status: domain.HardwareOpen, Detection: &domain.Detection{Kind: domain.DetectPathExists, Value: "/dev/pump0"}},
		}
		r.ProposedIncidents = []domain.IncidentProposal{
			{ID: "inc-1", Status: domain.IncidentResolved},
			{Kind: "sensor_noise", Summary: "noisy", Status: domain.IncidentOpen, Retryable: true},
		}
		r.Artifacts = []domain.ArtifactProposal{{Kind: "report", OutputRef: "reports/moisture.csv", Confidence: 0.8, ActionTaken: "logged"}}
	})

	next, evts, err := Reduce(input(res))
	require.NoError(t, err)

	assert.Equal(t, 4, next.Day)
	assert.Equal(t, "2026-02-27", next.AwokeOn)
	assert.Equal(t, cycleID, next.LastCycleID)
	assert.Equal(t, "2026-03-01", next.LastCycleOn)
	assert.Equal(t, missionRef, next.MissionRef)
	assert.Equal(t, "a careful gardener", next.Becoming)
	assert.Equal(t, "Logged moisture readings.", next.LastSummary)

	assert.Equal(t, domain.TaskInProgress, next.Tasks[0].Status, "focus task promoted")
	assert.Equal(t, domain.TaskDone, next.Tasks[1].Status)
	require.Len(t, next.Tasks, 4)
	assert.Equal(t, "water plants", next.Tasks[3].Title)
	assert.Equal(t, domain.TaskTodo, next.Tasks[3].Status)

	require.Len(t, next.HardwareRequests, 3)
	assert.Equal(t, domain.HardwareOpen, next.HardwareRequests[2].Status)
	assert.Equal(t, "/dev/pump0", next.HardwareRequests[2].Detection.Value)

	assert.Equal(t, domain.IncidentResolved, next.Incidents[0].Status)
	require.Len(t, next.Incidents, 2)
	assert.Equal(t, "2026-03-01T12:15:00Z", next.Incidents[1].NextRetryOn)

	require.Len(t, next.Artifacts, 1)
	assert.Equal(t, cycleID, next.Artifacts[0].CycleID)

	assert.Equal(t, domain.EventCycleApplied, evts[len(evts)-1].Type)
	assert.Contains(t, eventTypes(evts), domain.EventTaskCreated)
	assert.Contains(t, eventTypes(evts), domain.EventHardwareRequested)
	assert.Contains(t, eventTypes(evts), domain.EventArtifactAppended)
}

func TestReduceDoesNotMutatePrior(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) {
		r.ProposedTasks = []domain.TaskProposal{{ID: "task-b", Status: domain.TaskBlocked}}
	}))
	before := in.Prior.Clone()
	_, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, before, in.Prior)
}

func TestDuplicateCycleIsIgnored(t *testing.T) {
	in := input(result(nil))
	in.Ledger = events.BuildLedger([]domain.Event{
		{CycleID: cycleID, Type: domain.EventCycleApplied},
	})
	next, evts, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, in.Prior, next)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.EventDuplicateCycleIgnored, evts[0].Type)
}

func TestCycleMismatchIsContractViolation(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) { r.CycleID = "cycle-000003-20260228T120000Z" }))
	next, evts, err := Reduce(in)
	var cv *contract.ContractViolation
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, []string{"/cycle_id"}, cv.Fields())
	assert.Equal(t, in.Prior, next)
	assert.Empty(t, evts)
}

func TestIllegalTransitionsRejectWholeResult(t *testing.T) {
	cases := map[string]func(*domain.WorkerResult){
		"done task reopened": func(r *domain.WorkerResult) {
			r.ProposedTasks = []domain.TaskProposal{{ID: "task-c", Status: domain.TaskInProgress}}
		},
		"todo straight to done": func(r *domain.WorkerResult) {
			r.ProposedTasks = []domain.TaskProposal{{ID: "task-b", Status: domain.TaskDone}, {ID: "task-x-missing-title", Status: domain.TaskDone}}
		},
		"worker claims detection": func(r *domain.WorkerResult) {
			r.ProposedHardwareRequests = []domain.HardwareProposal{{ID: "hw-1", Status: domain.HardwareDetected}}
		},
		"worker claims verification": func(r *domain.WorkerResult) {
			r.ProposedHardwareRequests = []domain.HardwareProposal{{ID: "hw-2", Status: domain.HardwareVerified}}
		},
		"worker reverts detection": func(r *domain.WorkerResult) {
			r.ProposedHardwareRequests = []domain.HardwareProposal{{ID: "hw-2", Status: domain.HardwareOpen}}
		},
		"new hardware not open": func(r *domain.WorkerResult) {
			r.ProposedHardwareRequests = []domain.HardwareProposal{{PartName: "fan", Status: domain.HardwareVerified}}
		},
		"new incident resolved": func(r *domain.WorkerResult) {
			r.ProposedIncidents = []domain.IncidentProposal{{Kind: "x", Status: domain.IncidentResolved}}
		},
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			in := input(result(mut))
			next, evts, err := Reduce(in)
			var cv *contract.ContractViolation
			require.True(t, errors.As(err, &cv), "got %v", err)
			assert.NotEmpty(t, cv.Violations)
			assert.Equal(t, in.Prior, next)
			assert.Nil(t, evts)
		})
	}
}

func TestWorkerMayFailHardware(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) {
		r.ProposedHardwareRequests = []domain.HardwareProposal{{ID: "hw-2", Status: domain.HardwareFailed}}
	}))
	next, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, domain.HardwareFailed, next.HardwareRequests[1].Status)
	assert.NotEmpty(t, next.HardwareRequests[1].FailedOn)
}

func TestWorkerFailedStatusOpensIncident(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) { r.Status = domain.WorkerFailed }))
	next, _, err := Reduce(in)
	require.NoError(t, err)
	inc := next.Incidents[len(next.Incidents)-1]
	assert.Equal(t, domain.IncidentWorkerFailure, inc.Kind)
	assert.True(t, inc.Retryable)
	assert.NotEmpty(t, inc.NextRetryOn)
	assert.Equal(t, 4, next.Day)
}

func TestPendingAndProbeIncidentsAreFolded(t *testing.T) {
	pending := domain.Incident{ID: "inc-timeout", Kind: domain.IncidentWorkerTimeout, Status: domain.IncidentOpen, Retryable: true}
	in := input(result(nil))
	in.Ledger = events.BuildLedger([]domain.Event{
		events.IncidentRecorded("2026-02-28T12:00:00Z", "cycle-000003-20260228T120000Z", pending, true),
	})
	in.Probe = hardware.Outcome{
		Requests: []domain.HardwareRequest{{ID: "hw-2", PartName: "camera", Status: domain.HardwareVerified, VerifiedOn: "2026-03-01T12:00:00Z"}},
		Events:   []domain.Event{events.New("2026-03-01T12:00:00Z", cycleID, domain.EventHardwareTransitioned, map[string]any{"request_id": "hw-2"})},
	}
	next, evts, err := Reduce(in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next.IncidentIndex("inc-timeout"), 0)
	assert.Equal(t, domain.HardwareVerified, next.HardwareRequests[1].Status)
	assert.Equal(t, domain.EventHardwareTransitioned, evts[0].Type)

	p, at, err := DecodeApplied(evts[len(evts)-1])
	require.NoError(t, err)
	assert.Equal(t, 4, p.Day)
	assert.True(t, at.Equal(now))
	require.Len(t, p.Probe.Requests, 1)
	assert.Equal(t, domain.HardwareVerified, p.Probe.Requests[0].Status)
}

func TestWorkerMayResolvePendingIncident(t *testing.T) {
	pending := domain.Incident{ID: "inc-timeout", Kind: domain.IncidentWorkerTimeout, Status: domain.IncidentOpen}
	in := input(result(func(r *domain.WorkerResult) {
		r.ProposedIncidents = []domain.IncidentProposal{{ID: "inc-timeout", Status: domain.IncidentResolved}}
	}))
	in.Ledger = events.BuildLedger([]domain.Event{events.IncidentRecorded("", "", pending, true)})
	next, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentResolved, next.Incidents[next.IncidentIndex("inc-timeout")].Status)
}

func TestFirstCycleSetsAwokeOn(t *testing.T) {
	in := input(result(nil))
	in.Prior = domain.NewDeviceState("dev-1")
	in.Order.FocusTaskID = ""
	next, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Day)
	assert.Equal(t, "2026-03-01", next.AwokeOn)
}

func TestBecomingRejectedWithoutMission(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) { r.Narrative.Becoming = "a more reliable wdib control plane" }))
	in.MissionRef = ""
	next, evts, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, "a plant watcher", next.Becoming)
	assert.Contains(t, eventTypes(evts), domain.EventBecomingRejected)

	early := input(result(nil))
	early.MissionRef = ""
	early.Prior.Day = 0
	early.Prior.Becoming = ""
	next, _, err = Reduce(early)
	require.NoError(t, err)
	assert.Empty(t, next.Becoming)
}

func TestTerminate(t *testing.T) {
	in := input(domain.WorkerResult{})
	in.Terminate = true
	in.Result = TerminationResult(in.Order, in.Prior)
	next, evts, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceTerminated, next.Status)
	assert.Equal(t, TerminationSummary, next.LastSummary)
	assert.Equal(t, "a plant watcher", next.Becoming)
	assert.Contains(t, eventTypes(evts), domain.EventDeviceTerminated)

	resumed := input(result(nil))
	resumed.Prior = next
	resumed.Order.CycleID = cycleID
	resumed.Ledger = events.BuildLedger(nil)
	after, _, err := Reduce(resumed)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceActive, after.Status)
}

func TestReduceIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	taskStatuses := []domain.TaskStatus{domain.TaskTodo, domain.TaskInProgress, domain.TaskDone, domain.TaskBlocked}

	properties.Property("same input gives same state and events", prop.ForAll(
		func(titles []string, statusIdx []int, summary string) bool {
			res := result(func(r *domain.WorkerResult) {
				r.Narrative.Summary = summary
				for i, title := range titles {
					r.ProposedTasks = append(r.ProposedTasks, domain.TaskProposal{Title: title, Status: taskStatuses[statusIdx[i%len(statusIdx)]]})
				}
				r.Artifacts = []domain.ArtifactProposal{{Kind: "note", OutputRef: summary}}
			})
			a, evA, errA := Reduce(input(res))
			b, evB, errB := Reduce(input(res))
			if (errA == nil) != (errB == nil) {
				return false
			}
			if errA != nil {
				return errA.Error() == errB.Error()
			}
			return assert.ObjectsAreEqual(a, b) && assert.ObjectsAreEqual(evA, evB)
		},
		gen.SliceOfN(4, gen.AlphaString()),
		gen.SliceOfN(4, gen.IntRange(0, len(taskStatuses)-1)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCompletedCycleResolvesPublishedCycleIncidents(t *testing.T) {
	timeout := domain.Incident{ID: "inc-cycle", Kind: domain.IncidentWorkerTimeout, Subject: domain.SubjectCycle, Status: domain.IncidentOpen, Retryable: true, RetryCount: 2, NextRetryOn: "2026-03-01T11:00:00Z"}

	// Folded in from the ledger: stays open so this cycle's publication shows it.
	in := input(result(nil))
	in.Ledger = events.BuildLedger([]domain.Event{events.IncidentRecorded("", "", timeout, true)})
	next, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentOpen, next.Incidents[next.IncidentIndex("inc-cycle")].Status)

	// Already in the prior state: resolved by the completed cycle.
	in = input(result(nil))
	in.Prior.Incidents = append(in.Prior.Incidents, timeout)
	next, _, err = Reduce(in)
	require.NoError(t, err)
	inc := next.Incidents[next.IncidentIndex("inc-cycle")]
	assert.Equal(t, domain.IncidentResolved, inc.Status)
	assert.Empty(t, inc.NextRetryOn)
	assert.Equal(t, 2, inc.RetryCount)
	assert.Equal(t, domain.IncidentOpen, next.Incidents[next.IncidentIndex("inc-1")].Status, "worker incidents are left alone")

	failed := input(result(func(r *domain.WorkerResult) { r.Status = domain.WorkerFailed }))
	failed.Prior.Incidents = append(failed.Prior.Incidents, timeout)
	next, _, err = Reduce(failed)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentOpen, next.Incidents[next.IncidentIndex("inc-cycle")].Status)
}

func TestReopenedRetryableIncidentGetsNextRetry(t *testing.T) {
	in := input(result(func(r *domain.WorkerResult) {
		r.ProposedIncidents = []domain.IncidentProposal{{ID: "inc-9", Status: domain.IncidentOpen}}
	}))
	in.Prior.Incidents = append(in.Prior.Incidents, domain.Incident{ID: "inc-9", Kind: "worker_reported", Status: domain.IncidentInProgress, Retryable: true, RetryCount: 1})
	next, _, err := Reduce(in)
	require.NoError(t, err)
	inc := next.Incidents[next.IncidentIndex("inc-9")]
	assert.Equal(t, domain.IncidentOpen, inc.Status)
	assert.Equal(t, 2, inc.RetryCount)
	assert.NotEmpty(t, inc.NextRetryOn)
	retryOn, err := time.Parse(time.RFC3339, inc.NextRetryOn)
	require.NoError(t, err)
	assert.True(t, retryOn.After(now))
}

func TestBadVerifyExprIsContractViolation(t *testing.T) {
	for name, expr := range map[string]string{
		"syntax":   "input.signals.frames >",
		"non-bool": "'frames'",
	} {
		t.Run(name, func(t *testing.T) {
			in := input(result(func(r *domain.WorkerResult) {
				r.ProposedHardwareRequests = []domain.HardwareProposal{{PartName: "camera", Reason: "vision", Status: domain.HardwareOpen, VerifyExpr: expr}}
			}))
			next, evts, err := Reduce(in)
			var cv *contract.ContractViolation
			require.True(t, errors.As(err, &cv), "got %v", err)
			assert.Equal(t, []string{"/proposed_hardware_requests/0/verify_expr"}, cv.Fields())
			assert.Equal(t, in.Prior, next)
			assert.Nil(t, evts)
		})
	}

	in := input(result(func(r *domain.WorkerResult) {
		r.ProposedHardwareRequests = []domain.HardwareProposal{{PartName: "camera", Reason: "vision", Status: domain.HardwareOpen, VerifyExpr: "input.signals.frames > 10"}}
	}))
	next, _, err := Reduce(in)
	require.NoError(t, err)
	assert.Equal(t, "input.signals.frames > 10", next.HardwareRequests[len(next.HardwareRequests)-1].VerifyExpr)
}
