package planner

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func plan(t *testing.T, st domain.DeviceState, mission string) domain.WorkOrder {
	t.Helper()
	order, err := Plan(Input{
		State:      st,
		Mission:    mission,
		CycleID:    "cycle-000001-20260301T120000Z",
		ResultPath: "/tmp/result.json",
		Now:        now,
	})
	require.NoError(t, err)
	return order
}

func TestNextCycleIDNeverReusesSequences(t *testing.T) {
	assert.Equal(t, "cycle-000001-20260301T120000Z", NextCycleID(events.BuildLedger(nil), now))

	ledger := events.BuildLedger([]domain.Event{
		{CycleID: "cycle-000001-20260228T120000Z", Type: domain.EventCycleStarted},
		{CycleID: "cycle-000001-20260228T120000Z", Type: domain.EventCycleApplied},
		{CycleID: "cycle-000002-20260228T130000Z", Type: domain.EventCycleStarted},
		{CycleID: "cycle-000002-20260228T130000Z", Type: domain.EventCycleAborted},
	})
	assert.Equal(t, "cycle-000003-20260301T120000Z", NextCycleID(ledger, now))
	// A clock that went backwards still yields a larger sequence.
	assert.Equal(t, "cycle-000003-20200101T000000Z", NextCycleID(ledger, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestObjectiveSelection(t *testing.T) {
	st := domain.NewDeviceState("dev-1")
	order := plan(t, st, "")
	assert.Equal(t, ObjectiveDiscover, order.Objective)
	assert.Empty(t, order.FocusTaskID)

	st.HardwareRequests = []domain.HardwareRequest{{ID: "hw-1", PartName: "camera", Status: domain.HardwareDetected}}
	assert.Equal(t, ObjectiveHardwarePending, plan(t, st, "").Objective)

	st.Tasks = []domain.Task{
		{ID: "task-a", Title: "first", Status: domain.TaskDone},
		{ID: "task-b", Title: "second", Status: domain.TaskTodo},
	}
	order = plan(t, st, "")
	assert.Equal(t, "Advance task task-b: second", order.Objective)
	assert.Equal(t, "task-b", order.FocusTaskID)

	st.Tasks = append(st.Tasks, domain.Task{ID: "task-c", Title: "third", Status: domain.TaskInProgress})
	order = plan(t, st, "")
	assert.Equal(t, "task-c", order.FocusTaskID)
}

func TestPlanDoesNotMutateState(t *testing.T) {
	st := domain.NewDeviceState("dev-1")
	st.Tasks = []domain.Task{{ID: "task-a", Status: domain.TaskTodo}}
	plan(t, st, "")
	assert.Equal(t, domain.TaskTodo, st.Tasks[0].Status)
}

func TestMissionExcerptIsTruncated(t *testing.T) {
	assert.Equal(t, "short", Excerpt("  short \n"))
	long := strings.Repeat("a", 3000)
	got := Excerpt(long)
	assert.True(t, strings.HasSuffix(got, "\n[TRUNCATED]"))
	assert.Equal(t, missionExcerptLimit+len("\n[TRUNCATED]"), len(got))
}

func TestTerminateObjective(t *testing.T) {
	st := domain.NewDeviceState("dev-1")
	st.Tasks = []domain.Task{{ID: "task-a", Status: domain.TaskTodo}}
	order, err := Plan(Input{State: st, CycleID: "cycle-000001-20260301T120000Z", ResultPath: "r", Terminate: true, Instruction: " shut down ", Now: now})
	require.NoError(t, err)
	assert.Equal(t, ObjectiveTerminate, order.Objective)
	assert.Empty(t, order.FocusTaskID)
	assert.Equal(t, "shut down", order.Instruction)
}

func TestPlannedOrderSatisfiesContract(t *testing.T) {
	st := domain.NewDeviceState("dev-1")
	for i := 0; i < 30; i++ {
		st.Tasks = append(st.Tasks, domain.Task{ID: domain.DeriveID("task", string(rune('a'+i))), Title: "t", Status: domain.TaskTodo})
	}
	st.Incidents = []domain.Incident{
		{ID: "inc-1", Kind: "worker_timeout", Status: domain.IncidentOpen},
		{ID: "inc-2", Kind: "old", Status: domain.IncidentResolved},
	}
	order := plan(t, st, strings.Repeat("mission ", 500))
	assert.Len(t, order.Context.Tasks, headlineLimit)
	assert.Equal(t, []string{"inc-1 [OPEN] worker_timeout"}, order.Context.Incidents)

	raw, err := json.Marshal(order)
	require.NoError(t, err)
	v, err := contract.NewValidator()
	require.NoError(t, err)
	require.NoError(t, v.Validate(contract.WorkOrder, raw))

	empty, err := json.Marshal(plan(t, domain.NewDeviceState("dev-1"), ""))
	require.NoError(t, err)
	require.NoError(t, v.Validate(contract.WorkOrder, empty))
}

func TestPlanRequiresIdentifiers(t *testing.T) {
	_, err := Plan(Input{State: domain.NewDeviceState("dev-1"), ResultPath: "r"})
	require.Error(t, err)
	_, err = Plan(Input{State: domain.NewDeviceState("dev-1"), CycleID: "cycle-000001-20260301T120000Z"})
	require.Error(t, err)
}
