package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
)

const (
	missionExcerptLimit = 2500
	headlineLimit       = 20
)

const (
	ObjectiveHardwarePending = "Continue software progress while hardware requests are pending. " +
		"Do not assume installation is complete unless the request is marked VERIFIED."
	ObjectiveDiscover  = "Self-discover system capabilities and propose the next concrete tasks to advance purpose."
	ObjectiveTerminate = "Human requested device termination."
)

// Constraints are attached to every work order.
var Constraints = []string{
	"Work only inside the allowed paths listed in context_refs.",
	"Do not bypass hardware verification. Hardware requests are complete only when machine-observed detection and verification pass.",
	"Report outcomes through the worker result contract only.",
	"Favor minimal, testable changes and explicit evidence.",
}

type Input struct {
	State       domain.DeviceState
	Mission     string
	Instruction string
	Terminate   bool
	CycleID     string
	ResultPath  string
	ContextRefs []string
	Now         time.Time
}

// NextCycleID allocates the id of the next cycle from the ledger. Sequences
// strictly increase and are never reused, aborted cycles included.
func NextCycleID(ledger events.Ledger, now time.Time) string {
	return domain.FormatCycleID(ledger.NextSeq(), now)
}

// Plan builds the work order for a cycle. It never fails for lack of an
// objective; the only errors are missing inputs.
func Plan(in Input) (domain.WorkOrder, error) {
	if in.CycleID == "" {
		return domain.WorkOrder{}, fmt.Errorf("cycle id is required")
	}
	if in.ResultPath == "" {
		return domain.WorkOrder{}, fmt.Errorf("result path is required")
	}
	objective, focus := Objective(in.State)
	if in.Terminate {
		objective, focus = ObjectiveTerminate, ""
	}
	refs := append([]string{}, in.ContextRefs...)
	return domain.WorkOrder{
		SchemaVersion: domain.SchemaVersion,
		CycleID:       in.CycleID,
		DeviceID:      in.State.DeviceID,
		CreatedAt:     in.Now.UTC().Format(time.RFC3339),
		Objective:     objective,
		FocusTaskID:   focus,
		Instruction:   strings.TrimSpace(in.Instruction),
		Constraints:   append([]string{}, Constraints...),
		ContextRefs:   refs,
		ResultPath:    in.ResultPath,
		Context: domain.WorkContext{
			Becoming:         in.State.Becoming,
			MissionExcerpt:   Excerpt(in.Mission),
			Tasks:            taskHeadlines(in.State.Tasks),
			HardwareRequests: hardwareHeadlines(in.State.HardwareRequests),
			Incidents:        incidentHeadlines(in.State.Incidents),
		},
	}, nil
}

// Objective picks what the worker should do this cycle and the task it
// focuses on, if any: an IN_PROGRESS task, else the first TODO task, else
// pending hardware, else self-discovery.
func Objective(st domain.DeviceState) (string, string) {
	for _, t := range st.Tasks {
		if t.Status == domain.TaskInProgress {
			return advance(t), t.ID
		}
	}
	for _, t := range st.Tasks {
		if t.Status == domain.TaskTodo {
			return advance(t), t.ID
		}
	}
	for _, hr := range st.HardwareRequests {
		if !hr.Terminal() {
			return ObjectiveHardwarePending, ""
		}
	}
	return ObjectiveDiscover, ""
}

func advance(t domain.Task) string {
	title := t.Title
	if title == "" {
		title = t.Description
	}
	return fmt.Sprintf("Advance task %s: %s", t.ID, title)
}

// Excerpt trims mission text to the size handed to the worker.
func Excerpt(mission string) string {
	text := strings.TrimSpace(mission)
	runes := []rune(text)
	if len(runes) <= missionExcerptLimit {
		return text
	}
	return strings.TrimRight(string(runes[:missionExcerptLimit]), " \t\n") + "\n[TRUNCATED]"
}

func taskHeadlines(tasks []domain.Task) []string {
	out := []string{}
	for _, t := range tasks {
		if len(out) == headlineLimit {
			break
		}
		out = append(out, fmt.Sprintf("%s [%s] %s", t.ID, t.Status, t.Title))
	}
	return out
}

func hardwareHeadlines(reqs []domain.HardwareRequest) []string {
	out := []string{}
	for _, hr := range reqs {
		if len(out) == headlineLimit {
			break
		}
		out = append(out, fmt.Sprintf("%s [%s] %s", hr.ID, hr.Status, hr.PartName))
	}
	return out
}

func incidentHeadlines(incs []domain.Incident) []string {
	out := []string{}
	for _, inc := range incs {
		if !inc.Unresolved() {
			continue
		}
		if len(out) == headlineLimit {
			break
		}
		out = append(out, fmt.Sprintf("%s [%s] %s", inc.ID, inc.Status, inc.Kind))
	}
	return out
}
