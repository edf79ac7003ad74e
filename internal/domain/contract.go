package domain

// WorkOrder is handed to the external worker once per cycle.
type WorkOrder struct {
	SchemaVersion string      `json:"schema_version"`
	CycleID       string      `json:"cycle_id"`
	DeviceID      string      `json:"device_id"`
	CreatedAt     string      `json:"created_at"`
	Objective     string      `json:"objective"`
	FocusTaskID   string      `json:"focus_task_id,omitempty"`
	Instruction   string      `json:"instruction,omitempty"`
	Constraints   []string    `json:"constraints"`
	ContextRefs   []string    `json:"context_refs"`
	ResultPath    string      `json:"result_path"`
	Context       WorkContext `json:"context"`
}

type WorkContext struct {
	Becoming         string   `json:"becoming"`
	MissionExcerpt   string   `json:"mission_excerpt"`
	Tasks            []string `json:"tasks"`
	HardwareRequests []string `json:"hardware_requests"`
	Incidents        []string `json:"incidents"`
}

// WorkerResult is the worker's structured report for one cycle.
type WorkerResult struct {
	SchemaVersion            string             `json:"schema_version"`
	CycleID                  string             `json:"cycle_id"`
	Status                   WorkerStatus       `json:"status"`
	ProposedTasks            []TaskProposal     `json:"proposed_tasks"`
	ProposedHardwareRequests []HardwareProposal `json:"proposed_hardware_requests"`
	ProposedIncidents        []IncidentProposal `json:"proposed_incidents"`
	Artifacts                []ArtifactProposal `json:"artifacts"`
	Narrative                Narrative          `json:"narrative"`
}

type Narrative struct {
	Becoming string `json:"becoming"`
	Summary  string `json:"summary"`
}

// TaskProposal creates a task when ID is empty or unknown, otherwise it
// requests a status transition on the existing task.
type TaskProposal struct {
	ID          string     `json:"id,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
}

type HardwareProposal struct {
	ID          string         `json:"id,omitempty"`
	PartName    string         `json:"part_name,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Status      HardwareStatus `json:"status"`
	Detection   *Detection     `json:"detection,omitempty"`
	VerifyExpr  string         `json:"verify_expr,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

type IncidentProposal struct {
	ID        string         `json:"id,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Status    IncidentStatus `json:"status"`
	Retryable bool           `json:"retryable,omitempty"`
}

type ArtifactProposal struct {
	Kind        string   `json:"kind"`
	InputRefs   []string `json:"input_refs,omitempty"`
	OutputRef   string   `json:"output_ref"`
	Confidence  float64  `json:"confidence"`
	ActionTaken string   `json:"action_taken"`
}
