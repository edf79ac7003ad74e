package domain

// SchemaVersion is the version stamped on state documents, work orders and
// worker results produced by this build.
const SchemaVersion = "1.0"

const (
	DeviceActive     = "ACTIVE"
	DeviceTerminated = "TERMINATED"
)

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskBlocked    TaskStatus = "BLOCKED"
)

type HardwareStatus string

const (
	HardwareOpen     HardwareStatus = "OPEN"
	HardwareDetected HardwareStatus = "DETECTED"
	HardwareVerified HardwareStatus = "VERIFIED"
	HardwareFailed   HardwareStatus = "FAILED"
)

type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "OPEN"
	IncidentInProgress IncidentStatus = "IN_PROGRESS"
	IncidentBlocked    IncidentStatus = "BLOCKED"
	IncidentResolved   IncidentStatus = "RESOLVED"
)

type WorkerStatus string

const (
	WorkerCompleted WorkerStatus = "COMPLETED"
	WorkerBlocked   WorkerStatus = "BLOCKED"
	WorkerFailed    WorkerStatus = "FAILED"
)

// Incident kinds raised by the control plane itself. Workers may report
// their own kinds.
const (
	IncidentContractViolation = "contract_violation"
	IncidentWorkerTimeout     = "worker_timeout"
	IncidentWorkerCrash       = "worker_crash"
	IncidentWorkerFailure     = "worker_reported_failure"
	IncidentProbeError        = "hardware_probe_error"
	IncidentPushFailure       = "publication_push_failed"
)

// Subjects of incidents the control plane raises against a whole cycle or
// against the publication step.
const (
	SubjectCycle       = "cycle"
	SubjectPublication = "publication"
)

// DeviceState is the durable per-device document persisted as state.json.
type DeviceState struct {
	SchemaVersion    string            `json:"schema_version"`
	DeviceID         string            `json:"device_id"`
	Status           string            `json:"status"`
	Day              int               `json:"day"`
	AwokeOn          string            `json:"awoke_on,omitempty"`
	MissionRef       string            `json:"mission_ref,omitempty"`
	Becoming         string            `json:"becoming"`
	Tasks            []Task            `json:"tasks"`
	HardwareRequests []HardwareRequest `json:"hardware_requests"`
	Incidents        []Incident        `json:"incidents"`
	Artifacts        []Artifact        `json:"artifacts"`
	LastSummary      string            `json:"last_summary"`
	LastCycleID      string            `json:"last_cycle_id,omitempty"`
	LastCycleOn      string            `json:"last_cycle_on,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedOn   string     `json:"created_on"`
	UpdatedOn   string     `json:"updated_on"`
}

// Detection tells the evidence source how to observe a part.
type Detection struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

const (
	DetectPathExists = "path_exists"
	DetectGlobExists = "glob_exists"
	DetectExternal   = "external"
)

type HardwareRequest struct {
	ID          string         `json:"id"`
	PartName    string         `json:"part_name"`
	Reason      string         `json:"reason"`
	Status      HardwareStatus `json:"status"`
	RequestedOn string         `json:"requested_on"`
	DetectedOn  string         `json:"detected_on,omitempty"`
	VerifiedOn  string         `json:"verified_on,omitempty"`
	FailedOn    string         `json:"failed_on,omitempty"`
	EvidenceRef string         `json:"evidence_ref,omitempty"`
	Detection   *Detection     `json:"detection,omitempty"`
	VerifyExpr  string         `json:"verify_expr,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

type Incident struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Subject     string         `json:"subject,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Status      IncidentStatus `json:"status"`
	Retryable   bool           `json:"retryable"`
	RetryCount  int            `json:"retry_count"`
	NextRetryOn string         `json:"next_retry_on,omitempty"`
	OpenedOn    string         `json:"opened_on"`
	UpdatedOn   string         `json:"updated_on"`
}

// Artifact records one piece of worker output. Artifacts are never mutated
// after they are appended.
type Artifact struct {
	ID          string   `json:"id"`
	CycleID     string   `json:"cycle_id"`
	Kind        string   `json:"kind"`
	InputRefs   []string `json:"input_refs"`
	OutputRef   string   `json:"output_ref"`
	Confidence  float64  `json:"confidence"`
	ActionTaken string   `json:"action_taken"`
	CreatedOn   string   `json:"created_on"`
}

// NewDeviceState returns the state of a device that has not completed a cycle.
func NewDeviceState(deviceID string) DeviceState {
	return DeviceState{
		SchemaVersion:    SchemaVersion,
		DeviceID:         deviceID,
		Status:           DeviceActive,
		Tasks:            []Task{},
		HardwareRequests: []HardwareRequest{},
		Incidents:        []Incident{},
		Artifacts:        []Artifact{},
	}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s DeviceState) Clone() DeviceState {
	out := s
	out.Tasks = append([]Task{}, s.Tasks...)
	out.HardwareRequests = make([]HardwareRequest, len(s.HardwareRequests))
	for i, hr := range s.HardwareRequests {
		out.HardwareRequests[i] = hr.Clone()
	}
	out.Incidents = append([]Incident{}, s.Incidents...)
	out.Artifacts = make([]Artifact, len(s.Artifacts))
	for i, a := range s.Artifacts {
		a.InputRefs = append([]string{}, a.InputRefs...)
		out.Artifacts[i] = a
	}
	return out
}

func (hr HardwareRequest) Clone() HardwareRequest {
	if hr.Detection != nil {
		d := *hr.Detection
		hr.Detection = &d
	}
	return hr
}

func (s DeviceState) TaskIndex(id string) int {
	for i, t := range s.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s DeviceState) HardwareIndex(id string) int {
	for i, hr := range s.HardwareRequests {
		if hr.ID == id {
			return i
		}
	}
	return -1
}

func (s DeviceState) IncidentIndex(id string) int {
	for i, inc := range s.Incidents {
		if inc.ID == id {
			return i
		}
	}
	return -1
}

// Unresolved reports whether the incident still needs attention.
func (i Incident) Unresolved() bool {
	return i.Status != IncidentResolved
}

// Terminal reports whether the request can no longer change status.
func (hr HardwareRequest) Terminal() bool {
	return hr.Status == HardwareVerified || hr.Status == HardwareFailed
}
