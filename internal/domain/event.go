package domain

// Event is one line of events.ndjson.
type Event struct {
	TS      string         `json:"ts"`
	CycleID string         `json:"cycle_id"`
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
}

const (
	EventCycleStarted          = "cycle_started"
	EventCycleApplied          = "cycle_applied"
	EventCycleAborted          = "cycle_aborted"
	EventDuplicateCycleIgnored = "duplicate_cycle_ignored"
	EventWorkOrderIssued       = "work_order_issued"
	EventTaskCreated           = "task_created"
	EventTaskTransitioned      = "task_transitioned"
	EventHardwareRequested     = "hardware_requested"
	EventHardwareTransitioned  = "hardware_transitioned"
	EventIncidentRecorded      = "incident_recorded"
	EventIncidentTransitioned  = "incident_transitioned"
	EventArtifactAppended      = "artifact_appended"
	EventBecomingRejected      = "becoming_rejected"
	EventDeviceTerminated      = "device_terminated"
	EventPublicationCommitted  = "publication_committed"
	EventPublicationPushed     = "publication_pushed"
	EventPublicationPushFailed = "publication_push_failed"
	EventStateRecovered        = "state_recovered"
)
