package server

import (
	"github.com/LucPettett/what-do-i-become/internal/audit"
	"github.com/LucPettett/what-do-i-become/internal/publication"
)

// Requests

type InstructionRequest struct {
	Text string `json:"text" minLength:"1" doc:"Instruction for the next cycle. TERMINATE ends the device's run."`
}

// Responses

type InstructionResponse struct {
	DeviceID  string `json:"device_id"`
	QueuedAt  string `json:"queued_at" format:"date-time"`
	Replaced  bool   `json:"replaced" doc:"An unconsumed instruction was overwritten"`
	Terminate bool   `json:"terminate"`
}

type StatusResponse struct {
	DeviceID string `json:"device_id"`
	publication.PublicStatus
}

type DailyResponse struct {
	DeviceID string `json:"device_id"`
	Day      int    `json:"day"`
	File     string `json:"file"`
	Markdown string `json:"markdown"`
}

type EventResponse struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts" format:"date-time"`
	CycleID string         `json:"cycle_id"`
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func eventResponse(r audit.Record) EventResponse {
	payload := r.Event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		Seq:     r.Seq,
		TS:      r.Event.TS,
		CycleID: r.Event.CycleID,
		Type:    r.Event.Type,
		Payload: payload,
	}
}
