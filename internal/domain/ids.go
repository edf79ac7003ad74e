package domain

import (
	"strings"

	"github.com/google/uuid"
)

var idNamespace = uuid.MustParse("6f1c3f0e-4f7a-5b8e-9d2a-7b3c1e0a9d45")

// DeriveID returns a stable id such as "task-1a2b3c4d5e6f" for a seed string.
// The same seed always yields the same id.
func DeriveID(prefix, seed string) string {
	u := uuid.NewSHA1(idNamespace, []byte(seed))
	return prefix + "-" + strings.ReplaceAll(u.String(), "-", "")[:12]
}

// UpsertIncident replaces the incident with the same id or appends it.
func (s *DeviceState) UpsertIncident(inc Incident) {
	if i := s.IncidentIndex(inc.ID); i >= 0 {
		s.Incidents[i] = inc
		return
	}
	s.Incidents = append(s.Incidents, inc)
}

// UpsertHardware replaces the request with the same id or appends it.
func (s *DeviceState) UpsertHardware(hr HardwareRequest) {
	if i := s.HardwareIndex(hr.ID); i >= 0 {
		s.HardwareRequests[i] = hr.Clone()
		return
	}
	s.HardwareRequests = append(s.HardwareRequests, hr.Clone())
}

// OpenIncident finds the newest unresolved incident of kind about subject.
func (s DeviceState) OpenIncident(kind, subject string) (Incident, bool) {
	for i := len(s.Incidents) - 1; i >= 0; i-- {
		inc := s.Incidents[i]
		if inc.Kind == kind && inc.Subject == subject && inc.Unresolved() {
			return inc, true
		}
	}
	return Incident{}, false
}
