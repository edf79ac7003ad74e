package logfields

import "log/slog"

// Canonical log field names shared by every package.
const (
	KeyDevice     = "device_id"
	KeyCycle      = "cycle_id"
	KeyStage      = "stage"
	KeyOutcome    = "outcome"
	KeyEventType  = "event_type"
	KeyRequest    = "hardware_request"
	KeyIncident   = "incident_id"
	KeyPath       = "path"
	KeyRemote     = "remote"
	KeyCommit     = "commit"
	KeyDurationMS = "duration_ms"
	KeyExitCode   = "exit_code"
	KeyError      = "error"
)

func Device(id string) slog.Attr      { return slog.String(KeyDevice, id) }
func Cycle(id string) slog.Attr       { return slog.String(KeyCycle, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func EventType(t string) slog.Attr    { return slog.String(KeyEventType, t) }
func Request(id string) slog.Attr     { return slog.String(KeyRequest, id) }
func Incident(id string) slog.Attr    { return slog.String(KeyIncident, id) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Remote(r string) slog.Attr       { return slog.String(KeyRemote, r) }
func Commit(h string) slog.Attr       { return slog.String(KeyCommit, h) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
