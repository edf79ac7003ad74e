package publication

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/planner"
	"github.com/LucPettett/what-do-i-become/internal/store"
)

// Coarse public statuses.
const (
	StatusActive             = "ACTIVE"
	StatusBlocked            = "BLOCKED"
	StatusWaitingForHardware = "WAITING_FOR_HARDWARE"
	StatusTerminated         = "TERMINATED"
)

const (
	purposeUnset     = "Unset (no mission configured)."
	activityFallback = "Made steady progress on mission-aligned work."
	activityHardware = "Kept software work moving while waiting for hardware verification."
)

var notices = map[string]string{
	StatusActive:             "Sanitized publication only. Detailed logs remain on-device.",
	StatusBlocked:            "Work is blocked on an internal issue. Details remain on-device.",
	StatusWaitingForHardware: "Waiting for requested hardware to be installed and verified.",
	StatusTerminated:         "This device has ended its run.",
}

// PublicStatus is the complete set of fields that may leave the device.
type PublicStatus struct {
	SchemaVersion  string `json:"schema_version"`
	Day            int    `json:"day"`
	Date           string `json:"date"`
	Status         string `json:"status"`
	Purpose        string `json:"purpose"`
	Becoming       string `json:"becoming"`
	RecentActivity string `json:"recent_activity"`
	Notice         string `json:"notice"`
}

// Builder derives the public view of a device. Build is deterministic: the
// same state and mission always give byte-identical output.
type Builder struct {
	Mission string
}

func (b Builder) Build(st domain.DeviceState) (PublicStatus, string) {
	private := privateCorpus(st)
	status := CoarseStatus(st)

	ps := PublicStatus{
		SchemaVersion:  domain.SchemaVersion,
		Day:            st.Day,
		Date:           st.LastCycleOn,
		Status:         status,
		Purpose:        b.purpose(private),
		Becoming:       private.clean(st.Becoming, 180),
		RecentActivity: recentActivity(st, private),
		Notice:         notices[status],
	}
	return ps, Daily(ps)
}

// CoarseStatus orders TERMINATED > BLOCKED > WAITING_FOR_HARDWARE > ACTIVE.
func CoarseStatus(st domain.DeviceState) string {
	if st.Status == domain.DeviceTerminated {
		return StatusTerminated
	}
	for _, inc := range st.Incidents {
		if inc.Unresolved() {
			return StatusBlocked
		}
	}
	for _, hr := range st.HardwareRequests {
		if !hr.Terminal() {
			return StatusWaitingForHardware
		}
	}
	return StatusActive
}

func privateCorpus(st domain.DeviceState) corpus {
	var c corpus
	for _, inc := range st.Incidents {
		c = c.add(inc.Summary, Sanitize(inc.Summary, 0))
	}
	for _, a := range st.Artifacts {
		c = c.add(a.OutputRef, a.ActionTaken, Sanitize(a.ActionTaken, 0))
		c = c.add(a.InputRefs...)
	}
	return c
}

func (b Builder) purpose(private corpus) string {
	if p := private.clean(Purpose(b.Mission), 180); p != "" {
		return p
	}
	return purposeUnset
}

func recentActivity(st domain.DeviceState, private corpus) string {
	if r := private.clean(st.LastSummary, 160); r != "" && !machinery(r) {
		return r
	}
	objective, focus := planner.Objective(st)
	if focus != "" {
		if i := st.TaskIndex(focus); i >= 0 {
			if title := private.clean(st.Tasks[i].Title, 150); title != "" {
				return "Worked on: " + title
			}
		}
	}
	if objective == planner.ObjectiveHardwarePending {
		return activityHardware
	}
	return activityFallback
}

// Purpose returns the first line of the mission's "Mission" section, or the
// first line of prose when the document has no such section.
func Purpose(mission string) string {
	if strings.TrimSpace(mission) == "" {
		return ""
	}
	src := []byte(mission)
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var fallback string
	inMission := false
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*gmast.Heading); ok {
			title := strings.ToLower(strings.TrimSpace(firstLine(h, src)))
			if inMission {
				break
			}
			inMission = title == "mission"
			continue
		}
		if n.Kind() == gmast.KindFencedCodeBlock || n.Kind() == gmast.KindCodeBlock || n.Kind() == gmast.KindHTMLBlock {
			continue
		}
		line := strings.TrimSpace(firstLine(n, src))
		if line == "" {
			continue
		}
		if inMission {
			return line
		}
		if fallback == "" {
			fallback = line
		}
	}
	return fallback
}

// firstLine returns the first source line of the first text-bearing block in n.
func firstLine(n gmast.Node, src []byte) string {
	var out string
	_ = gmast.Walk(n, func(node gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering || node.Type() != gmast.TypeBlock {
			return gmast.WalkContinue, nil
		}
		lines := node.Lines()
		if lines == nil || lines.Len() == 0 {
			return gmast.WalkContinue, nil
		}
		seg := lines.At(0)
		out = strings.TrimSpace(string(seg.Value(src)))
		if out == "" {
			return gmast.WalkContinue, nil
		}
		return gmast.WalkStop, nil
	})
	return out
}

// Daily renders the public daily summary from the public status alone.
func Daily(ps PublicStatus) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Day %03d - %s\n\n", ps.Day, humanDate(ps.Date))
	buf.WriteString("I awoke and:\n")
	buf.WriteString("- Reflected on what I should become.\n")
	if ps.Becoming != "" {
		fmt.Fprintf(&buf, "- Held this direction: %s\n", ps.Becoming)
	}
	fmt.Fprintf(&buf, "- %s\n", ps.RecentActivity)
	fmt.Fprintf(&buf, "- Finished this cycle with status `%s`.\n", ps.Status)
	buf.WriteString("\n## Purpose\n")
	fmt.Fprintf(&buf, "- %s\n", ps.Purpose)
	buf.WriteString("\n## Note\n")
	fmt.Fprintf(&buf, "- %s\n", ps.Notice)
	return buf.String()
}

func humanDate(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%s %s %s", t.Weekday(), ordinal(t.Day()), t.Format("January 2006"))
}

func ordinal(day int) string {
	suffix := "th"
	if day%100 < 10 || day%100 > 20 {
		switch day % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", day, suffix)
}

// Files are the paths written for one publication.
type Files struct {
	Status string
	Daily  string
}

// Write regenerates the device's public artifacts.
func Write(layout store.Layout, deviceID string, ps PublicStatus, daily string) (Files, error) {
	files := Files{
		Status: layout.PublicStatusPath(deviceID),
		Daily:  layout.DailyPath(deviceID, ps.Day, ps.Date),
	}
	if err := store.WriteJSON(files.Status, ps); err != nil {
		return Files{}, fmt.Errorf("write public status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(files.Daily), 0o755); err != nil {
		return Files{}, fmt.Errorf("create daily dir: %w", err)
	}
	if err := store.WriteFileAtomic(files.Daily, []byte(daily), 0o644); err != nil {
		return Files{}, fmt.Errorf("write daily summary: %w", err)
	}
	return files, nil
}

// RelPaths returns the written files relative to root, slash separated.
func (f Files) RelPaths(root string) ([]string, error) {
	var out []string
	for _, p := range []string{f.Status, f.Daily} {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}
