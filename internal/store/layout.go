package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the per-device directory tree under a repository root.
type Layout struct {
	Root string
}

func (l Layout) root() string {
	if l.Root == "" {
		return "."
	}
	return l.Root
}

func (l Layout) DeviceDir(deviceID string) string {
	return filepath.Join(l.root(), "devices", deviceID)
}

func (l Layout) StatePath(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), "state.json")
}

func (l Layout) EventsPath(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), "events.ndjson")
}

func (l Layout) LockPath(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), ".lock")
}

func (l Layout) RuntimeDir(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), "runtime")
}

func (l Layout) WorkOrderPath(deviceID, cycleID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "work_orders", cycleID+".json")
}

func (l Layout) WorkerResultPath(deviceID, cycleID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "worker_results", cycleID+".json")
}

func (l Layout) HumanMessagePath(deviceID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "human_message.txt")
}

func (l Layout) EvidencePath(deviceID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "evidence.json")
}

func (l Layout) MetricsPath(deviceID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "metrics.prom")
}

func (l Layout) AuditDBPath(deviceID string) string {
	return filepath.Join(l.RuntimeDir(deviceID), "audit.db")
}

func (l Layout) PublicDir(deviceID string) string {
	return filepath.Join(l.DeviceDir(deviceID), "public")
}

func (l Layout) PublicStatusPath(deviceID string) string {
	return filepath.Join(l.PublicDir(deviceID), "status.json")
}

// DailyPath names the summary for one day, e.g. public/daily/day_007_2026-03-01.md.
func (l Layout) DailyPath(deviceID string, day int, date string) string {
	return filepath.Join(l.PublicDir(deviceID), "daily", fmt.Sprintf("day_%03d_%s.md", day, date))
}

// PublicSubtree is the public directory relative to the root, slash separated.
func (l Layout) PublicSubtree(deviceID string) string {
	return "devices/" + deviceID + "/public"
}

// Ensure creates the device directory tree.
func (l Layout) Ensure(deviceID string) error {
	for _, dir := range []string{
		filepath.Join(l.RuntimeDir(deviceID), "work_orders"),
		filepath.Join(l.RuntimeDir(deviceID), "worker_results"),
		filepath.Join(l.PublicDir(deviceID), "daily"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
