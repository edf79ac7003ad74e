package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

const namespace = "wdib"

// Recorder collects per-tick metrics. A nil *Recorder discards everything.
type Recorder struct {
	reg           *prom.Registry
	stageDuration *prom.HistogramVec
	tickOutcomes  *prom.CounterVec
	lastTick      *prom.GaugeVec
	day           prom.Gauge
	hardware      *prom.GaugeVec
	tasks         *prom.GaugeVec
	incidentsOpen prom.Gauge
	pushFailures  prom.Counter
}

// New registers the tick metrics on reg, or on a private registry when reg is nil.
func New(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{reg: reg}
	r.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of tick stages",
		Buckets:   prom.DefBuckets,
	}, []string{"stage"})
	r.tickOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tick_outcomes_total",
		Help:      "Tick outcomes observed by this process",
	}, []string{"outcome"})
	r.lastTick = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "last_tick_timestamp_seconds",
		Help:      "Unix time of the last tick by outcome",
	}, []string{"outcome"})
	r.day = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "day",
		Help:      "Completed cycles of the device",
	})
	r.hardware = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "hardware_requests",
		Help:      "Hardware requests by status",
	}, []string{"status"})
	r.tasks = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks",
		Help:      "Tasks by status",
	}, []string{"status"})
	r.incidentsOpen = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "incidents_unresolved",
		Help:      "Incidents that are not RESOLVED",
	})
	r.pushFailures = prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "publication_push_failures_total",
		Help:      "Failed publication pushes",
	})
	reg.MustRegister(r.stageDuration, r.tickOutcomes, r.lastTick, r.day, r.hardware, r.tasks, r.incidentsOpen, r.pushFailures)
	return r
}

func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Recorder) Outcome(outcome string, at time.Time) {
	if r == nil {
		return
	}
	r.tickOutcomes.WithLabelValues(outcome).Inc()
	r.lastTick.WithLabelValues(outcome).Set(float64(at.Unix()))
}

func (r *Recorder) PushFailed() {
	if r == nil {
		return
	}
	r.pushFailures.Inc()
}

// State sets the gauges describing st.
func (r *Recorder) State(st domain.DeviceState) {
	if r == nil {
		return
	}
	r.day.Set(float64(st.Day))
	for _, s := range []domain.HardwareStatus{domain.HardwareOpen, domain.HardwareDetected, domain.HardwareVerified, domain.HardwareFailed} {
		r.hardware.WithLabelValues(string(s)).Set(0)
	}
	for _, hr := range st.HardwareRequests {
		r.hardware.WithLabelValues(string(hr.Status)).Inc()
	}
	for _, s := range []domain.TaskStatus{domain.TaskTodo, domain.TaskInProgress, domain.TaskDone, domain.TaskBlocked} {
		r.tasks.WithLabelValues(string(s)).Set(0)
	}
	for _, t := range st.Tasks {
		r.tasks.WithLabelValues(string(t.Status)).Inc()
	}
	open := 0
	for _, inc := range st.Incidents {
		if inc.Unresolved() {
			open++
		}
	}
	r.incidentsOpen.Set(float64(open))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := prom.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
