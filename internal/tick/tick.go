package tick

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/gitpub"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
	"github.com/LucPettett/what-do-i-become/internal/inbox"
	"github.com/LucPettett/what-do-i-become/internal/logfields"
	"github.com/LucPettett/what-do-i-become/internal/metrics"
	"github.com/LucPettett/what-do-i-become/internal/planner"
	"github.com/LucPettett/what-do-i-become/internal/publication"
	"github.com/LucPettett/what-do-i-become/internal/reducer"
	"github.com/LucPettett/what-do-i-become/internal/retry"
	"github.com/LucPettett/what-do-i-become/internal/store"
	"github.com/LucPettett/what-do-i-become/internal/worker"
)

type Stage string

const (
	StageLoaded         Stage = "LOADED"
	StageProbed         Stage = "PROBED"
	StagePlanned        Stage = "PLANNED"
	StageAwaitingWorker Stage = "AWAITING_WORKER"
	StageReduced        Stage = "REDUCED"
	StagePersisted      Stage = "PERSISTED"
	StagePublished      Stage = "PUBLISHED"
	StageDone           Stage = "DONE"
	StageAborted        Stage = "ABORTED"
)

// Tick outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeDeferred   = "deferred"
	OutcomeTerminated = "terminated"
	OutcomeDuplicate  = "duplicate"
	OutcomeAborted    = "aborted"
	OutcomeFatal      = "fatal"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitContract = 2
	ExitWorker   = 3
	ExitFatal    = 4
)

const interruptedReason = "interrupted"

// FatalError aborts a tick without recording an incident: the store itself
// could not be read, written or locked.
type FatalError struct {
	Stage Stage
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal at %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExitCode maps a Run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cv *contract.ContractViolation
	if errors.As(err, &cv) {
		return ExitContract
	}
	var te *worker.TimeoutError
	var ce *worker.CrashError
	if errors.As(err, &te) || errors.As(err, &ce) {
		return ExitWorker
	}
	return ExitFatal
}

// Worker runs the external execution agent.
type Worker interface {
	Run(ctx context.Context, job worker.Job) (worker.Outcome, error)
}

// Publisher commits and pushes the public subtree.
type Publisher interface {
	Publish(ctx context.Context, req gitpub.Request) (gitpub.Result, error)
}

// Report describes how a tick ended.
type Report struct {
	DeviceID    string          `json:"device_id"`
	CycleID     string          `json:"cycle_id,omitempty"`
	Outcome     string          `json:"outcome"`
	Stage       Stage           `json:"stage"`
	Day         int             `json:"day"`
	Status      string          `json:"status,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Recovered   string          `json:"recovered_cycle,omitempty"`
	Files       []string        `json:"files,omitempty"`
	Publication *gitpub.Result  `json:"publication,omitempty"`
	PushError   string          `json:"push_error,omitempty"`
	Deferred    *DeferredReport `json:"deferred,omitempty"`
}

type DeferredReport struct {
	IncidentID  string `json:"incident_id"`
	NextRetryOn string `json:"next_retry_on"`
}

// Ticker runs cycles for one device.
type Ticker struct {
	DeviceID    string
	Store       store.Store
	Validator   *contract.Validator
	Probe       hardware.Probe
	Worker      Worker
	Publisher   Publisher
	MissionFile string
	ContextRefs []string
	Retry       retry.Policy
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

func (t *Ticker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Ticker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Ticker) layout() store.Layout { return t.Store.Layout }

func (t *Ticker) eventLog() events.Log {
	return events.Log{Path: t.layout().EventsPath(t.DeviceID), Now: t.Now}
}

func (t *Ticker) inbox() inbox.Inbox {
	return inbox.Inbox{Path: t.layout().HumanMessagePath(t.DeviceID), Now: t.Now}
}

var tracer = otel.Tracer("github.com/LucPettett/what-do-i-become/internal/tick")

// cycle carries the working data of one tick between stages.
type cycle struct {
	rep     Report
	now     time.Time
	log     events.Log
	ledger  events.Ledger
	state   domain.DeviceState
	overlay domain.DeviceState
	msg     inbox.Message
	term    bool
	mission string
	ref     string
	probe   hardware.Outcome
	order   domain.WorkOrder
}

// Run executes one cycle. The returned error, if any, determines the exit
// code through ExitCode; the Report is always filled.
func (t *Ticker) Run(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "tick", trace.WithAttributes(attribute.String("device.id", t.DeviceID)))
	defer span.End()

	c := &cycle{rep: Report{DeviceID: t.DeviceID}, now: t.now().UTC(), log: t.eventLog()}
	rep, err := t.run(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, rep.Outcome)
	}
	span.SetAttributes(attribute.String("tick.outcome", rep.Outcome), attribute.String("tick.stage", string(rep.Stage)))
	t.Metrics.Outcome(rep.Outcome, c.now)
	if werr := t.Metrics.WriteTextfile(t.layout().MetricsPath(t.DeviceID)); werr != nil {
		t.logger().Warn("write metrics", logfields.Device(t.DeviceID), logfields.Error(werr))
	}
	return rep, err
}

func (t *Ticker) run(ctx context.Context, c *cycle) (Report, error) {
	lg := t.logger().With(logfields.Device(t.DeviceID))
	if err := t.layout().Ensure(t.DeviceID); err != nil {
		return t.fatal(c, StageLoaded, err)
	}
	lock, err := t.Store.Lock(t.DeviceID)
	if err != nil {
		return t.fatal(c, StageLoaded, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			lg.Warn("release lock", logfields.Error(err))
		}
	}()

	if err := t.load(ctx, c); err != nil {
		return t.fatal(c, StageLoaded, err)
	}
	c.rep.Day = c.state.Day
	c.rep.Status = c.state.Status

	msg, err := t.inbox().Peek()
	if err != nil {
		return t.fatal(c, StageLoaded, err)
	}
	c.msg = msg
	c.term = inbox.IsTerminate(msg.Text)

	if c.state.Status == domain.DeviceTerminated && msg.Empty() {
		lg.Info("device terminated; waiting for a new instruction")
		c.rep.Outcome, c.rep.Stage = OutcomeTerminated, StageLoaded
		return c.rep, nil
	}
	// A queued human instruction is acted on regardless of backoff.
	if inc, ok := deferral(c.overlay, c.now); ok && msg.Empty() {
		lg.Info("cycle deferred", logfields.Incident(inc.ID), slog.String("next_retry_on", inc.NextRetryOn))
		c.rep.Outcome, c.rep.Stage = OutcomeDeferred, StageLoaded
		c.rep.Deferred = &DeferredReport{IncidentID: inc.ID, NextRetryOn: inc.NextRetryOn}
		return c.rep, nil
	}

	c.rep.CycleID = planner.NextCycleID(c.ledger, c.now)
	lg = lg.With(logfields.Cycle(c.rep.CycleID))
	mission, err := readMission(t.MissionFile)
	if err != nil {
		return t.fatal(c, StageLoaded, err)
	}
	c.mission, c.ref = mission, MissionRef(mission)

	t.stage(ctx, c, StageProbed, func(ctx context.Context) error {
		c.probe = t.Probe.Run(ctx, c.overlay, c.rep.CycleID, c.now)
		if n := c.probe.Transitions(); n > 0 {
			lg.Info("hardware advanced", slog.Int("transitions", n))
		}
		return nil
	})

	if err := t.stage(ctx, c, StagePlanned, func(ctx context.Context) error { return t.plan(c) }); err != nil {
		return t.abortOrFatal(c, StagePlanned, err)
	}

	var result domain.WorkerResult
	err = t.stage(ctx, c, StageAwaitingWorker, func(ctx context.Context) error {
		var err error
		result, err = t.work(ctx, c)
		return err
	})
	if err != nil {
		return t.abortOrFatal(c, StageAwaitingWorker, err)
	}

	var (
		next domain.DeviceState
		evts []domain.Event
	)
	err = t.stage(ctx, c, StageReduced, func(ctx context.Context) error {
		var err error
		next, evts, err = reducer.Reduce(reducer.Input{
			Prior:      c.state,
			Probe:      c.probe,
			Result:     result,
			Order:      c.order,
			Ledger:     c.ledger,
			MissionRef: c.ref,
			Terminate:  c.term,
			Retry:      t.Retry,
			Now:        c.now,
		})
		return err
	})
	if err != nil {
		return t.abortOrFatal(c, StageReduced, err)
	}
	if len(evts) == 1 && evts[0].Type == domain.EventDuplicateCycleIgnored {
		if err := c.log.AppendBatch(evts); err != nil {
			return t.fatal(c, StageReduced, err)
		}
		c.rep.Outcome, c.rep.Stage = OutcomeDuplicate, StageReduced
		return c.rep, nil
	}

	err = t.stage(ctx, c, StagePersisted, func(ctx context.Context) error {
		// Write-ahead: once the batch is durable the cycle counts as applied,
		// and a failed save is repaired by the next tick's recovery.
		if err := c.log.AppendBatch(evts); err != nil {
			return err
		}
		return t.Store.Save(t.DeviceID, next)
	})
	if err != nil {
		return t.fatal(c, StagePersisted, err)
	}
	c.rep.Day, c.rep.Status = next.Day, next.Status
	if !c.msg.Empty() {
		if err := t.inbox().Clear(c.msg); err != nil {
			lg.Warn("clear human instruction", logfields.Error(err))
		}
	}
	for _, e := range evts {
		lg.Debug("event", logfields.EventType(e.Type))
	}

	err = t.stage(ctx, c, StagePublished, func(ctx context.Context) error { return t.publish(ctx, c, next) })
	if err != nil {
		return t.fatal(c, StagePublished, err)
	}

	t.Metrics.State(next)
	c.rep.Outcome, c.rep.Stage = OutcomeOK, StageDone
	lg.Info("cycle complete", slog.Int("day", next.Day), slog.String("status", next.Status))
	return c.rep, nil
}

// stage runs fn inside a span and records its duration.
func (t *Ticker) stage(ctx context.Context, c *cycle, s Stage, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "tick."+string(s))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	t.Metrics.ObserveStage(string(s), time.Since(start))
	t.logger().Debug("stage", logfields.Device(t.DeviceID), logfields.Cycle(c.rep.CycleID), logfields.Stage(string(s)),
		logfields.DurationMS(float64(time.Since(start).Microseconds())/1000), logfields.Error(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.rep.Stage = s
	return nil
}

// load recovers the store and builds the planning view of the device.
func (t *Ticker) load(ctx context.Context, c *cycle) error {
	_, span := tracer.Start(ctx, "tick.recover")
	defer span.End()

	res, err := c.log.ReadAll()
	if err != nil {
		return err
	}
	if res.Skipped > 0 {
		t.logger().Warn("skipped unreadable event log lines", logfields.Device(t.DeviceID), slog.Int("lines", res.Skipped))
	}
	st, err := t.Store.Load(t.DeviceID)
	if err != nil {
		return err
	}
	ledger := events.BuildLedger(res.Events)

	if last := ledger.LastApplied(); last != "" && last != st.LastCycleID {
		st, err = t.replay(res.Events, st, last)
		if err != nil {
			return fmt.Errorf("recover cycle %s: %w", last, err)
		}
		if err := t.Store.Save(t.DeviceID, st); err != nil {
			return err
		}
		evt := events.New(c.now.Format(time.RFC3339), last, domain.EventStateRecovered, map[string]any{"day": st.Day})
		if err := c.log.Append(evt); err != nil {
			return err
		}
		c.rep.Recovered = last
		t.logger().Warn("state recovered from event log", logfields.Device(t.DeviceID), logfields.Cycle(last), slog.Int("day", st.Day))
	}
	if id := ledger.Interrupted(); id != "" {
		evt := events.CycleAborted(c.now.Format(time.RFC3339), id, "", interruptedReason)
		if err := c.log.Append(evt); err != nil {
			return err
		}
		res.Events = append(res.Events, evt)
		ledger = events.BuildLedger(res.Events)
		t.logger().Warn("interrupted cycle closed", logfields.Device(t.DeviceID), logfields.Cycle(id))
	}

	c.state = st
	c.ledger = ledger
	c.overlay = st.Clone()
	for _, inc := range ledger.Pending() {
		c.overlay.UpsertIncident(inc)
	}
	return nil
}

// replay repeats the reduction of an applied cycle whose state was never
// saved, using the work order and result files it left behind.
func (t *Ticker) replay(all []domain.Event, prior domain.DeviceState, cycleID string) (domain.DeviceState, error) {
	applied := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].CycleID == cycleID && all[i].Type == domain.EventCycleApplied {
			applied = i
			break
		}
	}
	if applied < 0 {
		return prior, fmt.Errorf("no cycle_applied event")
	}
	start := applied
	for start > 0 {
		prev := all[start-1]
		if prev.CycleID != cycleID || prev.Type == domain.EventWorkOrderIssued || prev.Type == domain.EventCycleStarted {
			break
		}
		start--
	}
	payload, at, err := reducer.DecodeApplied(all[applied])
	if err != nil {
		return prior, err
	}
	raw, err := os.ReadFile(t.layout().WorkOrderPath(t.DeviceID, cycleID))
	if err != nil {
		return prior, fmt.Errorf("read work order: %w", err)
	}
	order, err := t.Validator.DecodeWorkOrder(raw)
	if err != nil {
		return prior, err
	}
	var result domain.WorkerResult
	if payload.Terminate {
		result = reducer.TerminationResult(order, prior)
	} else {
		raw, err := os.ReadFile(t.layout().WorkerResultPath(t.DeviceID, cycleID))
		if err != nil {
			return prior, fmt.Errorf("read worker result: %w", err)
		}
		if result, err = t.Validator.DecodeWorkerResult(raw); err != nil {
			return prior, err
		}
	}
	next, _, err := reducer.Reduce(reducer.Input{
		Prior:      prior,
		Probe:      payload.Probe,
		Result:     result,
		Order:      order,
		Ledger:     events.BuildLedger(all[:start]),
		MissionRef: payload.MissionRef,
		Terminate:  payload.Terminate,
		Retry:      t.Retry,
		Now:        at,
	})
	if err != nil {
		return prior, err
	}
	if next.Day != payload.Day {
		return prior, fmt.Errorf("replayed day %d does not match logged day %d", next.Day, payload.Day)
	}
	return next, nil
}

// plan issues and validates the work order, then opens the cycle in the log.
func (t *Ticker) plan(c *cycle) error {
	resultPath := t.layout().WorkerResultPath(t.DeviceID, c.rep.CycleID)
	order, err := planner.Plan(planner.Input{
		State:       c.overlay,
		Mission:     c.mission,
		Instruction: c.msg.Text,
		Terminate:   c.term,
		CycleID:     c.rep.CycleID,
		ResultPath:  resultPath,
		ContextRefs: t.ContextRefs,
		Now:         c.now,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if c.order, err = t.Validator.DecodeWorkOrder(raw); err != nil {
		return err
	}
	path := t.layout().WorkOrderPath(t.DeviceID, c.rep.CycleID)
	if err := store.WriteJSON(path, c.order); err != nil {
		return &FatalError{Stage: StagePlanned, Err: err}
	}
	ts := c.now.Format(time.RFC3339)
	err = c.log.AppendBatch([]domain.Event{
		events.New(ts, c.rep.CycleID, domain.EventCycleStarted, map[string]any{"day": c.state.Day + 1}),
		events.New(ts, c.rep.CycleID, domain.EventWorkOrderIssued, map[string]any{
			"objective":     c.order.Objective,
			"focus_task_id": c.order.FocusTaskID,
			"terminate":     c.term,
		}),
	})
	if err != nil {
		return &FatalError{Stage: StagePlanned, Err: err}
	}
	return nil
}

// work obtains the validated worker result for the cycle.
func (t *Ticker) work(ctx context.Context, c *cycle) (domain.WorkerResult, error) {
	if c.term {
		return reducer.TerminationResult(c.order, c.state), nil
	}
	if t.Worker == nil {
		return domain.WorkerResult{}, &worker.CrashError{Reason: "no worker configured"}
	}
	out, err := t.Worker.Run(ctx, worker.Job{
		CycleID:       c.rep.CycleID,
		WorkOrderPath: t.layout().WorkOrderPath(t.DeviceID, c.rep.CycleID),
		ResultPath:    c.order.ResultPath,
	})
	if err != nil {
		return domain.WorkerResult{}, err
	}
	t.logger().Info("worker finished", logfields.Device(t.DeviceID), logfields.Cycle(c.rep.CycleID),
		logfields.DurationMS(float64(out.Duration.Milliseconds())))
	return t.Validator.DecodeWorkerResult(out.Result)
}

// publish regenerates the public files and hands them to git. Git failures
// are recorded as incidents, never returned.
func (t *Ticker) publish(ctx context.Context, c *cycle, next domain.DeviceState) error {
	ps, daily := publication.Builder{Mission: c.mission}.Build(next)
	files, err := publication.Write(t.layout(), t.DeviceID, ps, daily)
	if err != nil {
		return err
	}
	if rel, err := files.RelPaths(t.layout().Root); err == nil {
		c.rep.Files = rel
	}
	if t.Publisher == nil {
		return nil
	}

	res, err := t.Publisher.Publish(ctx, gitpub.Request{
		Subtree: t.layout().PublicSubtree(t.DeviceID),
		Message: gitpub.CommitMessage(t.DeviceID, next.Day, ps.Status),
	})
	c.rep.Publication = &res
	ts := c.now.Format(time.RFC3339)
	view := next.Clone()
	var evts []domain.Event
	if res.Committed {
		evts = append(evts, events.New(ts, c.rep.CycleID, domain.EventPublicationCommitted, map[string]any{"commit": res.Commit}))
	}
	if err != nil {
		t.Metrics.PushFailed()
		c.rep.PushError = err.Error()
		t.logger().Warn("publication not pushed", logfields.Device(t.DeviceID), logfields.Cycle(c.rep.CycleID), logfields.Error(err))
		inc := openIncident(view, domain.IncidentPushFailure, domain.SubjectPublication, c.rep.CycleID, "Publication could not be pushed; it is retried next cycle.", t.Retry, c.now)
		evts = append(evts,
			events.New(ts, c.rep.CycleID, domain.EventPublicationPushFailed, map[string]any{"error": err.Error(), "backlog": res.Backlog}),
			events.IncidentRecorded(ts, c.rep.CycleID, inc, true),
		)
	} else if res.Pushed {
		evts = append(evts, events.New(ts, c.rep.CycleID, domain.EventPublicationPushed, map[string]any{
			"commit": res.Commit, "reconciled": res.Reconciled, "backlog": res.Backlog,
		}))
		if inc, ok := view.OpenIncident(domain.IncidentPushFailure, domain.SubjectPublication); ok {
			inc.Status = domain.IncidentResolved
			inc.NextRetryOn = ""
			inc.UpdatedOn = ts
			evts = append(evts, events.IncidentRecorded(ts, c.rep.CycleID, inc, true))
		}
	}
	if err := c.log.AppendBatch(evts); err != nil {
		return err
	}
	return nil
}

// abortOrFatal closes the cycle after a stage failure. Contract and worker
// failures become a pending incident; anything else is fatal.
func (t *Ticker) abortOrFatal(c *cycle, s Stage, cause error) (Report, error) {
	var fe *FatalError
	if errors.As(cause, &fe) {
		return t.fatal(c, fe.Stage, fe.Err)
	}
	kind, summary := classify(cause)
	if kind == "" {
		return t.fatal(c, s, cause)
	}
	ts := c.now.Format(time.RFC3339)
	inc := openIncident(c.overlay, kind, domain.SubjectCycle, c.rep.CycleID, summary, t.Retry, c.now)
	batch := []domain.Event{
		events.CycleAborted(ts, c.rep.CycleID, string(s), kind),
		events.IncidentRecorded(ts, c.rep.CycleID, inc, true),
	}
	// Probe incidents would otherwise be lost with the aborted reduction.
	for _, pi := range c.probe.Incidents {
		batch = append(batch, events.IncidentRecorded(ts, c.rep.CycleID, pi, true))
	}
	if err := c.log.AppendBatch(batch); err != nil {
		return t.fatal(c, s, err)
	}
	t.logger().Warn("cycle aborted", logfields.Device(t.DeviceID), logfields.Cycle(c.rep.CycleID), logfields.Stage(string(s)),
		logfields.Incident(inc.ID), logfields.Error(cause))
	c.rep.Outcome, c.rep.Stage, c.rep.Reason = OutcomeAborted, StageAborted, kind
	return c.rep, cause
}

func (t *Ticker) fatal(c *cycle, s Stage, err error) (Report, error) {
	t.logger().Error("tick failed", logfields.Device(t.DeviceID), logfields.Cycle(c.rep.CycleID), logfields.Stage(string(s)), logfields.Error(err))
	c.rep.Outcome, c.rep.Stage = OutcomeFatal, StageAborted
	if errors.Is(err, store.ErrLocked) {
		c.rep.Reason = "locked"
	} else {
		c.rep.Reason = string(s)
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return c.rep, err
	}
	return c.rep, &FatalError{Stage: s, Err: err}
}

// classify names the incident kind for a non-fatal stage failure.
func classify(err error) (kind, summary string) {
	var cv *contract.ContractViolation
	var te *worker.TimeoutError
	var ce *worker.CrashError
	switch {
	case errors.As(err, &cv):
		return domain.IncidentContractViolation, cv.Error()
	case errors.As(err, &te):
		return domain.IncidentWorkerTimeout, te.Error()
	case errors.As(err, &ce):
		return domain.IncidentWorkerCrash, ce.Error()
	}
	return "", ""
}

// openIncident reopens or creates the incident of kind about subject and
// schedules its next retry.
func openIncident(st domain.DeviceState, kind, subject, cycleID, summary string, policy retry.Policy, now time.Time) domain.Incident {
	ts := now.UTC().Format(time.RFC3339)
	inc, ok := st.OpenIncident(kind, subject)
	if !ok {
		inc = domain.Incident{
			ID:        domain.DeriveID("inc", kind+":"+cycleID),
			Kind:      kind,
			Subject:   subject,
			Retryable: true,
			OpenedOn:  ts,
		}
	}
	if policy.Validate() != nil {
		policy = retry.DefaultPolicy()
	}
	inc.Status = domain.IncidentOpen
	inc.Summary = summary
	inc.RetryCount++
	inc.NextRetryOn = policy.NextRetryOn(now, inc.RetryCount)
	inc.UpdatedOn = ts
	return inc
}

// deferral returns the cycle incident whose retry time has not come yet.
func deferral(st domain.DeviceState, now time.Time) (domain.Incident, bool) {
	for _, inc := range st.Incidents {
		if inc.Subject == domain.SubjectCycle && inc.Retryable && inc.Unresolved() && !retry.Due(inc.NextRetryOn, now) {
			return inc, true
		}
	}
	return domain.Incident{}, false
}

func readMission(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read mission: %w", err)
	}
	return string(data), nil
}

// MissionRef identifies mission text as sha256:<hex>. Empty text has no ref.
func MissionRef(mission string) string {
	if strings.TrimSpace(mission) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(mission))
	return "sha256:" + hex.EncodeToString(sum[:])
}
