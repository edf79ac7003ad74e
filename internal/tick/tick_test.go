package tick

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/gitpub"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
	"github.com/LucPettett/what-do-i-become/internal/inbox"
	"github.com/LucPettett/what-do-i-become/internal/metrics"
	"github.com/LucPettett/what-do-i-become/internal/retry"
	"github.com/LucPettett/what-do-i-become/internal/store"
	"github.com/LucPettett/what-do-i-become/internal/worker"
)

const deviceID = "dev-1"

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeWorker struct {
	calls int
	fn    func(job worker.Job) (worker.Outcome, error)
}

func (f *fakeWorker) Run(_ context.Context, job worker.Job) (worker.Outcome, error) {
	f.calls++
	return f.fn(job)
}

func baseResult(cycleID string) domain.WorkerResult {
	return domain.WorkerResult{
		SchemaVersion:            domain.SchemaVersion,
		CycleID:                  cycleID,
		Status:                   domain.WorkerCompleted,
		ProposedTasks:            []domain.TaskProposal{{Title: "Map the garden beds", Status: domain.TaskTodo}},
		ProposedHardwareRequests: []domain.HardwareProposal{},
		ProposedIncidents:        []domain.IncidentProposal{},
		Artifacts:                []domain.ArtifactProposal{},
		Narrative:                domain.Narrative{Becoming: "a garden keeper", Summary: "Surveyed the garden."},
	}
}

// completing writes a valid result the way an external worker would.
func completing(mutate func(*domain.WorkerResult)) *fakeWorker {
	return &fakeWorker{fn: func(job worker.Job) (worker.Outcome, error) {
		res := baseResult(job.CycleID)
		if mutate != nil {
			mutate(&res)
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return worker.Outcome{}, err
		}
		if err := os.WriteFile(job.ResultPath, raw, 0o644); err != nil {
			return worker.Outcome{}, err
		}
		return worker.Outcome{Result: raw}, nil
	}}
}

func failing(err error) *fakeWorker {
	return &fakeWorker{fn: func(worker.Job) (worker.Outcome, error) { return worker.Outcome{}, err }}
}

type fakePublisher struct {
	reqs []gitpub.Request
	res  gitpub.Result
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, req gitpub.Request) (gitpub.Result, error) {
	p.reqs = append(p.reqs, req)
	return p.res, p.err
}

type testEnv struct {
	root   string
	clock  *testClock
	ticker *Ticker
}

func newTestEnv(t *testing.T, w Worker) *testEnv {
	t.Helper()
	root := t.TempDir()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	v, err := contract.NewValidator()
	require.NoError(t, err)
	st := store.New(root)
	mission := filepath.Join(root, "mission.md")
	require.NoError(t, os.WriteFile(mission, []byte("# Mission\n\nKeep the greenhouse alive through winter.\n"), 0o644))
	return &testEnv{
		root:  root,
		clock: clock,
		ticker: &Ticker{
			DeviceID:  deviceID,
			Store:     st,
			Validator: v,
			Probe: hardware.Probe{
				Source:      hardware.FileSource{Path: st.Layout.EvidencePath(deviceID)},
				Verifier:    hardware.ReportVerifier{},
				MaxAttempts: 6,
				Retry:       retry.DefaultPolicy(),
			},
			Worker:      w,
			MissionFile: mission,
			Retry:       retry.DefaultPolicy(),
			Metrics:     metrics.New(nil),
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now:         clock.now,
		},
	}
}

func (e *testEnv) state(t *testing.T) domain.DeviceState {
	t.Helper()
	st, err := e.ticker.Store.Load(deviceID)
	require.NoError(t, err)
	return st
}

func (e *testEnv) events(t *testing.T) []domain.Event {
	t.Helper()
	res, err := e.ticker.eventLog().ReadAll()
	require.NoError(t, err)
	return res.Events
}

func (e *testEnv) tick(t *testing.T) (Report, error) {
	t.Helper()
	rep, err := e.ticker.Run(context.Background())
	e.clock.advance(time.Hour)
	return rep, err
}

func eventTypes(evts []domain.Event) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func indexOfType(evts []domain.Event, typ string) int {
	for i, e := range evts {
		if e.Type == typ {
			return i
		}
	}
	return -1
}

func (e *testEnv) publicStatus(t *testing.T) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(e.ticker.Store.Layout.PublicStatusPath(deviceID))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func countType(evts []domain.Event, typ string) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestFullCycleCommitsOnlyPublicSubtree(t *testing.T) {
	env := newTestEnv(t, completing(nil))
	repo, err := git.PlainInit(env.root, false)
	require.NoError(t, err)
	env.ticker.Publisher = gitpub.Publisher{
		RepoDir:     env.root,
		Branch:      "master",
		AuthorName:  "wdib",
		AuthorEmail: "wdib@localhost",
		PushTimeout: 10 * time.Second,
		Now:         env.clock.now,
	}

	rep, err := env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, rep.Outcome)
	assert.Equal(t, StageDone, rep.Stage)
	assert.Equal(t, 1, rep.Day)
	assert.Equal(t, ExitOK, ExitCode(err))
	require.NotNil(t, rep.Publication)
	assert.True(t, rep.Publication.Committed)
	assert.True(t, rep.Publication.NoRemote)

	st := env.state(t)
	assert.Equal(t, 1, st.Day)
	assert.Equal(t, "2026-03-01", st.AwokeOn)
	assert.Equal(t, "a garden keeper", st.Becoming)
	assert.Equal(t, rep.CycleID, st.LastCycleID)
	assert.True(t, strings.HasPrefix(st.MissionRef, "sha256:"))
	require.Len(t, st.Tasks, 1)

	evts := env.events(t)
	assert.Equal(t, 1, countType(evts, domain.EventCycleApplied))
	assert.Equal(t, 1, countType(evts, domain.EventPublicationCommitted))
	for _, e := range evts {
		assert.Equal(t, rep.CycleID, e.CycleID)
	}
	// Start record, one reduction batch ending in cycle_applied, then publication.
	assert.Equal(t, []string{domain.EventCycleStarted, domain.EventWorkOrderIssued}, eventTypes(evts[:2]))
	reduction := evts[2:]
	applied := indexOfType(reduction, domain.EventCycleApplied)
	require.GreaterOrEqual(t, applied, 0)
	assert.Contains(t, eventTypes(reduction[:applied]), domain.EventTaskCreated)
	assert.Equal(t, []string{domain.EventPublicationCommitted}, eventTypes(reduction[applied+1:]))

	raw, err := os.ReadFile(env.ticker.Store.Layout.PublicStatusPath(deviceID))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"day": 1`)
	_, err = os.Stat(env.ticker.Store.Layout.WorkOrderPath(deviceID, rep.CycleID))
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "dev-1 day 001 - ACTIVE", commit.Message)
	files, err := commit.Files()
	require.NoError(t, err)
	var names []string
	require.NoError(t, files.ForEach(func(f *object.File) error {
		names = append(names, f.Name)
		return nil
	}))
	require.NotEmpty(t, names)
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "devices/dev-1/public/"), n)
	}

	rep, err = env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Day)
	seq1, _ := domain.CycleSeq(st.LastCycleID)
	seq2, _ := domain.CycleSeq(rep.CycleID)
	assert.Equal(t, seq1+1, seq2)
}

func TestWorkerTimeoutAbortsWithoutMutation(t *testing.T) {
	w := completing(nil)
	env := newTestEnv(t, w)
	_, err := env.tick(t)
	require.NoError(t, err)
	before, err := os.ReadFile(env.ticker.Store.Layout.StatePath(deviceID))
	require.NoError(t, err)

	env.ticker.Worker = failing(&worker.TimeoutError{Timeout: 45 * time.Minute})
	abortedAt := env.clock.t
	rep, err := env.tick(t)
	require.Error(t, err)
	assert.Equal(t, ExitWorker, ExitCode(err))
	assert.Equal(t, OutcomeAborted, rep.Outcome)
	assert.Equal(t, domain.IncidentWorkerTimeout, rep.Reason)
	aborted := rep.CycleID

	after, err := os.ReadFile(env.ticker.Store.Layout.StatePath(deviceID))
	require.NoError(t, err)
	assert.Equal(t, before, after, "state untouched")

	ledger := events.BuildLedger(env.events(t))
	pending := ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.IncidentWorkerTimeout, pending[0].Kind)
	assert.Equal(t, domain.SubjectCycle, pending[0].Subject)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, abortedAt.Add(15*time.Minute).Format(time.RFC3339), pending[0].NextRetryOn)

	// Inside the backoff window the tick is deferred.
	env.clock.t = abortedAt.Add(5 * time.Minute)
	rep, err = env.ticker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, rep.Outcome)
	require.NotNil(t, rep.Deferred)
	assert.Equal(t, pending[0].ID, rep.Deferred.IncidentID)

	env.clock.t = abortedAt.Add(20 * time.Minute)
	env.ticker.Worker = w
	rep, err = env.ticker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Day)
	assert.NotEqual(t, aborted, rep.CycleID)
	seqA, _ := domain.CycleSeq(aborted)
	seqB, _ := domain.CycleSeq(rep.CycleID)
	assert.Greater(t, seqB, seqA)

	// The recovering cycle publishes the incident before resolving it.
	st := env.state(t)
	i := st.IncidentIndex(pending[0].ID)
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, domain.IncidentOpen, st.Incidents[i].Status)
	assert.Equal(t, "BLOCKED", env.publicStatus(t)["status"])

	env.clock.t = abortedAt.Add(2 * time.Hour)
	_, err = env.tick(t)
	require.NoError(t, err)
	st = env.state(t)
	assert.Equal(t, domain.IncidentResolved, st.Incidents[st.IncidentIndex(pending[0].ID)].Status)
	assert.Equal(t, "ACTIVE", env.publicStatus(t)["status"])
}

func TestAbortedCycleShowsBlockedInNextPublication(t *testing.T) {
	w := completing(nil)
	env := newTestEnv(t, w)
	_, err := env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", env.publicStatus(t)["status"])

	env.ticker.Worker = &fakeWorker{fn: func(job worker.Job) (worker.Outcome, error) {
		res := baseResult(job.CycleID)
		raw, err := json.Marshal(res)
		if err != nil {
			return worker.Outcome{}, err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return worker.Outcome{}, err
		}
		delete(doc, "narrative")
		raw, err = json.Marshal(doc)
		return worker.Outcome{Result: raw}, err
	}}
	_, err = env.tick(t)
	assert.Equal(t, ExitContract, ExitCode(err))
	assert.Equal(t, "ACTIVE", env.publicStatus(t)["status"], "aborted cycles publish nothing")

	env.ticker.Worker = w
	rep, err := env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, rep.Outcome)
	status := env.publicStatus(t)
	assert.Equal(t, "BLOCKED", status["status"])
	assert.Contains(t, status["notice"], "blocked")
	assert.NotContains(t, status["recent_activity"], "narrative")

	rep, err = env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", env.publicStatus(t)["status"])
}

func TestContractViolationAbortsAndRecordsIncident(t *testing.T) {
	w := &fakeWorker{fn: func(job worker.Job) (worker.Outcome, error) {
		return worker.Outcome{Result: []byte(`{"schema_version":"1.0","cycle_id":"` + job.CycleID + `","status":"DONE-ISH"}`)}, nil
	}}
	env := newTestEnv(t, w)
	rep, err := env.tick(t)
	require.Error(t, err)
	assert.Equal(t, ExitContract, ExitCode(err))
	assert.Equal(t, domain.IncidentContractViolation, rep.Reason)
	assert.False(t, env.ticker.Store.Exists(deviceID))

	evts := env.events(t)
	assert.Equal(t, 1, countType(evts, domain.EventCycleAborted))
	assert.Zero(t, countType(evts, domain.EventCycleApplied))
	pending := events.BuildLedger(evts).Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Retryable)
	assert.Equal(t, domain.IncidentOpen, pending[0].Status)
}

func TestTransitionViolationAborts(t *testing.T) {
	env := newTestEnv(t, completing(func(r *domain.WorkerResult) {
		r.ProposedHardwareRequests = []domain.HardwareProposal{{PartName: "camera", Reason: "vision", Status: domain.HardwareVerified}}
	}))
	_, err := env.tick(t)
	assert.Equal(t, ExitContract, ExitCode(err))
	assert.False(t, env.ticker.Store.Exists(deviceID))
}

func TestRecoveryReplaysUnsavedCycle(t *testing.T) {
	env := newTestEnv(t, completing(nil))
	statePath := env.ticker.Store.Layout.StatePath(deviceID)

	_, err := env.tick(t)
	require.NoError(t, err)
	day1, err := os.ReadFile(statePath)
	require.NoError(t, err)

	rep2, err := env.tick(t)
	require.NoError(t, err)
	day2, err := os.ReadFile(statePath)
	require.NoError(t, err)

	// The event batch of cycle 2 is durable but its state save was lost.
	require.NoError(t, os.WriteFile(statePath, day1, 0o644))

	env.ticker.Worker = failing(&worker.CrashError{ExitCode: 1, Reason: "boom"})
	rep, err := env.tick(t)
	assert.Equal(t, ExitWorker, ExitCode(err))
	assert.Equal(t, rep2.CycleID, rep.Recovered)

	recovered, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.JSONEq(t, string(day2), string(recovered))
	assert.Equal(t, 1, countType(env.events(t), domain.EventStateRecovered))
}

func TestInterruptedCycleIsClosed(t *testing.T) {
	env := newTestEnv(t, completing(nil))
	stale := domain.FormatCycleID(1, env.clock.t.Add(-time.Hour))
	log := env.ticker.eventLog()
	require.NoError(t, log.Append(events.New("", stale, domain.EventCycleStarted, nil)))

	rep, err := env.tick(t)
	require.NoError(t, err)
	seq, _ := domain.CycleSeq(rep.CycleID)
	assert.Equal(t, 2, seq)

	var reason string
	for _, e := range env.events(t) {
		if e.Type == domain.EventCycleAborted && e.CycleID == stale {
			reason, _ = e.Payload["reason"].(string)
		}
	}
	assert.Equal(t, "interrupted", reason)
}

func TestTerminateInstruction(t *testing.T) {
	w := completing(nil)
	env := newTestEnv(t, w)
	in := inbox.Inbox{Path: env.ticker.Store.Layout.HumanMessagePath(deviceID), Now: env.clock.now}
	_, err := in.Enqueue("Please terminate and power down.")
	require.NoError(t, err)

	rep, err := env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceTerminated, rep.Status)
	assert.Zero(t, w.calls)
	msg, err := in.Peek()
	require.NoError(t, err)
	assert.True(t, msg.Empty())
	assert.Equal(t, 1, countType(env.events(t), domain.EventDeviceTerminated))

	n := len(env.events(t))
	rep, err = env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, rep.Outcome)
	assert.Len(t, env.events(t), n)

	_, err = in.Enqueue("Resume and check the heater.")
	require.NoError(t, err)
	rep, err = env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, rep.Outcome)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, domain.DeviceActive, env.state(t).Status)
}

func TestLockedDeviceIsFatal(t *testing.T) {
	env := newTestEnv(t, completing(nil))
	lock, err := env.ticker.Store.Lock(deviceID)
	require.NoError(t, err)
	defer lock.Unlock()

	rep, err := env.tick(t)
	require.ErrorIs(t, err, store.ErrLocked)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ExitFatal, ExitCode(err))
	assert.Equal(t, "locked", rep.Reason)
	assert.Empty(t, env.events(t))
}

func TestPushFailureIsNonFatal(t *testing.T) {
	pub := &fakePublisher{
		res: gitpub.Result{Committed: true, Commit: "abc123"},
		err: &gitpub.PushError{Remote: "origin", Branch: "main", Err: errors.New("connection refused")},
	}
	env := newTestEnv(t, completing(nil))
	env.ticker.Publisher = pub

	rep, err := env.tick(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, rep.Outcome)
	assert.NotEmpty(t, rep.PushError)
	require.Len(t, pub.reqs, 1)
	assert.Equal(t, "devices/dev-1/public", pub.reqs[0].Subtree)

	evts := env.events(t)
	assert.Equal(t, 1, countType(evts, domain.EventPublicationPushFailed))
	pending := events.BuildLedger(evts).Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.IncidentPushFailure, pending[0].Kind)

	pub.res, pub.err = gitpub.Result{Committed: true, Pushed: true, Backlog: true, Commit: "def456"}, nil
	rep, err = env.tick(t)
	require.NoError(t, err)
	st := env.state(t)
	i := st.IncidentIndex(pending[0].ID)
	require.GreaterOrEqual(t, i, 0, "push incident folded into state")

	pending = events.BuildLedger(env.events(t)).Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.IncidentResolved, pending[0].Status)
}

func TestMissionRef(t *testing.T) {
	assert.Empty(t, MissionRef("  \n"))
	ref := MissionRef("grow tomatoes")
	assert.True(t, strings.HasPrefix(ref, "sha256:"))
	assert.Len(t, ref, len("sha256:")+64)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitContract, ExitCode(&contract.ContractViolation{}))
	assert.Equal(t, ExitWorker, ExitCode(&worker.TimeoutError{}))
	assert.Equal(t, ExitWorker, ExitCode(&worker.CrashError{}))
	assert.Equal(t, ExitFatal, ExitCode(&FatalError{Stage: StagePersisted, Err: errors.New("disk full")}))
	assert.Equal(t, ExitFatal, ExitCode(context.Canceled))
}
