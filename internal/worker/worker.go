package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Placeholders substituted in worker arguments.
const (
	ArgWorkOrder  = "{work_order}"
	ArgResultPath = "{result_path}"
	ArgCycleID    = "{cycle_id}"
)

const outputTail = 4096

// TimeoutError is returned when the worker outlives its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker timed out after %s", e.Timeout)
}

// CrashError is returned when the worker exits non-zero, cannot start, or
// leaves no result file behind.
type CrashError struct {
	ExitCode int
	Reason   string
	Output   string
}

func (e *CrashError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("worker exited with code %d: %s", e.ExitCode, e.Reason)
	}
	return "worker failed: " + e.Reason
}

// Runner launches the configured external worker for one work order.
type Runner struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Job names the files of one cycle.
type Job struct {
	CycleID       string
	WorkOrderPath string
	ResultPath    string
}

// Outcome is what the worker left behind.
type Outcome struct {
	Result   []byte
	Output   string
	Duration time.Duration
}

// Run executes the worker and returns the raw result file. The worker gets
// the job through argument placeholders and WDIB_* environment variables.
func (r Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	if r.Command == "" {
		return Outcome{}, &CrashError{Reason: "no worker command configured"}
	}
	// A stale result must never be mistaken for this run's output.
	if err := os.Remove(job.ResultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Outcome{}, fmt.Errorf("remove stale result: %w", err)
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := make([]string, len(r.Args))
	replacer := strings.NewReplacer(ArgWorkOrder, job.WorkOrderPath, ArgResultPath, job.ResultPath, ArgCycleID, job.CycleID)
	for i, a := range r.Args {
		args[i] = replacer.Replace(a)
	}
	cmd := exec.CommandContext(runCtx, r.Command, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...),
		"WDIB_WORK_ORDER="+job.WorkOrderPath,
		"WDIB_WORKER_RESULT="+job.ResultPath,
		"WDIB_CYCLE_ID="+job.CycleID,
	)
	out := &tailBuffer{limit: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	outcome := Outcome{Output: out.String(), Duration: time.Since(start)}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return outcome, &TimeoutError{Timeout: r.Timeout}
	}
	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return outcome, &CrashError{ExitCode: exitErr.ExitCode(), Reason: lastLine(outcome.Output), Output: outcome.Output}
		}
		return outcome, &CrashError{Reason: err.Error(), Output: outcome.Output}
	}

	raw, err := os.ReadFile(job.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return outcome, &CrashError{Reason: "no worker result written", Output: outcome.Output}
		}
		return outcome, fmt.Errorf("read worker result: %w", err)
	}
	outcome.Result = raw
	return outcome, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
