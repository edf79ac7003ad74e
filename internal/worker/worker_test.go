package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T, script string, timeout time.Duration) Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker tests use /bin/sh")
	}
	return Runner{Command: "/bin/sh", Args: []string{"-c", script, "worker", ArgWorkOrder, ArgResultPath}, Timeout: timeout}
}

func job(t *testing.T) Job {
	dir := t.TempDir()
	return Job{
		CycleID:       "cycle-000001-20260301T120000Z",
		WorkOrderPath: filepath.Join(dir, "order.json"),
		ResultPath:    filepath.Join(dir, "result.json"),
	}
}

func TestRunReadsResult(t *testing.T) {
	j := job(t)
	r := shell(t, `printf '{"cycle_id":"%s"}' "$WDIB_CYCLE_ID" > "$2"; echo done`, 10*time.Second)
	out, err := r.Run(context.Background(), j)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cycle_id":"cycle-000001-20260301T120000Z"}`, string(out.Result))
	assert.Contains(t, out.Output, "done")
}

func TestRunNonZeroExitIsCrash(t *testing.T) {
	r := shell(t, `echo "model unavailable" >&2; exit 3`, 10*time.Second)
	_, err := r.Run(context.Background(), job(t))
	var crash *CrashError
	require.True(t, errors.As(err, &crash), "got %v", err)
	assert.Equal(t, 3, crash.ExitCode)
	assert.Equal(t, "model unavailable", crash.Reason)
}

func TestRunTimeout(t *testing.T) {
	r := shell(t, `sleep 5`, 100*time.Millisecond)
	_, err := r.Run(context.Background(), job(t))
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
}

func TestRunWithoutResultIsCrash(t *testing.T) {
	j := job(t)
	require.NoError(t, os.WriteFile(j.ResultPath, []byte(`{"stale":true}`), 0o644))
	r := shell(t, `exit 0`, 10*time.Second)
	_, err := r.Run(context.Background(), j)
	var crash *CrashError
	require.True(t, errors.As(err, &crash), "got %v", err)
	assert.Contains(t, crash.Reason, "no worker result")
}

func TestRunWithoutCommand(t *testing.T) {
	_, err := Runner{}.Run(context.Background(), job(t))
	var crash *CrashError
	require.True(t, errors.As(err, &crash))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "efgh", b.String())
}
