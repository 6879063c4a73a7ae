package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/ccsched/internal/agent"
	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "worker_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// writeCountingAgent writes a fake agent binary that answers "initial
// ok" on its first invocation and the success sentinel on every
// subsequent one, using a counter file to tell invocations apart —
// the verification prompt text itself always contains both sentinel
// words (they're part of the instruction), so the only reliable way
// to script distinct initial vs. verification behavior is by call
// count, not by grepping stdin.
func writeCountingAgent(t *testing.T) (binary, countFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "fake-agent.sh")
	countFile = filepath.Join(dir, "count")
	script := `#!/bin/sh
cat > /dev/null
n=0
if [ -f "$AGENT_COUNT_FILE" ]; then n=$(cat "$AGENT_COUNT_FILE"); fi
n=$((n+1))
echo "$n" > "$AGENT_COUNT_FILE"
echo '{"type":"system","session_id":"sess-1"}'
if [ "$n" -eq 1 ]; then
  echo '{"type":"result","subtype":"success","is_error":false,"result":"initial ok"}'
else
  echo '{"type":"result","subtype":"success","is_error":false,"result":"CLAUDE_CODE_SCHEDULER_SUCCESS"}'
fi
`
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, countFile
}

func testRunnerFactory(binary, countFile string) RunnerFactory {
	return func(onSession func(string)) *agent.Runner {
		return &agent.Runner{
			BinaryPath:        binary,
			ProcessCwd:        filepath.Dir(binary),
			Env:               map[string]string{"AGENT_COUNT_FILE": countFile},
			Logger:            zerolog.Nop(),
			OnSessionObserved: onSession,
		}
	}
}

func TestWorker_Execute_SuccessAfterVerification(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	binary, countFile := writeCountingAgent(t)

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	rateLimitCh := make(chan time.Time, 1)
	w := New(st, testRunnerFactory(binary, countFile), rateLimitCh, NewPauseCell(), 0, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, w.execute(ctx, task))

	final, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, final.Status)
	require.NotNil(t, final.SessionID)
	require.Equal(t, "sess-1", *final.SessionID)
}

// writeScriptedAgent writes a fake agent binary whose per-round
// outputs are given as resultRecord "result" strings, one per line of
// responses, using the same call-counter mechanism as
// writeCountingAgent.
func writeScriptedAgent(t *testing.T, responses []string) (binary, countFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "fake-agent.sh")
	countFile = filepath.Join(dir, "count")

	script := "#!/bin/sh\ncat > /dev/null\n" +
		"n=0\n" +
		`if [ -f "$AGENT_COUNT_FILE" ]; then n=$(cat "$AGENT_COUNT_FILE"); fi` + "\n" +
		"n=$((n+1))\n" +
		`echo "$n" > "$AGENT_COUNT_FILE"` + "\n" +
		`echo '{"type":"system","session_id":"sess-1"}'` + "\n"
	for i, resp := range responses {
		cond := "if"
		if i > 0 {
			cond = "elif"
		}
		script += fmt.Sprintf(`%s [ "$n" -eq %d ]; then echo '{"type":"result","subtype":"success","is_error":false,"result":"%s"}'`+"\n", cond, i+1, resp)
	}
	script += fmt.Sprintf(`else echo '{"type":"result","subtype":"success","is_error":false,"result":"%s"}'`+"\n", responses[len(responses)-1])
	script += "fi\n"

	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, countFile
}

func TestWorker_Execute_SuccessOnLaterRoundStoresPreviousResult(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	binary, countFile := writeScriptedAgent(t, []string{
		"initial ok",
		"still working on it",
		"CLAUDE_CODE_SCHEDULER_SUCCESS",
	})

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	w := New(st, testRunnerFactory(binary, countFile), make(chan time.Time, 1), NewPauseCell(), 0, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, w.execute(ctx, task))

	final, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, final.Status)
	require.NotNil(t, final.Result)
}

func TestWorker_Execute_VerificationExhaustionFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	binary, countFile := writeScriptedAgent(t, []string{
		"initial ok",
		"still checking",
		"still checking",
		"still checking",
	})

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	w := New(st, testRunnerFactory(binary, countFile), make(chan time.Time, 1), NewPauseCell(), 3, nil, t.TempDir(), zerolog.Nop())

	err = w.execute(ctx, task)
	require.Error(t, err)
	var werr *TaskError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, FailureVerificationExhausted, werr.Kind)

	final, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Nil(t, final.Result)
}

func TestWorker_Execute_MissingSessionIdFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	dir := t.TempDir()
	binary := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\ncat > /dev/null\n" +
		`echo '{"type":"result","subtype":"success","is_error":false,"result":"done, no session"}'` + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	w := New(st, testRunnerFactory(binary, filepath.Join(dir, "count")), make(chan time.Time, 1), NewPauseCell(), 0, nil, t.TempDir(), zerolog.Nop())

	err = w.execute(ctx, task)
	require.Error(t, err)
	var werr *TaskError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, FailureMissingSession, werr.Kind)
}

func TestWorker_Execute_RateLimitMovesTaskToWaiting(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	dir := t.TempDir()
	binary := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\ncat > /dev/null\n" +
		`echo '{"type":"system","session_id":"sess-rl"}'` + "\n" +
		`echo '{"type":"result","subtype":"error","is_error":true,"result":"Claude AI usage limit reached|1999999999"}'` + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	rateLimitCh := make(chan time.Time, 1)
	w := New(st, testRunnerFactory(binary, filepath.Join(dir, "count")), rateLimitCh, NewPauseCell(), 0, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, w.execute(ctx, task))

	select {
	case resumeAt := <-rateLimitCh:
		require.Equal(t, int64(1999999999), resumeAt.Unix())
	default:
		t.Fatal("expected a rate-limit signal on rateLimitCh")
	}

	final, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, final.Status)
	require.NotNil(t, final.ResumeAt)
}

func TestWorker_Handle_RevertsWhenPaused(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	taskID, err := st.CreateTask(ctx, "build", "build the thing", t.TempDir(), nil)
	require.NoError(t, err)
	claimed, err := st.ClaimNextReady(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, taskID, claimed.ID)

	pause := NewPauseCell()
	deadline := time.Now().Add(time.Hour)
	pause.Set(&deadline)

	w := New(st, nil, make(chan time.Time, 1), pause, 0, nil, t.TempDir(), zerolog.Nop())
	w.handle(ctx, *claimed)

	final, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, final.Status)
}

func TestPauseCell_LastWriteWins(t *testing.T) {
	c := NewPauseCell()
	require.Nil(t, c.Current())

	d1 := time.Now().Add(time.Minute)
	d2 := time.Now().Add(2 * time.Minute)
	c.Set(&d1)
	c.Set(&d2)

	require.Equal(t, d2, *c.Current())

	c.Set(nil)
	require.Nil(t, c.Current())
}
