package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/ccsched/internal/agent"
	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/store/sqlite"
	"github.com/jaakkos/ccsched/internal/worker"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "scheduler_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// failingRunnerFactory never completes a task; used to keep the
// worker from racing ahead of assertions made on the handoff path.
func failingRunnerFactory(dir string) worker.RunnerFactory {
	binary := filepath.Join(dir, "fake-agent.sh")
	_ = os.WriteFile(binary, []byte("#!/bin/sh\ncat > /dev/null\nexit 1\n"), 0755)
	return func(onSession func(string)) *agent.Runner {
		return &agent.Runner{BinaryPath: binary, ProcessCwd: dir, Logger: zerolog.Nop()}
	}
}

func TestScheduler_ScheduleReadyTasks_ClaimsAndHandsOff(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dir := t.TempDir()

	_, err := st.CreateTask(ctx, "task", "do it", dir, nil)
	require.NoError(t, err)

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())

	require.NoError(t, s.scheduleReadyTasks(ctx))

	select {
	case task := <-s.handoff:
		require.Equal(t, domain.StatusRunning, task.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a task on the handoff channel")
	}
}

func TestScheduler_ScheduleReadyTasks_NoCandidateIsNotAnError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dir := t.TempDir()

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())
	require.NoError(t, s.scheduleReadyTasks(ctx))

	select {
	case task := <-s.handoff:
		t.Fatalf("expected no task, got %+v", task)
	default:
	}
}

func TestScheduler_ConvertRunningToWaiting(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dir := t.TempDir()

	id, err := st.CreateTask(ctx, "task", "do it", dir, nil)
	require.NoError(t, err)
	claimed, err := st.ClaimNextReady(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())
	resumeTime := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.convertRunningToWaiting(ctx, resumeTime))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, task.Status)
	require.NotNil(t, task.ResumeAt)
}

func TestScheduler_SetTickInterval_QueuesResetLastWriteWins(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())

	s.SetTickInterval(time.Second)
	s.SetTickInterval(2 * time.Second)

	select {
	case d := <-s.tickResetCh:
		require.Equal(t, 2*time.Second, d)
	default:
		t.Fatal("expected a queued tick interval")
	}
}

func TestScheduler_SetMaxVerificationRoundsAndRunnerFactory_DelegateToWorker(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())

	s.SetMaxVerificationRounds(5)
	require.Equal(t, 5, s.wrk.CurrentMaxVerificationRounds())

	replaced := failingRunnerFactory(dir)
	s.SetRunnerFactory(replaced)
}

func TestScheduler_ResumeWaitingTasks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dir := t.TempDir()

	id, err := st.CreateTask(ctx, "task", "do it", dir, nil)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpdateStatusWithResumeAt(ctx, id, domain.StatusWaiting, nil, nil, &past))

	s := New(st, failingRunnerFactory(dir), dir, zerolog.Nop())
	require.NoError(t, s.resumeWaitingTasks(ctx))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, task.Status)
}
