// Package worker drives one claimed task at a time through the
// execute-then-verify protocol and translates the outcome into Store
// updates.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/ccsched/internal/agent"
	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/metrics"
	"github.com/jaakkos/ccsched/internal/store"
)

const (
	successSentinel = "CLAUDE_CODE_SCHEDULER_SUCCESS"
	failedSentinel  = "CLAUDE_CODE_SCHEDULER_FAILED"

	// verificationInstruction is appended to the original prompt,
	// separated by two newlines, to ask the agent to self-report
	// completion. The wording (and its sentinels) must stay byte
	// identical for compatibility with agents already tuned to it.
	verificationInstruction = "如果你确认任务成功，能够正确完成用户的每一个需求，则回复 CLAUDE_CODE_SCHEDULER_SUCCESS；如果其中有的需求没有完成，再继续进行任务；如果你确认因为某些原因，在没有用户干预的情况下无法完成任务，则回复 CLAUDE_CODE_SCHEDULER_FAILED"

	// defaultMaxVerificationRounds is used when the caller passes 0.
	defaultMaxVerificationRounds = 3
)

// FailureKind classifies why a task ended in Failed, for logging; it
// never changes the stored status (always Failed).
type FailureKind string

const (
	FailureMissingSession       FailureKind = "missing_session"
	FailureAgentExec            FailureKind = "agent_exec"
	FailureTaskReportedFailure  FailureKind = "task_reported_failure"
	FailureVerificationExhausted FailureKind = "verification_exhausted"
	FailureIO                   FailureKind = "io"
)

// TaskError wraps an error with the failure taxonomy the worker
// surfaces for a single task.
type TaskError struct {
	Kind FailureKind
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

func taskErr(kind FailureKind, format string, args ...any) error {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// RunnerFactory builds an agent.Runner bound to a task's session
// observation callback. Separated from Runner itself so the worker
// can attach a per-task OnSessionObserved closure.
type RunnerFactory func(onSession func(sessionID string)) *agent.Runner

// Worker consumes tasks from a bounded handoff channel, one at a
// time, and drives each through AgentRunner.
type Worker struct {
	store       store.Store
	runnerCell  *RunnerFactoryCell
	rateLimitCh chan<- time.Time
	pause       *PauseCell
	rounds      *RoundsCell
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	logDir string // stored but unused: logPath is always relative to the process cwd
}

// RoundsCell is a single-writer/single-reader broadcast of the
// current verification-round cap, mirroring PauseCell so a config
// reload can retune the worker's loop without restarting it.
type RoundsCell struct {
	ch chan int
	v  int
}

// NewRoundsCell creates a cell seeded with the given cap.
func NewRoundsCell(rounds int) *RoundsCell {
	return &RoundsCell{ch: make(chan int, 1), v: rounds}
}

// Set broadcasts a new cap; last write wins.
func (c *RoundsCell) Set(rounds int) {
	c.v = rounds
	select {
	case c.ch <- rounds:
	default:
		select {
		case <-c.ch:
		default:
		}
		c.ch <- rounds
	}
}

// Current returns the most recently set cap.
func (c *RoundsCell) Current() int {
	select {
	case v := <-c.ch:
		c.v = v
	default:
	}
	return c.v
}

// RunnerFactoryCell is a single-writer/single-reader broadcast of the
// RunnerFactory currently in use, letting a config reload swap the
// agent binary path (and its env) without restarting the worker.
type RunnerFactoryCell struct {
	ch chan RunnerFactory
	v  RunnerFactory
}

// NewRunnerFactoryCell creates a cell seeded with the given factory.
func NewRunnerFactoryCell(f RunnerFactory) *RunnerFactoryCell {
	return &RunnerFactoryCell{ch: make(chan RunnerFactory, 1), v: f}
}

// Set broadcasts a new factory; last write wins.
func (c *RunnerFactoryCell) Set(f RunnerFactory) {
	c.v = f
	select {
	case c.ch <- f:
	default:
		select {
		case <-c.ch:
		default:
		}
		c.ch <- f
	}
}

// Current returns the most recently set factory.
func (c *RunnerFactoryCell) Current() RunnerFactory {
	select {
	case v := <-c.ch:
		c.v = v
	default:
	}
	return c.v
}

// PauseCell is a single-writer/single-reader broadcast of the current
// pause deadline. A nil value means "not paused".
type PauseCell struct {
	ch chan *time.Time
	v  *time.Time
}

// NewPauseCell creates an unpaused cell.
func NewPauseCell() *PauseCell {
	return &PauseCell{ch: make(chan *time.Time, 1)}
}

// Set broadcasts a new pause deadline (nil clears the pause).
func (c *PauseCell) Set(deadline *time.Time) {
	c.v = deadline
	select {
	case c.ch <- deadline:
	default:
		// Drain stale value and retry; last-write-wins.
		select {
		case <-c.ch:
		default:
		}
		c.ch <- deadline
	}
}

// Current returns the most recently set deadline.
func (c *PauseCell) Current() *time.Time {
	select {
	case v := <-c.ch:
		c.v = v
	default:
	}
	return c.v
}

// New builds a Worker. newRunner constructs a fresh agent.Runner per
// invocation so each can carry its own session-observation closure.
// maxVerificationRounds of 0 falls back to defaultMaxVerificationRounds.
// m may be nil to disable metrics.
func New(st store.Store, newRunner RunnerFactory, rateLimitCh chan<- time.Time, pause *PauseCell, maxVerificationRounds int, m *metrics.Metrics, logDir string, logger zerolog.Logger) *Worker {
	if maxVerificationRounds <= 0 {
		maxVerificationRounds = defaultMaxVerificationRounds
	}
	return &Worker{
		store:       st,
		runnerCell:  NewRunnerFactoryCell(newRunner),
		rateLimitCh: rateLimitCh,
		pause:       pause,
		rounds:      NewRoundsCell(maxVerificationRounds),
		metrics:     m,
		logDir:      logDir,
		logger:      logger,
	}
}

// SetMaxVerificationRounds retunes the verification-round cap applied
// to tasks that have not yet entered their verify loop; in-flight
// loops finish with the cap they started with.
func (w *Worker) SetMaxVerificationRounds(rounds int) {
	if rounds <= 0 {
		rounds = defaultMaxVerificationRounds
	}
	w.rounds.Set(rounds)
}

// SetRunnerFactory swaps the RunnerFactory used by the next task
// picked up off the handoff channel; an in-flight task keeps the
// runner it already started with.
func (w *Worker) SetRunnerFactory(f RunnerFactory) {
	w.runnerCell.Set(f)
}

// CurrentMaxVerificationRounds reports the cap the next task to enter
// its verify loop will be started with.
func (w *Worker) CurrentMaxVerificationRounds() int {
	return w.rounds.Current()
}

// Run consumes tasks until ch is closed. Each task's failure is
// caught at the task boundary: the loop never exits because one task
// errored.
func (w *Worker) Run(ctx context.Context, ch <-chan domain.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			w.handle(ctx, task)
		}
	}
}

func (w *Worker) handle(ctx context.Context, task domain.Task) {
	if deadline := w.pause.Current(); deadline != nil && time.Now().Before(*deadline) {
		w.logger.Warn().Int64("task_id", task.ID).Msg("worker paused, reverting task to pending")
		if err := w.store.UpdateStatus(ctx, task.ID, domain.StatusPending, task.SessionID, nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("revert paused task to pending")
		}
		return
	}

	w.logger.Info().Int64("task_id", task.ID).Str("name", task.Name).Msg("starting task execution")
	if err := w.execute(ctx, task); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("task failed")
		now := domain.TimePtr(time.Now().UTC())
		if uerr := w.store.UpdateStatus(ctx, task.ID, domain.StatusFailed, nil, now); uerr != nil {
			w.logger.Error().Err(uerr).Int64("task_id", task.ID).Msg("failed to persist Failed status")
		}
	}
}

func (w *Worker) logPath(taskID int64) string {
	return fmt.Sprintf("task_%d.jsonl", taskID)
}

// execute runs the full execute-then-verify protocol for one task.
func (w *Worker) execute(ctx context.Context, task domain.Task) error {
	taskID := task.ID
	logPath := w.logPath(taskID)

	newRunner := w.runnerCell.Current()

	var sessionFromStream string
	runner := newRunner(func(sid string) {
		sessionFromStream = sid
		if err := w.store.UpdateStatus(ctx, taskID, domain.StatusRunning, &sid, nil); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", taskID).Str("session_id", sid).Msg("persist session_id during stream")
		}
	})

	initialSessionID := ""
	if task.SessionID != nil {
		initialSessionID = *task.SessionID
	}
	initial, err := runner.Run(ctx, task.Cwd, task.Prompt, initialSessionID, logPath)
	if err != nil {
		return taskErr(FailureIO, "initial run: %w", err)
	}

	if initial.RateLimitTimestamp != nil {
		return w.handleRateLimit(ctx, taskID, *initial.RateLimitTimestamp, pickSessionID(initial.SessionID, sessionFromStream, initialSessionID))
	}

	sessionID := pickSessionID(initial.SessionID, sessionFromStream, initialSessionID)
	if sessionID == "" {
		return taskErr(FailureMissingSession, "no session id found in initial run")
	}

	if err := w.store.UpdateStatus(ctx, taskID, domain.StatusRunning, &sessionID, nil); err != nil {
		w.logger.Warn().Err(err).Int64("task_id", taskID).Msg("persist initial session_id")
	}

	if !initial.Success {
		w.persistTerminal(ctx, taskID, domain.StatusFailed, &sessionID, &initial.Output, nil)
		return taskErr(FailureAgentExec, "initial agent execution unsuccessful")
	}

	verificationPrompt := task.Prompt + "\n\n" + verificationInstruction

	currentSessionID := sessionID
	var previousResult *string
	roundsLeft := w.rounds.Current()
	roundsUsed := 0

	for {
		roundsUsed++
		sessionFromStream = ""
		verRunner := newRunner(func(sid string) {
			sessionFromStream = sid
			if err := w.store.UpdateStatus(ctx, taskID, domain.StatusRunning, &sid, nil); err != nil {
				w.logger.Warn().Err(err).Int64("task_id", taskID).Str("session_id", sid).Msg("persist session_id during verification stream")
			}
		})

		verResult, err := verRunner.Run(ctx, task.Cwd, verificationPrompt, currentSessionID, logPath)
		if err != nil {
			return taskErr(FailureIO, "verification run: %w", err)
		}

		if verResult.RateLimitTimestamp != nil {
			return w.handleRateLimit(ctx, taskID, *verResult.RateLimitTimestamp, currentSessionID)
		}

		isFinal := strings.Contains(verResult.Output, successSentinel) || strings.Contains(verResult.Output, failedSentinel)
		if !isFinal {
			if newSID := pickSessionID(verResult.SessionID, sessionFromStream, ""); newSID != "" && newSID != currentSessionID {
				currentSessionID = newSID
				if err := w.store.UpdateStatus(ctx, taskID, domain.StatusRunning, &currentSessionID, nil); err != nil {
					w.logger.Warn().Err(err).Int64("task_id", taskID).Msg("persist rotated session_id")
				}
			}
		}

		if !verResult.Success {
			w.persistTerminal(ctx, taskID, domain.StatusFailed, &currentSessionID, &verResult.Output, nil)
			return taskErr(FailureAgentExec, "verification execution unsuccessful")
		}

		switch {
		case strings.Contains(verResult.Output, successSentinel):
			w.logger.Info().Int64("task_id", taskID).Msg("task completed successfully")
			w.persistTerminal(ctx, taskID, domain.StatusDone, &currentSessionID, &verResult.Output, previousResult)
			w.observeVerificationRounds(roundsUsed)
			return nil

		case strings.Contains(verResult.Output, failedSentinel):
			w.logger.Info().Int64("task_id", taskID).Msg("task reported failed by agent")
			w.persistTerminal(ctx, taskID, domain.StatusFailed, &currentSessionID, &verResult.Output, nil)
			w.observeVerificationRounds(roundsUsed)
			return taskErr(FailureTaskReportedFailure, "agent reported task failed")

		default:
			previousResult = extractWorkResult(verResult.Output)
			roundsLeft--
			if roundsLeft <= 0 {
				w.logger.Warn().Int64("task_id", taskID).Msg("exceeded maximum verification rounds")
				w.persistTerminal(ctx, taskID, domain.StatusFailed, &currentSessionID, &verResult.Output, nil)
				w.observeVerificationRounds(roundsUsed)
				return taskErr(FailureVerificationExhausted, "exceeded maximum verification rounds")
			}
			w.logger.Info().Int64("task_id", taskID).Msg("task requires additional verification")
		}
	}
}

func (w *Worker) handleRateLimit(ctx context.Context, taskID int64, unixSeconds int64, sessionID string) error {
	resumeAt := time.Unix(unixSeconds, 0).UTC()
	if resumeAt.Year() < 1970 || resumeAt.Year() > 9999 {
		resumeAt = time.Now().UTC().Add(time.Hour)
	}
	w.logger.Info().Int64("task_id", taskID).Time("resume_at", resumeAt).Msg("task hit rate limit")

	select {
	case w.rateLimitCh <- resumeAt:
	default:
		w.logger.Warn().Int64("task_id", taskID).Msg("rate-limit channel saturated, signal dropped")
	}

	var sidPtr *string
	if sessionID != "" {
		sidPtr = &sessionID
	}
	if err := w.store.UpdateStatusWithResumeAt(ctx, taskID, domain.StatusWaiting, sidPtr, nil, &resumeAt); err != nil {
		return taskErr(FailureIO, "persist rate-limit waiting state: %w", err)
	}
	return nil
}

func (w *Worker) persistTerminal(ctx context.Context, taskID int64, status domain.TaskStatus, sessionID *string, output *string, result *string) {
	now := domain.TimePtr(time.Now().UTC())
	if err := w.store.UpdateStatus(ctx, taskID, status, sessionID, now); err != nil {
		w.logger.Error().Err(err).Int64("task_id", taskID).Msg("persist terminal status")
	}
	if err := w.store.UpdateOutputAndResult(ctx, taskID, output, result); err != nil {
		w.logger.Error().Err(err).Int64("task_id", taskID).Msg("persist output/result")
	}
}

func (w *Worker) observeVerificationRounds(rounds int) {
	if w.metrics != nil {
		w.metrics.VerificationRounds.Observe(float64(rounds))
	}
}

func pickSessionID(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
