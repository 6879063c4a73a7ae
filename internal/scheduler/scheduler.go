// Package scheduler owns the periodic readiness poll, the pause/resume
// state machine, and the handoff of claimed tasks to the worker.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/ccsched/internal/agent"
	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/metrics"
	"github.com/jaakkos/ccsched/internal/store"
	"github.com/jaakkos/ccsched/internal/worker"
)

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithTickInterval overrides the default 5s poll period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithMetrics attaches a metrics sink; nil (the default) disables it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithMaxVerificationRounds overrides the worker's default
// verification-round cap.
func WithMaxVerificationRounds(rounds int) Option {
	return func(s *Scheduler) { s.maxVerificationRounds = rounds }
}

// Scheduler polls the Store for ready work and hands it to a single
// Worker over a bounded channel, honoring a process-wide pause state
// driven by rate-limit signals from the worker.
type Scheduler struct {
	store store.Store
	wrk   *worker.Worker

	tickInterval          time.Duration
	tickResetCh           chan time.Duration
	maxVerificationRounds int
	handoff               chan domain.Task
	rateLimitCh           chan time.Time
	pause                 *worker.PauseCell

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a Scheduler and its paired Worker, wiring the bounded
// handoff channel (capacity 100), the bounded rate-limit channel
// (capacity 10), and the shared pause cell between them.
func New(st store.Store, newRunner worker.RunnerFactory, logDir string, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		tickInterval: 5 * time.Second,
		tickResetCh:  make(chan time.Duration, 1),
		handoff:      make(chan domain.Task, 100),
		rateLimitCh:  make(chan time.Time, 10),
		pause:        worker.NewPauseCell(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wrk = worker.New(st, newRunner, s.rateLimitCh, s.pause, s.maxVerificationRounds, s.metrics, logDir, logger)
	return s
}

// SetTickInterval retunes the poll period. The Run loop applies it
// with ticker.Reset, so the next tick arrives one new period after the
// reset rather than at the end of the period already in progress.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	select {
	case s.tickResetCh <- d:
	default:
		select {
		case <-s.tickResetCh:
		default:
		}
		s.tickResetCh <- d
	}
}

// SetMaxVerificationRounds retunes the worker's verification-round cap.
func (s *Scheduler) SetMaxVerificationRounds(rounds int) {
	s.wrk.SetMaxVerificationRounds(rounds)
}

// SetRunnerFactory swaps the RunnerFactory the worker hands the next
// claimed task.
func (s *Scheduler) SetRunnerFactory(f worker.RunnerFactory) {
	s.wrk.SetRunnerFactory(f)
}

// DefaultRunnerFactory builds the RunnerFactory a caller typically
// wants: each invocation gets a fresh agent.Runner bound to binary,
// processCwd and env, with its session-observed hook wired by the
// worker.
func DefaultRunnerFactory(binary, processCwd string, env map[string]string, logger zerolog.Logger) worker.RunnerFactory {
	return func(onSession func(string)) *agent.Runner {
		return &agent.Runner{
			BinaryPath:        binary,
			ProcessCwd:        processCwd,
			Env:               env,
			Logger:            logger,
			OnSessionObserved: onSession,
		}
	}
}

// Run cleans up orphaned Running tasks, spawns the worker, and enters
// the main tick/rate-limit select loop. It returns when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Msg("starting task scheduler")

	orphaned, err := s.store.CleanupOrphanedRunning(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup orphaned running tasks")
	} else if len(orphaned) > 0 {
		s.logger.Info().Ints64("task_ids", orphaned).Msg("cleaned up orphaned running tasks")
	}

	go s.wrk.Run(ctx, s.handoff)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	var pausedUntil *time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d := <-s.tickResetCh:
			s.logger.Info().Dur("interval", d).Msg("applying reloaded poll interval")
			s.tickInterval = d
			ticker.Reset(d)

		case <-ticker.C:
			now := time.Now().UTC()
			if pausedUntil != nil {
				if now.Before(*pausedUntil) {
					continue
				}
				s.logger.Info().Msg("resuming scheduler, resume time reached")
				pausedUntil = nil
				s.pause.Set(nil)
				if err := s.resumeWaitingTasks(ctx); err != nil {
					s.logger.Error().Err(err).Msg("resume waiting tasks")
				}
			}
			if pausedUntil == nil {
				if err := s.scheduleReadyTasks(ctx); err != nil {
					s.logger.Error().Err(err).Msg("schedule ready tasks")
				}
			}

		case resumeTime := <-s.rateLimitCh:
			s.logger.Warn().Time("resume_at", resumeTime).Msg("received rate limit signal, pausing scheduler")
			pausedUntil = &resumeTime
			s.pause.Set(&resumeTime)
			if s.metrics != nil {
				s.metrics.RateLimitWaits.Inc()
			}
			if err := s.convertRunningToWaiting(ctx, resumeTime); err != nil {
				s.logger.Error().Err(err).Msg("convert running tasks to waiting")
			}
		}
	}
}

func (s *Scheduler) scheduleReadyTasks(ctx context.Context) error {
	task, err := s.store.ClaimNextReady(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.ClaimsTotal.Inc()
	}

	select {
	case s.handoff <- *task:
	default:
		s.logger.Error().Int64("task_id", task.ID).Msg("handoff channel saturated, reverting task to pending")
		if err := s.store.UpdateStatus(ctx, task.ID, domain.StatusPending, nil, nil); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("revert task after failed handoff")
		}
	}
	return nil
}

func (s *Scheduler) convertRunningToWaiting(ctx context.Context, resumeTime time.Time) error {
	running, err := s.store.TasksByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return err
	}
	for _, t := range running {
		s.logger.Info().Int64("task_id", t.ID).Msg("converting running task to waiting due to rate limit")
		if err := s.store.UpdateStatusWithResumeAt(ctx, t.ID, domain.StatusWaiting, t.SessionID, nil, &resumeTime); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) resumeWaitingTasks(ctx context.Context) error {
	waiting, err := s.store.WaitingReadyToResume(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, t := range waiting {
		s.logger.Info().Int64("task_id", t.ID).Msg("resuming waiting task")
		if err := s.store.UpdateStatus(ctx, t.ID, domain.StatusPending, t.SessionID, nil); err != nil {
			return err
		}
	}
	return nil
}
