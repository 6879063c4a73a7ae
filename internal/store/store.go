// Package store defines the durable-persistence port consumed by the
// scheduler, the worker and the HTTP control plane. The sqlite
// subpackage provides the only implementation.
package store

import (
	"context"
	"time"

	"github.com/jaakkos/ccsched/internal/domain"
)

// Store owns durable task state exclusively. Every method is
// synchronous from the caller's perspective; the implementation is
// responsible for serializing concurrent callers.
type Store interface {
	// CreateTask validates deps and rejects any set that would
	// introduce a cycle before inserting the task row and its
	// dependency edges in one transaction.
	CreateTask(ctx context.Context, name, prompt, cwd string, deps []int64) (int64, error)

	GetTask(ctx context.Context, id int64) (domain.Task, error)
	GetTaskBySession(ctx context.Context, sessionID string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	TasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	WaitingReadyToResume(ctx context.Context, now time.Time) ([]domain.Task, error)

	// UpdateStatus writes status and, with coalesce semantics, the
	// optional sessionID/finishedAt columns: a nil argument preserves
	// the existing column value.
	UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, sessionID *string, finishedAt *time.Time) error

	// UpdateStatusWithResumeAt behaves like UpdateStatus but writes
	// resumeAt unconditionally, including nil to clear it.
	UpdateStatusWithResumeAt(ctx context.Context, id int64, status domain.TaskStatus, sessionID *string, finishedAt *time.Time, resumeAt *time.Time) error

	// UpdateOutputAndResult writes both columns unconditionally.
	UpdateOutputAndResult(ctx context.Context, id int64, output, result *string) error

	UpdateName(ctx context.Context, id int64, name string) error
	UpdatePrompt(ctx context.Context, id int64, prompt string) error

	// EditAndReset sets prompt, resets status to Pending and clears
	// finishedAt/output/result/resumeAt in one statement. SessionID is
	// preserved so the next run can resume the prior conversation.
	EditAndReset(ctx context.Context, id int64, prompt string) error

	// Delete removes dependency edges on either side then the task
	// row, in one transaction.
	Delete(ctx context.Context, id int64) error

	ValidateDependencies(ctx context.Context, deps []int64) error
	CheckNoCycle(ctx context.Context, taskID int64, deps []int64) error

	// CleanupOrphanedRunning resets every Running/session-less row to
	// Pending and returns the affected ids. Called once at startup.
	CleanupOrphanedRunning(ctx context.Context) ([]int64, error)

	// ClaimNextReady atomically selects and marks Running the single
	// highest-priority ready task, or returns (nil, nil) if none is
	// ready. While another task is Running, only Waiting tasks whose
	// resume time has passed are candidates.
	ClaimNextReady(ctx context.Context, now time.Time) (*domain.Task, error)

	Close() error
}
