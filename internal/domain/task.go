// Package domain holds the entities shared across the store, the
// scheduler, the worker and the HTTP control plane. It has no
// dependency on any of those packages.
package domain

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
	StatusWaiting TaskStatus = "waiting"
)

// String satisfies fmt.Stringer.
func (s TaskStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the five known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusWaiting:
		return true
	default:
		return false
	}
}

// Task is the only persistent entity. Optional fields are pointers so
// that "absent" and "empty string" are distinguishable, matching the
// nullable columns of the persisted schema.
type Task struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Prompt      string     `json:"prompt"`
	Cwd         string     `json:"cwd"`
	Status      TaskStatus `json:"status"`
	SessionID   *string    `json:"session_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Output      *string    `json:"output,omitempty"`
	Result      *string    `json:"result,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
}

// TaskDependency is a directed edge task_id -> depends_on_id. A task
// is ready only once every depends_on task is Done.
type TaskDependency struct {
	TaskID      int64 `json:"task_id"`
	DependsOnID int64 `json:"depends_on_id"`
}

// CreateTaskRequest is the POST /submit body.
type CreateTaskRequest struct {
	Name       string  `json:"name"`
	Prompt     string  `json:"prompt"`
	Cwd        string  `json:"cwd"`
	DependsOn  []int64 `json:"depends_on"`
}

// CreateTaskResponse is the POST /submit response.
type CreateTaskResponse struct {
	TaskID int64 `json:"task_id"`
}

// TaskInfo is the GET /list element shape: no prompt, no output.
type TaskInfo struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	SessionID   *string    `json:"session_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
}

// TaskInfoWithPrompt is the GET /task/{id} response shape.
type TaskInfoWithPrompt struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	SessionID   *string    `json:"session_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      *string    `json:"result,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
}

// TaskListResponse is the GET /list response envelope.
type TaskListResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

// ToInfo drops the prompt/output/result fields for list views.
func (t Task) ToInfo() TaskInfo {
	return TaskInfo{
		ID:          t.ID,
		Name:        t.Name,
		Status:      t.Status,
		SessionID:   t.SessionID,
		SubmittedAt: t.SubmittedAt,
		FinishedAt:  t.FinishedAt,
		ResumeAt:    t.ResumeAt,
	}
}

// ToInfoWithPrompt includes the prompt and result, still omitting the
// (potentially large) raw output.
func (t Task) ToInfoWithPrompt() TaskInfoWithPrompt {
	return TaskInfoWithPrompt{
		ID:          t.ID,
		Name:        t.Name,
		Prompt:      t.Prompt,
		Status:      t.Status,
		SessionID:   t.SessionID,
		SubmittedAt: t.SubmittedAt,
		FinishedAt:  t.FinishedAt,
		Result:      t.Result,
		ResumeAt:    t.ResumeAt,
	}
}

// RenameRequest is the PUT /task/{id}/rename body.
type RenameRequest struct {
	Name string `json:"name"`
}

// EditRequest is the PUT /task/{id}/edit body.
type EditRequest struct {
	Prompt string `json:"prompt"`
}

// StrPtr is a small helper for building optional string fields.
func StrPtr(s string) *string {
	return &s
}

// TimePtr is a small helper for building optional time fields.
func TimePtr(t time.Time) *time.Time {
	return &t
}
