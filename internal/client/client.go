// Package client implements a thin HTTP client over the
// control-plane API, used by the CLI subcommands. It deliberately
// carries no retry/backoff logic: a failed request simply errors out
// to the CLI, which reports it and exits.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jaakkos/ccsched/internal/domain"
)

// Client talks to a single ccsched control plane over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client bound to baseURL (e.g. "http://127.0.0.1:39512").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

// Submit creates a task and returns its id.
func (c *Client) Submit(name, prompt, cwd string, dependsOn []int64) (int64, error) {
	var resp domain.CreateTaskResponse
	req := domain.CreateTaskRequest{Name: name, Prompt: prompt, Cwd: cwd, DependsOn: dependsOn}
	if err := c.do(http.MethodPost, "/submit", req, &resp); err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// List returns every task, without prompt/output.
func (c *Client) List() ([]domain.TaskInfo, error) {
	var resp domain.TaskListResponse
	if err := c.do(http.MethodGet, "/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Get fetches a single task including its prompt and result.
func (c *Client) Get(id int64) (domain.TaskInfoWithPrompt, error) {
	var resp domain.TaskInfoWithPrompt
	err := c.do(http.MethodGet, fmt.Sprintf("/task/%d", id), nil, &resp)
	return resp, err
}

// GetBySession fetches a task by its agent session id.
func (c *Client) GetBySession(sessionID string) (domain.TaskInfo, error) {
	var resp domain.TaskInfo
	err := c.do(http.MethodGet, "/task/session/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// Delete removes a task.
func (c *Client) Delete(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/task/%d", id), nil, nil)
}

// Rename updates a task's display name.
func (c *Client) Rename(id int64, name string) error {
	return c.do(http.MethodPut, fmt.Sprintf("/task/%d/rename", id), domain.RenameRequest{Name: name}, nil)
}

// Edit updates a task's prompt, resetting Done/Failed tasks to Pending.
func (c *Client) Edit(id int64, prompt string) error {
	return c.do(http.MethodPut, fmt.Sprintf("/task/%d/edit", id), domain.EditRequest{Prompt: prompt}, nil)
}

// Healthz checks the control plane is reachable.
func (c *Client) Healthz() error {
	return c.do(http.MethodGet, "/healthz", nil, nil)
}
