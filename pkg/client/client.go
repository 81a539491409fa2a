package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hearthd/hearthd/pkg/audit"
	"github.com/hearthd/hearthd/pkg/types"
)

// APIError is a structured error returned by the control plane.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to the hearthd control plane.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the API at base (e.g. "http://127.0.0.1:8420").
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil {
			apiErr.Code = "internal"
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusReport is the /status response.
type StatusReport struct {
	Running   bool              `json:"running"`
	Agents    map[string]string `json:"agents"`
	StartedAt time.Time         `json:"started_at"`
}

func (c *Client) Status() (*StatusReport, error) {
	var report StatusReport
	if err := c.do(http.MethodGet, "/status", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// LifecycleResult is the /startup and /shutdown response.
type LifecycleResult struct {
	Success        bool `json:"success"`
	AlreadyRunning bool `json:"already_running"`
	AlreadyStopped bool `json:"already_stopped"`
}

func (c *Client) Startup() (*LifecycleResult, error) {
	var result LifecycleResult
	if err := c.do(http.MethodPost, "/startup", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Shutdown() (*LifecycleResult, error) {
	var result LifecycleResult
	if err := c.do(http.MethodPost, "/shutdown", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Jobs

func (c *Client) ListJobs() ([]*types.Job, error) {
	var body struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := c.do(http.MethodGet, "/jobs", nil, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

func (c *Client) CreateJob(job *types.Job) (*types.Job, error) {
	var created types.Job
	if err := c.do(http.MethodPost, "/jobs", job, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) DeleteJob(id string) error {
	return c.do(http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RunJob(id string) error {
	return c.do(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/run", nil, nil)
}

func (c *Client) SetJobEnabled(id string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// Approvals

func (c *Client) PendingApprovals() ([]*types.Approval, error) {
	var body struct {
		Approvals []*types.Approval `json:"approvals"`
	}
	if err := c.do(http.MethodGet, "/approvals/pending", nil, &body); err != nil {
		return nil, err
	}
	return body.Approvals, nil
}

func (c *Client) ApprovalHistory() ([]*types.Approval, error) {
	var body struct {
		Approvals []*types.Approval `json:"approvals"`
	}
	if err := c.do(http.MethodGet, "/approvals/history", nil, &body); err != nil {
		return nil, err
	}
	return body.Approvals, nil
}

func (c *Client) ResolveApproval(id string, approve bool, resolvedBy string) (*types.Approval, error) {
	action := "deny"
	if approve {
		action = "approve"
	}
	var approval types.Approval
	err := c.do(http.MethodPost, "/approvals/"+url.PathEscape(id)+"/"+action,
		map[string]string{"resolved_by": resolvedBy}, &approval)
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// Events and audit

func (c *Client) EventsSince(seq uint64, limit int) ([]*types.Event, error) {
	var body struct {
		Events []*types.Event `json:"events"`
	}
	path := "/events?since=" + strconv.FormatUint(seq, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if err := c.do(http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Trace mirrors the supervisor's audit trace response.
type Trace struct {
	CorrelationID string               `json:"correlation_id"`
	Events        []*types.Event       `json:"events"`
	Audit         []*types.AuditRecord `json:"audit"`
}

func (c *Client) AuditTrace(cid string) (*Trace, error) {
	var trace Trace
	if err := c.do(http.MethodGet, "/audit/trace/"+url.PathEscape(cid), nil, &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

func (c *Client) CostToday() (*audit.Totals, error) {
	var totals audit.Totals
	if err := c.do(http.MethodGet, "/audit/today", nil, &totals); err != nil {
		return nil, err
	}
	return &totals, nil
}

// Policy

func (c *Client) GetPolicy() (*types.PolicySnapshot, error) {
	var snapshot types.PolicySnapshot
	if err := c.do(http.MethodGet, "/policy", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) PutPolicy(snapshot *types.PolicySnapshot) error {
	return c.do(http.MethodPut, "/policy", snapshot, nil)
}

// Delegation

func (c *Client) Delegate(agent types.AgentKind, title string, priority types.TaskPriority) (*types.Task, error) {
	var task types.Task
	err := c.do(http.MethodPost, "/tasks/delegate", map[string]any{
		"agent":    agent,
		"title":    title,
		"priority": priority,
	}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Accepted is the response to an asynchronous request. The correlation id
// threads the resulting events and audit records.
type Accepted struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id"`
}

// RequestEdit submits a guarded content edit for the janitor to stage,
// gate and apply.
func (c *Client) RequestEdit(target, content string) (*Accepted, error) {
	var out Accepted
	err := c.do(http.MethodPost, "/edits",
		map[string]string{"target": target, "content": content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestBackup asks the backup agent for an on-demand export under the
// daemon's data root.
func (c *Client) RequestBackup() (*Accepted, error) {
	var out Accepted
	if err := c.do(http.MethodPost, "/backup/request", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportBackup streams the store export to w.
func (c *Client) ExportBackup(w io.Writer) error {
	resp, err := c.http.Post(c.base+"/backup/export", "application/json", nil)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil {
			apiErr.Code = "internal"
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
