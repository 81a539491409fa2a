package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hearthd/hearthd/pkg/config"
	"github.com/hearthd/hearthd/pkg/supervisor"
	"github.com/hearthd/hearthd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *supervisor.Supervisor, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		DataRoot:            t.TempDir(),
		BindHost:            "127.0.0.1",
		APIPort:             8420,
		HeartbeatInterval:   time.Second,
		BusQueueSize:        64,
		CostAutoCap:         5,
		CostConfirmCap:      100,
		BackupRetentionDays: 7,
	}
	sup, err := supervisor.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close() })

	s := NewServer(cfg, sup)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, sup, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestLifecycleEndpoints(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/startup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["already_running"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/startup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["already_running"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])
	agents, ok := body["agents"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", agents["maintenance"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/shutdown", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/shutdown", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["already_stopped"])
}

func TestStatusListsOpenIncidents(t *testing.T) {
	_, sup, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	incidents, ok := body["incidents"].([]any)
	require.True(t, ok, "incidents is always an array")
	assert.Empty(t, incidents)

	opened, err := sup.OpenIncident("bus_overflow", "critical queue blocked", types.SeverityCritical)
	require.NoError(t, err)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	incidents, ok = body["incidents"].([]any)
	require.True(t, ok)
	require.Len(t, incidents, 1)
	first := incidents[0].(map[string]any)
	assert.Equal(t, opened.ID, first["id"])
	assert.Equal(t, "bus_overflow", first["kind"])
	assert.Equal(t, "critical", first["severity"])
	assert.Equal(t, "critical queue blocked", first["detail"])

	require.NoError(t, sup.ResolveIncident(opened.ID))
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	incidents, _ = body["incidents"].([]any)
	assert.Empty(t, incidents, "resolved incidents leave the status report")
}

func TestMonitorAlwaysHasProcesses(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/monitor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	processes, ok := body["processes"].([]any)
	require.True(t, ok)
	assert.Len(t, processes, len(types.WorkerKinds))
}

func TestJobsCRUD(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"name":      "water plants",
		"agent":     "maintenance",
		"task_spec": "water the plants",
		"frequency": "daily",
		"hour":      7,
		"minute":    30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID, _ := created["id"].(string)
	require.NotEmpty(t, jobID)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]any)
	require.NotEmpty(t, jobs)

	resp, updated := doJSON(t, http.MethodPut, ts.URL+"/jobs/"+jobID, map[string]any{
		"name":      "water plants",
		"agent":     "maintenance",
		"task_spec": "water the plants",
		"frequency": "daily",
		"hour":      8,
		"minute":    0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 8.0, updated["hour"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs/"+jobID+"/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs/"+jobID+"/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs/"+jobID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, errBody := doJSON(t, http.MethodPost, ts.URL+"/jobs/"+jobID+"/run", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errBody["code"])
}

func TestJobValidation(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"name":      "bad",
		"agent":     "maintenance",
		"frequency": "fortnightly",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["code"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"name":      "bad",
		"agent":     "maintenance",
		"frequency": "daily",
		"hour":      99,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["code"])
}

func TestApprovalFlow(t *testing.T) {
	_, sup, ts := newTestServer(t)

	result, err := sup.Gate().Evaluate(&types.Intent{
		Action:        "pay_contractor",
		Agent:         types.AgentContractors,
		Reversibility: types.Irreversible,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Approval)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/approvals/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := body["approvals"].([]any)
	require.Len(t, pending, 1)

	resp, resolved := doJSON(t, http.MethodPost,
		ts.URL+"/approvals/"+result.Approval.ID+"/deny",
		map[string]any{"resolved_by": "tester"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "denied", resolved["status"])

	// Resolving twice violates approval immutability.
	resp, errBody := doJSON(t, http.MethodPost,
		ts.URL+"/approvals/"+result.Approval.ID+"/approve", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "constraint_violation", errBody["code"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/approvals/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["approvals"].([]any)
	assert.Len(t, history, 1)
}

func TestEventsSince(t *testing.T) {
	_, sup, ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, sup.Bus().Publish(&types.Event{
			Type:     "system.health",
			Severity: types.SeverityInfo,
			Priority: types.PriorityLow,
			Source:   "test",
			Payload:  map[string]any{"n": i},
		}))
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/events?since=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	assert.Len(t, events, 3)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/events?since=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = body["events"].([]any)
	assert.Len(t, events, 1)

	resp, errBody := doJSON(t, http.MethodGet, ts.URL+"/events?since=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errBody["code"])
}

func TestPolicyInstall(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, current := doJSON(t, http.MethodGet, ts.URL+"/policy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, current["version"])

	next := map[string]any{
		"version": 2,
		"thresholds": map[string]any{
			"cost_auto_cap":    10.0,
			"cost_confirm_cap": 200.0,
		},
		"quiet_hours": map[string]any{"start": 23, "end": 6},
	}
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/policy", next)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Versions are monotonic; replaying the same version is refused.
	resp, errBody := doJSON(t, http.MethodPut, ts.URL+"/policy", next)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "constraint_violation", errBody["code"])

	resp, errBody = doJSON(t, http.MethodPut, ts.URL+"/policy", map[string]any{
		"version": 3,
		"thresholds": map[string]any{
			"cost_auto_cap":    50.0,
			"cost_confirm_cap": 10.0,
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errBody["code"])
}

func TestDelegateEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/startup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, task := doJSON(t, http.MethodPost, ts.URL+"/tasks/delegate", map[string]any{
		"agent": "projects",
		"title": "plan pantry shelves",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cid, _ := task["correlation_id"].(string)
	require.NotEmpty(t, cid)

	require.Eventually(t, func() bool {
		resp, trace := doJSON(t, http.MethodGet, ts.URL+"/audit/trace/"+cid, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		events, _ := trace["events"].([]any)
		return len(events) >= 2 // task.created and task.completed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBackupExportStreams(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/backup/export", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "export is line-delimited JSON")
}

func TestEditRequestEndpointAppliesEdit(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/startup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	target := filepath.Join(t.TempDir(), "house-notes.md")
	require.NoError(t, os.WriteFile(target, []byte("old notes\n"), 0o644))

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/edits", map[string]any{
		"target":  target,
		"content": "fresh notes\n",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	cid, _ := body["correlation_id"].(string)
	require.NotEmpty(t, cid)

	// The janitor stages, gates and applies asynchronously.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(target)
		return err == nil && string(data) == "fresh notes\n"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEditRequestValidation(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/edits", map[string]any{
		"target": "/tmp/notes.md",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["code"])
}

func TestBackupRequestEndpoint(t *testing.T) {
	s, _, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/startup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/backup/request", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])

	exports := filepath.Join(s.cfg.DataRoot, "exports")
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(exports)
		return err == nil && len(entries) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWebsocketCatchupAndLive(t *testing.T) {
	s, sup, ts := newTestServer(t)
	s.hub.start(sup.Bus())
	defer s.hub.stop(sup.Bus())

	// Two events before the client connects.
	for i := 0; i < 2; i++ {
		require.NoError(t, sup.Bus().Publish(&types.Event{
			Type:     "price.quote",
			Severity: types.SeverityInfo,
			Priority: types.PriorityLow,
			Source:   "test",
			Payload:  map[string]any{"n": fmt.Sprint(i)},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var event types.Event
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, uint64(1), event.Seq)
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, uint64(2), event.Seq)

	// A live event after catch-up.
	require.NoError(t, sup.Bus().Publish(&types.Event{
		Type:     "price.quote",
		Severity: types.SeverityInfo,
		Priority: types.PriorityLow,
		Source:   "test",
		Payload:  map[string]any{"n": "live"},
	}))
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, "price.quote", event.Type)
}
