package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	srv  *httptest.Server
	orch *service.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	ledger := service.NewLedger(domain.DefaultHealthPolicy(), log)
	require.NoError(t, ledger.Register(domain.Node{
		ID:       1,
		Hostname: "fog-node-1",
		Capacity: domain.Capacity{CPU: 4, MemoryGB: 8, DiskGB: 100, NetworkMbps: 1000},
	}))
	analyzer := service.NewAnalyzer(service.DefaultAnalyzerConfig(), log)
	selector := service.NewSelector(service.DefaultSelectorConfig(), analyzer, log)
	orch := service.NewOrchestrator(service.DefaultOrchestratorConfig(), ledger, analyzer, selector, log)

	srv := httptest.NewServer(NewHandler(orch, analyzer, ledger, log).Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, orch: orch}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

const chainBody = `{
  "tasks": [
    {"id": 1, "name": "extract", "priority": "high", "requirements": {"cpu": 2, "memory_gb": 2}},
    {"id": 2, "name": "load"}
  ],
  "dependencies": [{"from": 1, "to": 2, "edge": {"type": "compute"}}]
}`

func TestSubmitGraph(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/graphs", chainBody)
	require.Equal(t, http.StatusCreated, code, string(body))
	graphID := gjson.GetBytes(body, "graph_id").String()
	assert.NotEmpty(t, graphID)
	assert.Equal(t, `[1,2]`, gjson.GetBytes(body, "tasks").Raw)

	code, body = f.do(t, http.MethodGet, "/graphs/"+graphID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "#").Int())
	assert.Equal(t, "HIGH", domain.Priority(gjson.GetBytes(body, "0.priority").Int()).String())
	assert.Equal(t, "PENDING", gjson.GetBytes(body, "1.status").String())

	t.Run("duplicate is a conflict", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, "/graphs", chainBody)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, int64(409), gjson.GetBytes(body, "status").Int())
	})

	t.Run("cycle is a conflict", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, "/graphs", `{
  "tasks": [{"id": 10, "name": "a"}, {"id": 11, "name": "b"}],
  "dependencies": [{"from": 10, "to": 11}, {"from": 11, "to": 10}]
}`)
		assert.Equal(t, http.StatusConflict, code)
		assert.Contains(t, gjson.GetBytes(body, "message").String(), "cycle rejected")
	})

	t.Run("bad bodies", func(t *testing.T) {
		code, _ := f.do(t, http.MethodPost, "/graphs", `{"tasks": []}`)
		assert.Equal(t, http.StatusBadRequest, code)
		code, body := f.do(t, http.MethodPost, "/graphs", `{"tasks": [], "extra": 1}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, gjson.GetBytes(body, "message").String(), "Error unmarshalling body")
		code, _ = f.do(t, http.MethodPost, "/graphs", `{"tasks": [{"id": 20, "requirements": {"cpu": 0, "memory_gb": 1}}]}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown graph", func(t *testing.T) {
		code, _ := f.do(t, http.MethodGet, "/graphs/00000000-0000-0000-0000-000000000000", "")
		assert.Equal(t, http.StatusNotFound, code)
		code, _ = f.do(t, http.MethodGet, "/graphs/nope", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/graphs", chainBody)
	require.Equal(t, http.StatusCreated, code)

	_, err := f.orch.DispatchPass(context.Background())
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/tasks/1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "RUNNING", gjson.GetBytes(body, "status").String())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "assigned_node").Int())

	code, _ = f.do(t, http.MethodPost, "/tasks/1/cancel", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/tasks/1/complete", "{}")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "node_id is required", gjson.GetBytes(body, "message").String())
	code, body = f.do(t, http.MethodPost, "/tasks/1/complete", `{"node_id": 7}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, gjson.GetBytes(body, "message").String(), "stale task report")

	code, _ = f.do(t, http.MethodPost, "/tasks/1/complete", `{"node_id": 1}`)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, []int{2}, f.orch.ReadyTasks())

	code, _ = f.do(t, http.MethodPost, "/tasks/2/cancel", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodDelete, "/tasks/2", "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = f.do(t, http.MethodGet, "/tasks/2", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, body = f.do(t, http.MethodPost, "/tasks/x/fail", `{"node_id": 1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid task id", gjson.GetBytes(body, "message").String())

	code, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), gjson.GetBytes(body, "scheduler.completed_count").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "cluster.online_nodes").Int())

	code, body = f.do(t, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "Scheduler report")
}

func TestNodesAndDAG(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/graphs", chainBody)
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodGet, "/dag", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "vertices").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "edges").Int())
	assert.Equal(t, `[1,2]`, gjson.GetBytes(body, "topological_order").Raw)

	code, _ = f.do(t, http.MethodPut, "/nodes/1/status", `{"status": "DEGRADED"}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = f.do(t, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "DEGRADED", gjson.GetBytes(body, "0.status").String())
	assert.False(t, gjson.GetBytes(body, "0.healthy").Bool())

	code, _ = f.do(t, http.MethodPut, "/nodes/1/status", `{"status": "OFFLINE"}`)
	assert.Equal(t, http.StatusConflict, code, "DEGRADED -> OFFLINE is not allowed")
	code, _ = f.do(t, http.MethodPut, "/nodes/1/status", `{"status": "SLEEPING"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/nodes/9/status", `{"status": "ONLINE"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNodeNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(&domain.CycleError{From: 1, To: 2}))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrStaleReport))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrInvalidRequest))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&domain.CapacityError{}))
}
