// Package api exposes graph submission and scheduler state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler is the submission surface the handler drives
type Scheduler interface {
	port.TaskReporter
	port.NodeStatusHandler
	SubmitGraph(ctx context.Context, tasks []*domain.Task, deps []domain.DependencySpec) (uuid.UUID, error)
	GraphTasks(id uuid.UUID) ([]int, bool)
	Cancel(ctx context.Context, id int) error
	RemoveTask(ctx context.Context, id int) error
	Task(id int) (*domain.Task, error)
	Metrics() domain.Metrics
	ClusterMetrics() domain.ClusterMetrics
	Report() string
}

// GraphView is the read side of the dependency analyzer
type GraphView interface {
	TopologicalOrder() []int
	CriticalPath() []int
	MemoryCriticalPath() []int
	EstimatePeakMemory() float64
	VertexCount() int
	EdgeCount() int
}

// NodeView lists nodes as the ledger sees them
type NodeView interface {
	Snapshot() []domain.Node
}

type ErrorResponse struct {
	HTTPStatusCode int    `json:"status"`
	Message        string `json:"message"`
}

type taskRequest struct {
	ID           int                  `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Priority     string               `json:"priority,omitempty"`
	Requirements *domain.Requirements `json:"requirements,omitempty"`
}

type submitGraphRequest struct {
	Tasks        []taskRequest           `json:"tasks"`
	Dependencies []domain.DependencySpec `json:"dependencies"`
}

type submitGraphResponse struct {
	GraphID uuid.UUID `json:"graph_id"`
	Tasks   []int     `json:"tasks"`
}

type nodeStatusRequest struct {
	Status string `json:"status"`
}

type taskReportRequest struct {
	NodeID *int `json:"node_id"`
}

type dagResponse struct {
	Vertices           int     `json:"vertices"`
	Edges              int     `json:"edges"`
	TopologicalOrder   []int   `json:"topological_order"`
	CriticalPath       []int   `json:"critical_path"`
	MemoryCriticalPath []int   `json:"memory_critical_path"`
	PeakMemoryGB       float64 `json:"peak_memory_gb"`
}

type metricsResponse struct {
	Scheduler domain.Metrics        `json:"scheduler"`
	Cluster   domain.ClusterMetrics `json:"cluster"`
}

type Handler struct {
	sched Scheduler
	graph GraphView
	nodes NodeView
	log   *zap.Logger
}

func NewHandler(sched Scheduler, graph GraphView, nodes NodeView, log *zap.Logger) *Handler {
	return &Handler{
		sched: sched,
		graph: graph,
		nodes: nodes,
		log:   log.Named("api"),
	}
}

// Routes builds the chi router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/graphs", func(r chi.Router) {
		r.Post("/", h.SubmitGraphHandler)
		r.Get("/{graphID}", h.GetGraphHandler)
	})
	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", h.GetTaskHandler)
		r.Delete("/", h.RemoveTaskHandler)
		r.Post("/cancel", h.CancelTaskHandler)
		r.Post("/complete", h.CompleteTaskHandler)
		r.Post("/fail", h.FailTaskHandler)
	})
	r.Get("/nodes", h.GetNodesHandler)
	r.Put("/nodes/{nodeID}/status", h.SetNodeStatusHandler)
	r.Get("/dag", h.GetDAGHandler)
	r.Get("/metrics", h.GetMetricsHandler)
	r.Get("/report", h.GetReportHandler)
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) SubmitGraphHandler(w http.ResponseWriter, r *http.Request) {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	var req submitGraphRequest
	if err := d.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Error unmarshalling body: %v", err))
		return
	}
	if len(req.Tasks) == 0 {
		h.writeError(w, http.StatusBadRequest, "graph has no tasks")
		return
	}

	tasks := make([]*domain.Task, 0, len(req.Tasks))
	for _, tr := range req.Tasks {
		reqs := domain.DefaultRequirements()
		if tr.Requirements != nil {
			reqs = *tr.Requirements
		}
		t := domain.NewTask(tr.ID, tr.Name, reqs)
		t.Description = tr.Description
		if tr.Priority != "" {
			t.Priority = domain.ParsePriority(tr.Priority)
		}
		tasks = append(tasks, t)
	}

	id, err := h.sched.SubmitGraph(r.Context(), tasks, req.Dependencies)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ids, _ := h.sched.GraphTasks(id)
	writeJSON(w, http.StatusCreated, submitGraphResponse{GraphID: id, Tasks: ids})
}

func (h *Handler) GetGraphHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "graphID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid graph id")
		return
	}
	ids, ok := h.sched.GraphTasks(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("graph %s not found", id))
		return
	}
	tasks := make([]*domain.Task, 0, len(ids))
	for _, tid := range ids {
		// removed tasks are skipped
		if t, err := h.sched.Task(tid); err == nil {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}
	t, err := h.sched.Task(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.Cancel)
}

func (h *Handler) RemoveTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.RemoveTask)
}

func (h *Handler) CompleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.taskReport(w, r, h.sched.CompleteTask)
}

func (h *Handler) FailTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.taskReport(w, r, h.sched.FailTask)
}

// taskReport handles outcomes, which must name the node that ran the task
func (h *Handler) taskReport(w http.ResponseWriter, r *http.Request, report func(context.Context, int, int) error) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}
	var req taskReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Error unmarshalling body: %v", err))
		return
	}
	if req.NodeID == nil {
		h.writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if err := report(r.Context(), id, *req.NodeID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int) error) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if err := action(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.nodes.Snapshot())
}

func (h *Handler) SetNodeStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req nodeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Error unmarshalling body: %v", err))
		return
	}
	status, ok := domain.ParseNodeStatus(req.Status)
	if !ok {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown node status %q", req.Status))
		return
	}
	if err := h.sched.OnNodeStatusChanged(r.Context(), id, status); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetDAGHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dagResponse{
		Vertices:           h.graph.VertexCount(),
		Edges:              h.graph.EdgeCount(),
		TopologicalOrder:   h.graph.TopologicalOrder(),
		CriticalPath:       h.graph.CriticalPath(),
		MemoryCriticalPath: h.graph.MemoryCriticalPath(),
		PeakMemoryGB:       h.graph.EstimatePeakMemory(),
	})
}

func (h *Handler) GetMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		Scheduler: h.sched.Metrics(),
		Cluster:   h.sched.ClusterMetrics(),
	})
}

func (h *Handler) GetReportHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, h.sched.Report())
}

func (h *Handler) taskID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCycleRejected),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidNodeTransition),
		errors.Is(err, domain.ErrDuplicateTask),
		errors.Is(err, domain.ErrStaleReport):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("Request failed", zap.Error(err))
	}
	h.writeError(w, code, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.log.Debug("Request rejected", zap.Int("status", code), zap.String("message", msg))
	writeJSON(w, code, ErrorResponse{HTTPStatusCode: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
