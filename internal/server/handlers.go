package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/scheduler"
)

const (
	// HeaderUser names the operator a created task is attributed to.
	HeaderUser = "X-Conduit-User"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence the ops API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]model.Task, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus) (model.Task, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (model.Transaction, error)
	GetChannel(ctx context.Context, id uuid.UUID) (model.Channel, error)
}

// ProcessorStatus reports on the rerun processor.
type ProcessorStatus interface {
	IsRunning() bool
	InFlight() int64
}

// RetryQueuer queues failed transactions for automatic retry.
type RetryQueuer interface {
	QueueForRetry(ctx context.Context, tx model.Transaction, ch model.Channel) (bool, error)
}

// JobRunner lists and triggers scheduled jobs.
type JobRunner interface {
	Jobs() []scheduler.JobInfo
	Trigger(name string) error
}

// transitions lists, for each requested status, the statuses it may be
// reached from. Processing is only ever entered by a claim.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusPaused:    {model.TaskStatusQueued, model.TaskStatusProcessing},
	model.TaskStatusQueued:    {model.TaskStatusPaused},
	model.TaskStatusCancelled: {model.TaskStatusQueued, model.TaskStatusProcessing, model.TaskStatusPaused},
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	processor           ProcessorStatus
	retry               RetryQueuer
	jobs                JobRunner
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               Store
	Processor           ProcessorStatus
	Retry               RetryQueuer
	Jobs                JobRunner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		processor:           d.Processor,
		retry:               d.Retry,
		jobs:                d.Jobs,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateTask handles POST /v1/tasks.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	task, err := model.NewTask(strings.TrimSpace(r.Header.Get(HeaderUser)), req)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	if err := h.store.CreateTask(r.Context(), &task); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	h.logger.Info("task created", "task_id", task.ID, "user", task.User,
		"transactions", task.TotalTransactions, "batch_size", task.BatchSize, "status", task.Status)
	writeJSON(w, r, http.StatusCreated, task)
}

// HandleListTasks handles GET /v1/tasks?status=&limit=.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.TaskStatusQueued, model.TaskStatusProcessing, model.TaskStatusPaused,
		model.TaskStatusCancelled, model.TaskStatusCompleted:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := h.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, r, http.StatusOK, tasks)
}

// HandleGetTask handles GET /v1/tasks/{task_id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleUpdateTaskStatus handles PUT /v1/tasks/{task_id}/status. It pauses,
// resumes or cancels a task. A round already in flight finishes, but the
// processor keeps the status set here.
func (h *Handlers) HandleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	var req model.UpdateTaskStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	from, ok := transitions[req.Status]
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("status must be one of %s, %s, %s", model.TaskStatusPaused, model.TaskStatusQueued, model.TaskStatusCancelled))
		return
	}
	task, err := h.store.TransitionTask(r.Context(), id, from, req.Status)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	h.logger.Info("task status changed", "task_id", id, "status", task.Status)
	writeJSON(w, r, http.StatusOK, task)
}

// HandleQueueRetry handles POST /v1/autoretry.
func (h *Handlers) HandleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if h.retry == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "auto-retry is not configured")
		return
	}
	var req model.QueueRetryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TransactionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "transaction_id is required")
		return
	}

	tx, err := h.store.GetTransaction(r.Context(), req.TransactionID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	ch, err := h.store.GetChannel(r.Context(), tx.ChannelID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	queued, err := h.retry.QueueForRetry(r.Context(), tx, ch)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"transaction_id": tx.ID,
		"queued":         queued,
	})
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, r, http.StatusOK, []scheduler.JobInfo{})
		return
	}
	writeJSON(w, r, http.StatusOK, h.jobs.Jobs())
}

// HandleRunJob handles POST /v1/jobs/{name}/run. The job runs in the
// background under the scheduler's overlap guard.
func (h *Handlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.jobs == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("unknown job %q", name))
		return
	}
	if err := h.jobs.Trigger(name); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("unknown job %q", name))
		case errors.Is(err, scheduler.ErrStopped):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "scheduler is shutting down")
		default:
			h.logger.Error("manual job run failed", "job", name, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not start job")
		}
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"job": name})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.processor != nil {
		resp.TasksProcessing = h.processor.IsRunning()
		resp.ActiveRounds = h.processor.InFlight()
	}
	writeJSON(w, r, httpStatus, resp)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}
