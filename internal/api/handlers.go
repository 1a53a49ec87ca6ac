package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pulse/internal/models"
	"pulse/internal/recurrence"
	"pulse/internal/scheduler"
	"pulse/internal/storage"
	"pulse/internal/validate"
)

// Handlers holds dependencies for the API handlers.
type Handlers struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandlers creates a new Handlers struct.
func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{deps: deps, logger: deps.Logger.Named("api")}
}

// RunPass triggers one pipeline pass and reports its outcome.
func (h *Handlers) RunPass(t Trigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "pipeline not configured"})
			return
		}
		report, ran, err := t.RunOnce(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
			return
		}
		if !ran {
			c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"skipped":   false,
			"processed": report.Processed,
			"report":    report,
		})
	}
}

// Status lists every pipeline's scheduling state.
func (h *Handlers) Status(c *gin.Context) {
	pipelines := make([]scheduler.Status, 0, len(h.deps.Statuses))
	for _, s := range h.deps.Statuses {
		pipelines = append(pipelines, s.Status())
	}
	resp := gin.H{"ok": true, "pipelines": pipelines}
	if h.deps.Alerts != nil {
		resp["monitors"] = h.deps.Alerts.Counts()
	}
	c.JSON(http.StatusOK, resp)
}

// Healthz is a simple liveness endpoint.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.deps.Now().UTC()})
}

// CreateMonitor validates and stores a new monitor.
func (h *Handlers) CreateMonitor(c *gin.Context) {
	var m models.Monitor
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	m.ID, m.LastCheckedAt = 0, nil
	if err := h.deps.Rules.Monitor(&m); err != nil {
		validationFailed(c, err)
		return
	}
	if err := h.deps.Store.CreateMonitor(c.Request.Context(), &m); err != nil {
		h.internalError(c, "create monitor", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// GetMonitor returns one monitor.
func (h *Handlers) GetMonitor(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := h.deps.Store.GetMonitor(c.Request.Context(), id)
	if err != nil {
		h.lookupError(c, "monitor", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ListChecks returns a monitor's recent check history, newest first.
func (h *Handlers) ListChecks(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.deps.Store.GetMonitor(c.Request.Context(), id); err != nil {
		h.lookupError(c, "monitor", err)
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	var since *time.Time
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			utc := t.UTC()
			since = &utc
		}
	}

	checks, err := h.deps.Store.ListChecks(c.Request.Context(), storage.ListChecksParams{
		MonitorID: id,
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		h.internalError(c, "list checks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": checks})
}

// CreateTask validates and stores a task or recurring template.
func (h *Handlers) CreateTask(c *gin.Context) {
	var t models.Task
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	t.ID, t.RecurringTemplateID = 0, nil
	if err := validate.Task(&t); err != nil {
		validationFailed(c, err)
		return
	}
	recurrence.Prime(&t, h.deps.Now())
	if err := h.deps.Store.CreateTask(c.Request.Context(), &t); err != nil {
		h.internalError(c, "create task", err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTask returns one task.
func (h *Handlers) GetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.deps.Store.GetTask(c.Request.Context(), id)
	if err != nil {
		h.lookupError(c, "task", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListInstances returns the instances materialized from a template.
func (h *Handlers) ListInstances(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	items, err := h.deps.Store.ListInstances(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "list instances", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListComments returns a task's comments in creation order.
func (h *Handlers) ListComments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	items, err := h.deps.Store.ListComments(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "list comments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid id"})
		return 0, false
	}
	return id, true
}

func validationFailed(c *gin.Context, err error) {
	var verrs validate.Errors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "validation failed", "details": []string(verrs)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
}

func (h *Handlers) lookupError(c *gin.Context, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": what + " not found"})
		return
	}
	h.internalError(c, "get "+what, err)
}

func (h *Handlers) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal server error"})
}
