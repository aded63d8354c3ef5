package handler

import (
	"errors"
	"net/http"
	"strconv"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/service"

	"github.com/gin-gonic/gin"
)

// TaskHandler serves read-only task and occurrence state for polling clients.
type TaskHandler struct {
	tasks       *service.TaskStore
	occurrences *service.OccurrenceStore
	log         *logger.Logger
}

func NewTaskHandler(tasks *service.TaskStore, occurrences *service.OccurrenceStore, log *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, occurrences: occurrences, log: log}
}

// GetTask returns one task with its progress, warnings and outputs.
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrTaskNotFound) {
		fail(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		h.log.Errorf("get task %s: %v", c.Param("id"), err)
		fail(c, http.StatusInternalServerError, "failed to load task")
		return
	}
	success(c, task, "ok")
}

// ListTasks returns tasks in one status, oldest first.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	status := model.TaskStatus(c.DefaultQuery("status", string(model.TaskStatusRunning)))
	switch status {
	case model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusCompleted, model.TaskStatusFailed:
	default:
		fail(c, http.StatusBadRequest, "unknown status")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, "limit must be a positive number")
		return
	}

	tasks, err := h.tasks.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.log.Errorf("list %s tasks: %v", status, err)
		fail(c, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	success(c, tasks, "ok")
}

// GetOccurrences pages through the committed occurrence set in sort order.
func (h *TaskHandler) GetOccurrences(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		fail(c, http.StatusBadRequest, "page must be a positive number")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "0"))
	if err != nil || pageSize < 0 {
		fail(c, http.StatusBadRequest, "page_size must not be negative")
		return
	}

	filter := service.InScratch(false)
	if c.Query("flagged") == "true" {
		filter = service.Combine(filter, service.Flagged())
	}
	p, err := h.occurrences.Paginate(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		h.log.Errorf("page occurrences: %v", err)
		fail(c, http.StatusInternalServerError, "failed to load occurrences")
		return
	}
	success(c, p, "ok")
}
