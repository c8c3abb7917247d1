package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/repograde/internal/grading"
	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

// Controller is the slice of the orchestrator the control API drives.
// *orchestrator.Orchestrator satisfies it.
type Controller interface {
	Tasks() []orchestrator.TaskSnapshot
	Task(id string) (orchestrator.TaskSnapshot, error)
	Skip(id string) error
	Stop(id string) error
	AbortAll() int
	BatchID() string
	Running() bool
	Capabilities() grading.Capabilities
}

// BatchStatus summarizes the current batch
type BatchStatus struct {
	BatchID  string               `json:"batch_id"`
	Running  bool                 `json:"running"`
	Grader   grading.Capabilities `json:"grader"`
	ByStatus map[string]int       `json:"by_status"`
	Total    int                  `json:"total"`
}

// TaskHandler serves task snapshots and cancellation
type TaskHandler struct {
	ctrl   Controller
	logger *logging.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(ctrl Controller, logger *logging.Logger) *TaskHandler {
	return &TaskHandler{ctrl: ctrl, logger: logger}
}

// taskID rebuilds the owner/repo task ID from the route
func taskID(c *gin.Context) string {
	return c.Param("owner") + "/" + c.Param("repo")
}

// GetBatch handles GET /api/v1/batch
func (h *TaskHandler) GetBatch(c *gin.Context) {
	tasks := h.ctrl.Tasks()
	byStatus := make(map[string]int)
	for _, t := range tasks {
		byStatus[string(t.Status)]++
	}

	SuccessResponse(c, BatchStatus{
		BatchID:  h.ctrl.BatchID(),
		Running:  h.ctrl.Running(),
		Grader:   h.ctrl.Capabilities(),
		ByStatus: byStatus,
		Total:    len(tasks),
	})
}

// ListTasks handles GET /api/v1/tasks, optionally filtered by ?status=
func (h *TaskHandler) ListTasks(c *gin.Context) {
	tasks := h.ctrl.Tasks()
	if status := c.Query("status"); status != "" {
		filtered := make([]orchestrator.TaskSnapshot, 0, len(tasks))
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	SuccessResponse(c, tasks)
}

// GetTask handles GET /api/v1/tasks/:owner/:repo
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.ctrl.Task(taskID(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, task)
}

// SkipTask handles POST /api/v1/tasks/:owner/:repo/skip
func (h *TaskHandler) SkipTask(c *gin.Context) {
	h.cancel(c, "skip", h.ctrl.Skip)
}

// StopTask handles POST /api/v1/tasks/:owner/:repo/stop
func (h *TaskHandler) StopTask(c *gin.Context) {
	h.cancel(c, "stop", h.ctrl.Stop)
}

func (h *TaskHandler) cancel(c *gin.Context, action string, fn func(string) error) {
	id := taskID(c)
	if err := fn(id); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	h.logger.WithOperation(action).WithFields(logrus.Fields{
		"task_id":  id,
		"operator": GetOperator(c),
	}).Info("Task cancelled via control API")

	task, err := h.ctrl.Task(id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	AcceptedResponse(c, task)
}

// AbortAll handles POST /api/v1/batch/abort
func (h *TaskHandler) AbortAll(c *gin.Context) {
	cancelled := h.ctrl.AbortAll()

	h.logger.Warn("Batch aborted via control API",
		"batch_id", h.ctrl.BatchID(),
		"cancelled", cancelled,
		"operator", GetOperator(c),
	)
	AcceptedResponse(c, gin.H{"cancelled": cancelled})
}
