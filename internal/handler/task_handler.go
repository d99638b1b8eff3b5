package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasktracker/internal/model"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
// projection.Projectionが満たす。
type TaskServiceInterface interface {
	List() []model.Task
	Add(ctx context.Context, name string) error
	SetStatus(ctx context.Context, id string, status model.TaskStatus) error
	Remove(ctx context.Context, id string) error
}

// TaskHandler はタスク一覧と書き込み意図のHTTPハンドラー。
// 書き込みはストアへ依頼した時点で202を返し、一覧への反映は通知を待つ。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{service: service}
}

type addTaskRequest struct {
	Name string `json:"name"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// taskResponse はタスクのAPIレスポンス。
type taskResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

// ListTasks は現在のタスク一覧を作成順で返す。
// GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toTaskListResponse(h.service.List()))
}

// AddTask はタスクの作成を依頼する。
// POST /api/tasks
func (h *TaskHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	if err := h.service.Add(r.Context(), req.Name); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// UpdateStatus はタスクのステータス変更を依頼する。
// PUT /api/tasks/{id}/status
func (h *TaskHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	status := model.TaskStatus(req.Status)
	if !status.Valid() {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("ステータスはOpen, InProgress, Completeのいずれかです。"))
		return
	}

	if err := h.service.SetStatus(r.Context(), taskID, status); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// DeleteTask はタスクの削除を依頼する。
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	if err := h.service.Remove(r.Context(), taskID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func toTaskResponse(t model.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		Name:      t.Name,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
	}
}

func toTaskListResponse(tasks []model.Task) taskListResponse {
	out := taskListResponse{Tasks: make([]taskResponse, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toTaskResponse(t))
	}
	return out
}
