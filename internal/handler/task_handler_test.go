package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasktracker/internal/model"
)

// --- モック定義 ---

type mockTaskService struct {
	tasks       []model.Task
	addFn       func(ctx context.Context, name string) error
	setStatusFn func(ctx context.Context, id string, status model.TaskStatus) error
	removeFn    func(ctx context.Context, id string) error
}

func (m *mockTaskService) List() []model.Task { return m.tasks }

func (m *mockTaskService) Add(ctx context.Context, name string) error {
	if m.addFn != nil {
		return m.addFn(ctx, name)
	}
	return nil
}

func (m *mockTaskService) SetStatus(ctx context.Context, id string, status model.TaskStatus) error {
	if m.setStatusFn != nil {
		return m.setStatusFn(ctx, id, status)
	}
	return nil
}

func (m *mockTaskService) Remove(ctx context.Context, id string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, id)
	}
	return nil
}

// taskRouter はURLパラメータを解決するためにchiでハンドラーを包む。
func taskRouter(svc TaskServiceInterface) http.Handler {
	h := NewTaskHandler(svc)
	r := chi.NewRouter()
	r.Get("/api/tasks", h.ListTasks)
	r.Post("/api/tasks", h.AddTask)
	r.Put("/api/tasks/{id}/status", h.UpdateStatus)
	r.Delete("/api/tasks/{id}", h.DeleteTask)
	return r
}

// --- テスト ---

func TestTaskHandler_ListTasks(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &mockTaskService{tasks: []model.Task{
		{ID: "t1", Name: "Buy milk", Status: model.TaskStatusOpen, CreatedAt: created},
		{ID: "t2", Name: "Walk dog", Status: model.TaskStatusComplete, CreatedAt: created},
	}}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body taskListResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(body.Tasks))
	}
	if body.Tasks[0].Name != "Buy milk" || body.Tasks[1].Status != "Complete" {
		t.Errorf("tasks = %+v", body.Tasks)
	}
}

func TestTaskHandler_ListTasks_EmptyIsArray(t *testing.T) {
	w := httptest.NewRecorder()
	taskRouter(&mockTaskService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	if got := w.Body.String(); got != "{\"tasks\":[]}\n" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestTaskHandler_AddTask(t *testing.T) {
	var gotName string
	svc := &mockTaskService{
		addFn: func(ctx context.Context, name string) error {
			gotName = name
			return nil
		},
	}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", jsonBody(`{"name":"Buy milk"}`)))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if gotName != "Buy milk" {
		t.Errorf("name = %q, want %q", gotName, "Buy milk")
	}
}

func TestTaskHandler_AddTask_WriteFailed_Returns422(t *testing.T) {
	svc := &mockTaskService{
		addFn: func(ctx context.Context, name string) error {
			return model.NewStoreError(model.StoreErrWriteFailed, "タスク名が不正です。", nil)
		},
	}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", jsonBody(`{"name":""}`)))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if body := decodeAPIError(t, w); body.Code != model.StoreErrWriteFailed || body.Category != "task" {
		t.Errorf("body = %+v", body)
	}
}

func TestTaskHandler_UpdateStatus(t *testing.T) {
	var gotID string
	var gotStatus model.TaskStatus
	svc := &mockTaskService{
		setStatusFn: func(ctx context.Context, id string, status model.TaskStatus) error {
			gotID, gotStatus = id, status
			return nil
		},
	}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/tasks/t1/status", jsonBody(`{"status":"InProgress"}`)))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if gotID != "t1" || gotStatus != model.TaskStatusInProgress {
		t.Errorf("got (%q, %q), want (t1, InProgress)", gotID, gotStatus)
	}
}

func TestTaskHandler_UpdateStatus_InvalidStatus_Returns400(t *testing.T) {
	svc := &mockTaskService{
		setStatusFn: func(ctx context.Context, id string, status model.TaskStatus) error {
			t.Fatal("SetStatus should not be called")
			return nil
		},
	}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/tasks/t1/status", jsonBody(`{"status":"Done"}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTaskHandler_DeleteTask_NotAuthenticated_Returns401(t *testing.T) {
	svc := &mockTaskService{
		removeFn: func(ctx context.Context, id string) error {
			return model.NewStoreError(model.StoreErrNotAuthenticated, "サインインしていません。", nil)
		},
	}

	w := httptest.NewRecorder()
	taskRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/tasks/t1", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleServiceError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", model.NewAuthError(model.AuthErrInvalidCredentials, "x", nil), http.StatusUnauthorized, model.AuthErrInvalidCredentials},
		{"already registered", model.NewAuthError(model.AuthErrAlreadyRegistered, "x", nil), http.StatusConflict, model.AuthErrAlreadyRegistered},
		{"network unavailable", model.NewAuthError(model.AuthErrNetworkUnavailable, "x", nil), http.StatusServiceUnavailable, model.AuthErrNetworkUnavailable},
		{"not authenticated", model.NewStoreError(model.StoreErrNotAuthenticated, "x", nil), http.StatusUnauthorized, model.StoreErrNotAuthenticated},
		{"write failed", model.NewStoreError(model.StoreErrWriteFailed, "x", model.ErrTaskNotFound), http.StatusUnprocessableEntity, model.StoreErrWriteFailed},
		{"subscription failed", model.NewStoreError(model.StoreErrSubscriptionFailed, "x", nil), http.StatusServiceUnavailable, model.StoreErrSubscriptionFailed},
		{"validation", model.NewValidationError("x"), http.StatusBadRequest, model.ErrCodeValidation},
		{"wrapped store error", errors.Join(errors.New("ctx"), model.NewStoreError(model.StoreErrWriteFailed, "x", nil)), http.StatusUnprocessableEntity, model.StoreErrWriteFailed},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeAPIError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}
