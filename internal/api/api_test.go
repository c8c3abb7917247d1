package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/repograde/internal/grading"
	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/health"
)

// MockController is a mock implementation of Controller
type MockController struct {
	mock.Mock
}

func (m *MockController) Tasks() []orchestrator.TaskSnapshot {
	args := m.Called()
	return args.Get(0).([]orchestrator.TaskSnapshot)
}

func (m *MockController) Task(id string) (orchestrator.TaskSnapshot, error) {
	args := m.Called(id)
	return args.Get(0).(orchestrator.TaskSnapshot), args.Error(1)
}

func (m *MockController) Skip(id string) error {
	return m.Called(id).Error(0)
}

func (m *MockController) Stop(id string) error {
	return m.Called(id).Error(0)
}

func (m *MockController) AbortAll() int {
	return m.Called().Int(0)
}

func (m *MockController) BatchID() string {
	return m.Called().String(0)
}

func (m *MockController) Running() bool {
	return m.Called().Bool(0)
}

func (m *MockController) Capabilities() grading.Capabilities {
	return m.Called().Get(0).(grading.Capabilities)
}

const testSecret = "test-secret"

func setupRouter(ctrl Controller, secret string, hub *Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterConfig{JWTSecret: secret}, Dependencies{
		Controller: ctrl,
		Health:     health.NewService(nil, nil),
		Events:     hub,
	})
}

func doRequest(router http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestListTasks(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("Tasks").Return([]orchestrator.TaskSnapshot{
		{ID: "acme/a", Status: orchestrator.StatusCompleted},
		{ID: "acme/b", Status: orchestrator.StatusStreaming},
		{ID: "acme/c", Status: orchestrator.StatusStreaming},
	})
	router := setupRouter(ctrl, "", nil)

	w := doRequest(router, http.MethodGet, "/api/v1/tasks?status=streaming", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool                        `json:"success"`
		Data    []orchestrator.TaskSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "acme/b", body.Data[0].ID)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGetBatch(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("Tasks").Return([]orchestrator.TaskSnapshot{
		{ID: "acme/a", Status: orchestrator.StatusCompleted},
		{ID: "acme/b", Status: orchestrator.StatusError},
	})
	ctrl.On("BatchID").Return("batch-1")
	ctrl.On("Running").Return(true)
	ctrl.On("Capabilities").Return(grading.Capabilities{Name: "codex", SupportsAbort: true})
	router := setupRouter(ctrl, "", nil)

	w := doRequest(router, http.MethodGet, "/api/v1/batch", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data BatchStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "batch-1", body.Data.BatchID)
	assert.True(t, body.Data.Running)
	assert.Equal(t, 2, body.Data.Total)
	assert.Equal(t, map[string]int{"completed": 1, "error": 1}, body.Data.ByStatus)
	assert.Equal(t, "codex", body.Data.Grader.Name)
}

func TestGetTask_NotFound(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("Task", "acme/missing").Return(orchestrator.TaskSnapshot{}, apperrors.NewNotFoundError("task acme/missing"))
	router := setupRouter(ctrl, "", nil)

	w := doRequest(router, http.MethodGet, "/api/v1/tasks/acme/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decode(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestCancelEndpoints(t *testing.T) {
	token, err := IssueToken(testSecret, "ops@example.com", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		setup    func(*MockController)
		wantCode int
		wantErr  string
	}{
		{
			name: "skip",
			path: "/api/v1/tasks/acme/widgets/skip",
			setup: func(m *MockController) {
				m.On("Skip", "acme/widgets").Return(nil)
				m.On("Task", "acme/widgets").Return(orchestrator.TaskSnapshot{
					ID:               "acme/widgets",
					Status:           orchestrator.StatusError,
					CancellationMode: orchestrator.CancelSkip,
				}, nil)
			},
			wantCode: http.StatusAccepted,
		},
		{
			name: "stop",
			path: "/api/v1/tasks/acme/widgets/stop",
			setup: func(m *MockController) {
				m.On("Stop", "acme/widgets").Return(nil)
				m.On("Task", "acme/widgets").Return(orchestrator.TaskSnapshot{ID: "acme/widgets"}, nil)
			},
			wantCode: http.StatusAccepted,
		},
		{
			name: "already terminal",
			path: "/api/v1/tasks/acme/widgets/skip",
			setup: func(m *MockController) {
				m.On("Skip", "acme/widgets").Return(apperrors.NewConflictError("task acme/widgets is already completed"))
			},
			wantCode: http.StatusConflict,
			wantErr:  "CONFLICT",
		},
		{
			name: "unknown task",
			path: "/api/v1/tasks/acme/nope/stop",
			setup: func(m *MockController) {
				m.On("Stop", "acme/nope").Return(apperrors.NewNotFoundError("task acme/nope"))
			},
			wantCode: http.StatusNotFound,
			wantErr:  "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &MockController{}
			tt.setup(ctrl)
			router := setupRouter(ctrl, testSecret, nil)

			w := doRequest(router, http.MethodPost, tt.path, token)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decode(t, w).Error.Code)
			}
			ctrl.AssertExpectations(t)
		})
	}
}

func TestAbortAll(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("AbortAll").Return(4)
	ctrl.On("BatchID").Return("batch-1")
	router := setupRouter(ctrl, "", nil)

	w := doRequest(router, http.MethodPost, "/api/v1/batch/abort", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Data["cancelled"])
	ctrl.AssertExpectations(t)
}

func TestAuthMiddleware(t *testing.T) {
	expired, err := IssueToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong key", header: "Bearer " + wrongKey},
		{name: "garbage", header: "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &MockController{}
			router := setupRouter(ctrl, testSecret, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/abort", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "UNAUTHORIZED", decode(t, w).Error.Code)
			ctrl.AssertNotCalled(t, "AbortAll")
		})
	}
}

func TestReadRoutesAreOpen(t *testing.T) {
	ctrl := &MockController{}
	ctrl.On("Tasks").Return([]orchestrator.TaskSnapshot{})
	router := setupRouter(ctrl, testSecret, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndNoRoute(t *testing.T) {
	router := setupRouter(&MockController{}, "", nil)

	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(orchestrator.TaskEvent{TaskID: "acme/a", Seq: 1})
	hub.Publish(orchestrator.TaskEvent{TaskID: "acme/a", Seq: 2})

	ev := <-events
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, uint64(1), hub.Dropped())

	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestEventStream(t *testing.T) {
	hub := NewHub(8)
	router := setupRouter(&MockController{}, "", hub)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Sink()(orchestrator.TaskEvent{
		TaskID:  "acme/widgets",
		Seq:     1,
		Kind:    orchestrator.EventStatusChanged,
		Payload: orchestrator.StatusChanged{From: orchestrator.StatusPending, To: orchestrator.StatusCloning},
	})
	require.Eventually(t, func() bool { return hub.Backlog() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "event:status_changed"), body)
	assert.Contains(t, body, `"task_id":"acme/widgets"`)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestEventStream_OutlivesServerWriteTimeout(t *testing.T) {
	hub := NewHub(8)
	server := httptest.NewUnstartedServer(setupRouter(&MockController{}, "", hub))
	server.Config.WriteTimeout = 100 * time.Millisecond
	server.Start()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * server.Config.WriteTimeout)
	hub.Publish(orchestrator.TaskEvent{TaskID: "acme/late", Seq: 1, Kind: orchestrator.EventStatusChanged})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before the event arrived")
			if strings.Contains(line, "acme/late") {
				return
			}
		case <-deadline:
			t.Fatal("event not received")
		}
	}
}
