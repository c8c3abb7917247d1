package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
)

func failedSnapshot(id string, phase orchestrator.Phase) orchestrator.TaskSnapshot {
	return orchestrator.TaskSnapshot{
		ID:        id,
		Status:    orchestrator.StatusError,
		Phase:     phase,
		LastError: "boom",
	}
}

func batchResult() *orchestrator.BatchResult {
	return &orchestrator.BatchResult{
		BatchID:   "batch-1",
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:  90 * time.Second,
		Completed: []orchestrator.TaskSnapshot{{ID: "acme/a", Status: orchestrator.StatusCompleted}},
		Failed: []orchestrator.TaskSnapshot{
			{ID: "acme/b", Status: orchestrator.StatusError, Phase: orchestrator.PhaseGrade, TimedOut: true, LastError: "TIMEOUT: grade timed out"},
		},
		CloneFailed: []orchestrator.TaskSnapshot{failedSnapshot("acme/c", orchestrator.PhaseClone)},
	}
}

func newTestNotifier(t *testing.T, url string, retries int) *SlackNotifier {
	t.Helper()
	n, err := NewSlackNotifier(SlackConfig{
		WebhookURL: url,
		Channel:    "#grading",
		Retries:    retries,
		Clock:      clock.NewFake(time.Now()),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return n
}

func TestNewSlackNotifier_RequiresWebhook(t *testing.T) {
	_, err := NewSlackNotifier(SlackConfig{}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestNotifyBatch(t *testing.T) {
	var received SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newTestNotifier(t, server.URL, 0)
	require.NoError(t, n.NotifyBatch(context.Background(), batchResult()))

	assert.Equal(t, "#grading", received.Channel)
	assert.Equal(t, "repograde", received.Username)
	assert.Contains(t, received.Text, "1 of 3 repositories graded")
	require.Len(t, received.Attachments, 1)

	att := received.Attachments[0]
	assert.Equal(t, "warning", att.Color)
	assert.Equal(t, "1 (1 timed out)", att.Fields[1].Value)
	assert.Equal(t, "1", att.Fields[2].Value)
	assert.Equal(t, "1m30s", att.Fields[4].Value)
	assert.Contains(t, att.Text, "acme/b (grade)")
	assert.Contains(t, att.Text, "acme/c (clone): boom")
}

func TestBuildMessage_Color(t *testing.T) {
	n := newTestNotifier(t, "https://hooks.slack.com/services/T000/B000/XXX", 0)

	allGood := &orchestrator.BatchResult{
		BatchID:   "b",
		Completed: []orchestrator.TaskSnapshot{{ID: "acme/a"}},
		Skipped:   []orchestrator.TaskSnapshot{{ID: "acme/s"}},
	}
	assert.Equal(t, "good", n.buildMessage(allGood).Attachments[0].Color)

	nothingGraded := &orchestrator.BatchResult{
		BatchID:     "b",
		CloneFailed: []orchestrator.TaskSnapshot{failedSnapshot("acme/x", orchestrator.PhaseClone)},
	}
	assert.Equal(t, "danger", n.buildMessage(nothingGraded).Attachments[0].Color)
}

func TestFailureSummary_Truncates(t *testing.T) {
	var tasks []orchestrator.TaskSnapshot
	for _, id := range []string{"a/1", "a/2", "a/3", "a/4", "a/5", "a/6", "a/7"} {
		tasks = append(tasks, failedSnapshot(id, orchestrator.PhaseGrade))
	}

	summary := failureSummary(tasks)
	assert.Contains(t, summary, "a/5 (grade)")
	assert.NotContains(t, summary, "a/6")
	assert.Contains(t, summary, "...and 2 more")
}

func TestNotifyBatch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newTestNotifier(t, server.URL, 2)
	require.NoError(t, n.NotifyBatch(context.Background(), batchResult()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyBatch_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	n := newTestNotifier(t, server.URL, 3)
	err := n.NotifyBatch(context.Background(), batchResult())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMaskWebhookURL(t *testing.T) {
	assert.Equal(t, "***", maskWebhookURL("short"))
	assert.Equal(t, "https://hooks.slack.***", maskWebhookURL("https://hooks.slack.com/services/T000/B000/XXX"))
}
