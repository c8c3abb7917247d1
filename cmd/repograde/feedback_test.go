package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/NikhilSetiya/repograde/internal/github"
	"github.com/NikhilSetiya/repograde/internal/grading"
	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

type mockIssues struct {
	mock.Mock
}

func (m *mockIssues) CreateFeedbackIssue(ctx context.Context, owner, name, title, body string, labels []string) (*github.Issue, error) {
	args := m.Called(owner, name, title, body, labels)
	if issue := args.Get(0); issue != nil {
		return issue.(*github.Issue), args.Error(1)
	}
	return nil, args.Error(1)
}

func graded(owner, repo string, output map[string]interface{}) orchestrator.TaskSnapshot {
	return orchestrator.TaskSnapshot{
		ID:         owner + "/" + repo,
		Owner:      owner,
		Repo:       repo,
		Status:     orchestrator.StatusCompleted,
		TokensUsed: grading.Usage{InputTokens: 100, OutputTokens: 20},
		Result:     &grading.Result{Output: output},
	}
}

func TestFeedbackBody(t *testing.T) {
	body := feedbackBody(graded("acme", "widgets", map[string]interface{}{
		"score":    float64(7),
		"feedback": "Add tests",
		"rubric":   map[string]interface{}{"docs": float64(2)},
	}))

	assert.Contains(t, body, "## Automated review of acme/widgets")
	assert.Contains(t, body, "**feedback**: Add tests")
	assert.Contains(t, body, "**rubric**: `{\"docs\":2}`")
	assert.Contains(t, body, "**score**: 7")
	assert.Contains(t, body, "_120 tokens used_")
	assert.Less(t, strings.Index(body, "**feedback**"), strings.Index(body, "**rubric**"))
}

func TestFeedbackTitle(t *testing.T) {
	assert.Equal(t, "Automated review: score 9.5", feedbackTitle(graded("a", "b", map[string]interface{}{"score": 9.5})))
	assert.Equal(t, "Automated review", feedbackTitle(graded("a", "b", nil)))
}

func TestPostFeedback_ContinuesAfterFailure(t *testing.T) {
	issues := &mockIssues{}
	issues.On("CreateFeedbackIssue", "acme", "one", mock.Anything, mock.Anything, []string{feedbackLabel}).
		Return(nil, apperrors.NewAuthorizationError("issues disabled"))
	issues.On("CreateFeedbackIssue", "acme", "two", mock.Anything, mock.Anything, []string{feedbackLabel}).
		Return(&github.Issue{Number: 3, HTMLURL: "https://github.com/acme/two/issues/3"}, nil)

	result := &orchestrator.BatchResult{
		Completed: []orchestrator.TaskSnapshot{
			graded("acme", "one", map[string]interface{}{"score": float64(1)}),
			graded("acme", "two", map[string]interface{}{"score": float64(2)}),
			{ID: "acme/three", Owner: "acme", Repo: "three"},
		},
	}

	posted := postFeedback(context.Background(), issues, result, logging.GetLogger())
	assert.Equal(t, 1, posted)
	issues.AssertNumberOfCalls(t, "CreateFeedbackIssue", 2)
}

