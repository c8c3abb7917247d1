package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/NikhilSetiya/repograde/internal/github"
	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

const feedbackLabel = "repograde"

// IssueCreator opens feedback issues. *github.Client satisfies it.
type IssueCreator interface {
	CreateFeedbackIssue(ctx context.Context, owner, name, title, body string, labels []string) (*github.Issue, error)
}

// postFeedback opens one issue per graded repository. Failures are logged
// and do not stop the remaining posts.
func postFeedback(ctx context.Context, issues IssueCreator, result *orchestrator.BatchResult, logger *logging.Logger) int {
	posted := 0
	for _, t := range result.Completed {
		if ctx.Err() != nil {
			break
		}
		if t.Result == nil {
			continue
		}

		issue, err := issues.CreateFeedbackIssue(ctx, t.Owner, t.Repo, feedbackTitle(t), feedbackBody(t), []string{feedbackLabel})
		if err != nil {
			logger.Warn("Failed to post feedback issue",
				"repository", t.ID,
				"error", err.Error(),
			)
			continue
		}
		posted++
		logger.Info("Posted feedback", "repository", t.ID, "issue", issue.HTMLURL)
	}
	return posted
}

func feedbackTitle(t orchestrator.TaskSnapshot) string {
	if score, ok := t.Result.Output["score"]; ok {
		return fmt.Sprintf("Automated review: score %v", score)
	}
	return "Automated review"
}

// feedbackBody renders the grading output as markdown. Keys are listed in
// sorted order; nested values are shown as JSON.
func feedbackBody(t orchestrator.TaskSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Automated review of %s\n\n", t.ID)

	if len(t.Result.Output) == 0 {
		b.WriteString(t.Result.Raw)
		b.WriteString("\n")
		return b.String()
	}

	keys := make([]string, 0, len(t.Result.Output))
	for k := range t.Result.Output {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, "**%s**: %s\n\n", k, renderValue(t.Result.Output[k]))
	}
	fmt.Fprintf(&b, "_%d tokens used_\n", t.TokensUsed.Total())
	return b.String()
}

func renderValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64, bool, nil:
		return fmt.Sprint(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return "`" + string(data) + "`"
	}
}
