// Package notify posts batch summaries to chat webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/resilience"
)

const maxListedFailures = 5

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackConfig configures a SlackNotifier
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	// ReportURL, when set, links the attachment to the exported report
	ReportURL string
	Retries   int
	Clock     clock.Clock
}

// SlackNotifier posts a summary of each finished batch to a Slack webhook
type SlackNotifier struct {
	config     SlackConfig
	logger     *zap.Logger
	httpClient *http.Client
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(config SlackConfig, logger *zap.Logger) (*SlackNotifier, error) {
	if config.WebhookURL == "" {
		return nil, apperrors.NewValidationError("slack webhook URL not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Username == "" {
		config.Username = "repograde"
	}

	return &SlackNotifier{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// NotifyBatch sends the batch summary. Server errors are retried; client
// errors are not.
func (n *SlackNotifier) NotifyBatch(ctx context.Context, result *orchestrator.BatchResult) error {
	payload, err := json.Marshal(n.buildMessage(result))
	if err != nil {
		return apperrors.NewInternalError("failed to marshal slack message").WithCause(err)
	}

	_, err = resilience.WithTimeout(ctx, resilience.TimeoutConfig{
		Name:       "slack-notify",
		Timeout:    n.httpClient.Timeout,
		Retries:    n.config.Retries,
		RetryDelay: time.Second,
		Clock:      n.config.Clock,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.post(ctx, payload)
	})
	if err != nil {
		n.logger.Error("Failed to send Slack notification",
			zap.String("batch_id", result.BatchID),
			zap.Error(err))
		return err
	}

	n.logger.Info("Successfully sent Slack notification",
		zap.String("batch_id", result.BatchID),
		zap.String("webhook_url", maskWebhookURL(n.config.WebhookURL)))
	return nil
}

func (n *SlackNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewInternalError("failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return apperrors.NewExternalError("slack", "failed to send slack message").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewRateLimitError("slack webhook rate limited")
	case resp.StatusCode >= 500:
		return apperrors.NewExternalError("slack", fmt.Sprintf("slack returned status %d", resp.StatusCode))
	default:
		return apperrors.NewValidationError(fmt.Sprintf("slack rejected the message with status %d", resp.StatusCode))
	}
}

// buildMessage converts a batch result to Slack format
func (n *SlackNotifier) buildMessage(result *orchestrator.BatchResult) SlackMessage {
	counts := result.Counts()

	message := SlackMessage{
		Text:      fmt.Sprintf("Grading batch %s finished: %d of %d repositories graded", result.BatchID, counts.Completed, counts.Total),
		Username:  n.config.Username,
		Channel:   n.config.Channel,
		IconEmoji: ":mortar_board:",
	}

	attachment := SlackAttachment{
		Footer:    "repograde",
		Timestamp: result.StartedAt.Add(result.Duration).Unix(),
		Fields: []SlackField{
			{Title: "Completed", Value: fmt.Sprintf("%d", counts.Completed), Short: true},
			{Title: "Grading failed", Value: fmt.Sprintf("%d (%d timed out)", counts.Failed, counts.TimedOut), Short: true},
			{Title: "Clone failed", Value: fmt.Sprintf("%d", counts.CloneFailed), Short: true},
			{Title: "Skipped / cancelled", Value: fmt.Sprintf("%d / %d", counts.Skipped, counts.Cancelled), Short: true},
			{Title: "Duration", Value: result.Duration.Round(time.Second).String(), Short: true},
		},
	}

	failures := counts.Failed + counts.CloneFailed
	switch {
	case counts.Total > 0 && counts.Completed == 0:
		attachment.Color = "danger"
	case failures > 0:
		attachment.Color = "warning"
	default:
		attachment.Color = "good"
	}

	if failures > 0 {
		attachment.Text = failureSummary(append(append([]orchestrator.TaskSnapshot{}, result.Failed...), result.CloneFailed...))
	}
	if n.config.ReportURL != "" {
		attachment.Title = "View report"
		attachment.TitleLink = n.config.ReportURL
	}

	message.Attachments = []SlackAttachment{attachment}
	return message
}

func failureSummary(tasks []orchestrator.TaskSnapshot) string {
	var b strings.Builder
	for i, t := range tasks {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "...and %d more", len(tasks)-maxListedFailures)
			break
		}
		fmt.Fprintf(&b, "• %s (%s): %s\n", t.ID, t.Phase, t.LastError)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
