// Package github talks to the GitHub REST API through the rate limited executor.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
	"github.com/NikhilSetiya/repograde/pkg/tracing"
)

// Repository is the repository metadata the grader needs
type Repository struct {
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	CloneURL      string    `json:"clone_url"`
	HTMLURL       string    `json:"html_url"`
	DefaultBranch string    `json:"default_branch"`
	Language      string    `json:"language"`
	Private       bool      `json:"private"`
	Archived      bool      `json:"archived"`
	SizeKB        int       `json:"size_kb"`
	PushedAt      time.Time `json:"pushed_at"`
}

// Issue is a created feedback issue
type Issue struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Config holds client settings. App, when set, takes precedence over Token.
type Config struct {
	Token   string
	App     *AppCredentials
	BaseURL string
	Retry   ratelimit.RetryConfig
	// HTTPClient overrides the oauth2 client; mainly for tests.
	HTTPClient *http.Client
	Tracing    *tracing.TracingService
}

// Client wraps go-github with rate limit handling
type Client struct {
	gh       *gh.Client
	executor *ratelimit.Executor
	retry    ratelimit.RetryConfig
	logger   *logging.Logger
}

// NewClient creates a new GitHub client
func NewClient(config Config, executor *ratelimit.Executor) (*Client, error) {
	httpClient := config.HTTPClient
	if httpClient == nil {
		var ts oauth2.TokenSource
		switch {
		case config.App != nil:
			src, err := NewInstallationTokenSource(context.Background(), *config.App, config.BaseURL, nil)
			if err != nil {
				return nil, apperrors.NewValidationError("invalid GitHub App credentials").WithCause(err)
			}
			ts = src
		case config.Token != "":
			ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token})
		default:
			return nil, apperrors.NewValidationError("github token is required")
		}
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = 60 * time.Second
	}
	if config.Tracing != nil {
		httpClient = config.Tracing.InstrumentHTTPClient(httpClient)
	}

	client := gh.NewClient(httpClient)
	if config.BaseURL != "" {
		baseURL := config.BaseURL
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid GitHub API URL %q", config.BaseURL)).WithCause(err)
		}
		client.BaseURL = u
	}

	if executor == nil {
		executor = ratelimit.NewExecutor(ratelimit.WithAPI("github"))
	}
	if config.Retry == (ratelimit.RetryConfig{}) {
		config.Retry = ratelimit.DefaultRetryConfig()
	}

	return &Client{
		gh:       client,
		executor: executor,
		retry:    config.Retry,
		logger:   logging.GetLogger(),
	}, nil
}

// RateLimitState returns the last seen rate limit headers
func (c *Client) RateLimitState() ratelimit.State {
	return c.executor.State()
}

// GetRepository fetches repository metadata
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	if owner == "" || name == "" {
		return nil, apperrors.NewValidationError("owner and name are required")
	}

	var repo *gh.Repository
	err := c.executor.ExecuteWithRetry(ctx, func(ctx context.Context) (*ratelimit.Response, error) {
		r, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			return nil, translateError(err, resp)
		}
		repo = r
		return responseOf(resp), nil
	}, c.retry, false)
	if err != nil {
		return nil, err
	}

	return toRepository(repo), nil
}

// CreateFeedbackIssue opens an issue carrying grading feedback
func (c *Client) CreateFeedbackIssue(ctx context.Context, owner, name, title, body string, labels []string) (*Issue, error) {
	if title == "" {
		return nil, apperrors.NewValidationError("issue title is required")
	}

	request := &gh.IssueRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
	}
	if len(labels) > 0 {
		request.Labels = &labels
	}

	var issue *gh.Issue
	err := c.executor.ExecuteWithRetry(ctx, func(ctx context.Context) (*ratelimit.Response, error) {
		i, resp, err := c.gh.Issues.Create(ctx, owner, name, request)
		if err != nil {
			return nil, translateError(err, resp)
		}
		issue = i
		return responseOf(resp), nil
	}, c.retry, true)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Created feedback issue",
		"repository", owner+"/"+name,
		"number", issue.GetNumber(),
	)
	return &Issue{Number: issue.GetNumber(), HTMLURL: issue.GetHTMLURL()}, nil
}

func toRepository(r *gh.Repository) *Repository {
	repo := &Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		HTMLURL:       r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Language:      r.GetLanguage(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
		SizeKB:        r.GetSize(),
	}
	if r.PushedAt != nil {
		repo.PushedAt = r.PushedAt.Time
	}
	return repo
}

func responseOf(resp *gh.Response) *ratelimit.Response {
	if resp == nil || resp.Response == nil {
		return nil
	}
	return &ratelimit.Response{StatusCode: resp.StatusCode, Header: resp.Header}
}

func metadata(resp *http.Response, message string) *ratelimit.Response {
	meta := &ratelimit.Response{Message: message, Header: http.Header{}}
	if resp != nil {
		meta.StatusCode = resp.StatusCode
		if resp.Header != nil {
			meta.Header = resp.Header.Clone()
		}
	}
	return meta
}

// translateError maps go-github errors onto response-carrying errors the
// executor can classify, or onto AppErrors for plain client errors.
func translateError(err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		meta := metadata(rateErr.Response, rateErr.Message)
		if meta.StatusCode == 0 {
			meta.StatusCode = http.StatusForbidden
		}
		if !strings.Contains(strings.ToLower(meta.Message), "rate limit") {
			meta.Message = "rate limit: " + meta.Message
		}
		return &ratelimit.ResponseError{
			Response: meta,
			Err:      apperrors.NewRateLimitError(rateErr.Message).WithCause(err),
		}
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		meta := metadata(abuseErr.Response, abuseErr.Message)
		if meta.StatusCode == 0 {
			meta.StatusCode = http.StatusForbidden
		}
		lower := strings.ToLower(meta.Message)
		if !strings.Contains(lower, "secondary rate limit") && !strings.Contains(lower, "abuse") {
			meta.Message = "secondary rate limit: " + meta.Message
		}
		if abuseErr.RetryAfter != nil && meta.Header.Get("Retry-After") == "" {
			meta.Header.Set("Retry-After", fmt.Sprintf("%d", int(abuseErr.RetryAfter.Seconds())))
		}
		return &ratelimit.ResponseError{
			Response: meta,
			Err:      apperrors.NewSecondaryRateLimitError(abuseErr.Message).WithCause(err),
		}
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) {
		meta := metadata(errResp.Response, errResp.Message)
		if ratelimit.Classify(meta) != ratelimit.KindNone {
			return &ratelimit.ResponseError{
				Response: meta,
				Err:      apperrors.NewRateLimitError(errResp.Message).WithCause(err),
			}
		}

		var appErr *apperrors.AppError
		switch meta.StatusCode {
		case http.StatusUnauthorized:
			appErr = apperrors.NewAuthenticationError(errResp.Message)
		case http.StatusForbidden:
			appErr = apperrors.NewAuthorizationError(errResp.Message)
		case http.StatusNotFound:
			appErr = apperrors.NewNotFoundError("repository")
		case http.StatusUnprocessableEntity:
			appErr = apperrors.NewValidationError(errResp.Message)
		default:
			appErr = apperrors.NewExternalError("github", errResp.Message)
		}
		// Client errors still carry rate limit headers worth recording.
		return &ratelimit.ResponseError{Response: meta, Err: appErr.WithCause(err)}
	}

	if meta := responseOf(resp); meta != nil {
		return &ratelimit.ResponseError{
			Response: meta,
			Err:      apperrors.NewExternalError("github", "request failed").WithCause(err),
		}
	}
	return apperrors.NewExternalError("github", "request failed").WithCause(err)
}
