// Package clone fetches repositories into a local work directory.
package clone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/repograde/internal/github"
	"github.com/NikhilSetiya/repograde/internal/sources"
	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/resilience"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RepoLookup resolves repository metadata before cloning. *github.Client satisfies it.
type RepoLookup interface {
	GetRepository(ctx context.Context, owner, name string) (*github.Repository, error)
}

// Cloner clones one repository into dest.
type Cloner interface {
	Clone(ctx context.Context, repo sources.RepoRef, dest string) error
}

// Config configures a GitCloner
type Config struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Breaker    *resilience.CircuitBreaker
	Lookup     RepoLookup
	Runner     Runner
	Clock      clock.Clock
}

// GitCloner performs shallow git clones guarded by a timeout and breaker.
type GitCloner struct {
	config  Config
	timeout resilience.TimeoutConfig
	logger  *logging.Logger
}

// NewGitCloner creates a new GitCloner
func NewGitCloner(config Config) *GitCloner {
	if config.Runner == nil {
		config.Runner = ExecRunner{}
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	return &GitCloner{
		config: config,
		timeout: resilience.TimeoutConfig{
			Name:       "git-clone",
			Timeout:    config.Timeout,
			Retries:    config.Retries,
			RetryDelay: config.RetryDelay,
			Breaker:    config.Breaker,
			Clock:      config.Clock,
		},
		logger: logging.GetLogger(),
	}
}

// Clone resolves the clone URL, then runs git clone --depth 1 into dest.
// Any previous contents of dest are removed first.
func (c *GitCloner) Clone(ctx context.Context, repo sources.RepoRef, dest string) error {
	url := repo.URL + ".git"
	var branch string

	if c.config.Lookup != nil {
		meta, err := c.config.Lookup.GetRepository(ctx, repo.Owner, repo.Name)
		if err != nil {
			return err
		}
		if meta.CloneURL != "" {
			url = meta.CloneURL
		}
		branch = meta.DefaultBranch
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)

	_, err := resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		if err := os.RemoveAll(dest); err != nil {
			return struct{}{}, apperrors.NewInternalError("failed to clear clone directory").WithCause(err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return struct{}{}, apperrors.NewInternalError("failed to create work directory").WithCause(err)
		}

		output, err := c.config.Runner.Run(ctx, "", "git", args...)
		if err != nil {
			return struct{}{}, classifyGitError(repo, output, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	c.logger.WithComponent("clone").WithFields(logrus.Fields{
		"repository": repo.FullName(),
		"dest":       dest,
		"branch":     branch,
	}).Debug("Cloned repository")
	return nil
}

// Dir returns the clone directory for repo under workDir.
func Dir(workDir string, repo sources.RepoRef) string {
	return filepath.Join(workDir, repo.Owner+"__"+repo.Name)
}

// classifyGitError turns permanent git failures into non-retryable errors.
func classifyGitError(repo sources.RepoRef, output []byte, err error) error {
	msg := strings.TrimSpace(string(output))
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "not found"):
		return apperrors.NewNotFoundError("repository " + repo.FullName()).WithCause(err)
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"):
		return apperrors.NewAuthenticationError(fmt.Sprintf("cannot clone %s: %s", repo.FullName(), msg)).WithCause(err)
	}
	return apperrors.NewCloneError(repo.FullName(), fmt.Sprintf("git clone failed: %s", msg)).WithCause(err)
}
