package grading

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

const maxLineSize = 4 * 1024 * 1024

// CommandConfig configures a CommandGrader
type CommandConfig struct {
	// Name identifies the provider in events, metrics and the token budget
	Name string
	// Command is the agent CLI invocation, e.g. "codex exec --json"
	Command string
	Model   string
	Env     []string
}

// CommandGrader runs an agent CLI inside the clone and parses its JSONL
// event stream from stdout. The prompt is passed as the last argument.
type CommandGrader struct {
	name    string
	command []string
	model   string
	env     []string

	// commandContext builds the process; replaced in tests
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
	logger         *logging.Logger
}

// NewCommandGrader creates a new CommandGrader
func NewCommandGrader(config CommandConfig) (*CommandGrader, error) {
	command := strings.Fields(config.Command)
	if len(command) == 0 {
		return nil, apperrors.NewValidationError("grading command is required")
	}
	if config.Name == "" {
		config.Name = command[0]
	}

	return &CommandGrader{
		name:           config.Name,
		command:        command,
		model:          config.Model,
		env:            config.Env,
		commandContext: exec.CommandContext,
		logger:         logging.GetLogger(),
	}, nil
}

// Capabilities implements Grader. Cancelling ctx kills the process.
func (g *CommandGrader) Capabilities() Capabilities {
	return Capabilities{
		Name:              g.name,
		SupportsAbort:     true,
		SupportsStreaming: true,
	}
}

// Grade implements Grader
func (g *CommandGrader) Grade(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	model := req.Model
	if model == "" {
		model = g.model
	}

	args := append([]string{}, g.command[1:]...)
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, req.Prompt)

	cmd := g.commandContext(ctx, g.command[0], args...)
	cmd.Dir = req.WorkDir
	if len(g.env) > 0 {
		cmd.Env = append(cmd.Environ(), g.env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 8192}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open grader stdout").WithCause(err)
	}

	emit(Initializing{Provider: g.name, Model: model})

	if err := cmd.Start(); err != nil {
		return nil, apperrors.NewGradingError(req.Repository, fmt.Sprintf("failed to start %s", g.command[0])).WithCause(err)
	}

	result, streamErr := ParseStream(stdout, g.name, emit)
	// Drain so Wait does not block on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// A crashed process explains missing output better than the stream does.
	if waitErr != nil && (streamErr == nil || apperrors.IsType(streamErr, apperrors.ErrorTypeSchemaValidation)) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, classifyProviderError(g.name, fmt.Sprintf("%s exited: %s", g.command[0], msg)).WithCause(waitErr)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	result.Duration = time.Since(start)
	g.logger.Debug("Grader finished",
		"provider", g.name,
		"repository", req.Repository,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"duration", result.Duration,
	)
	return result, nil
}

type streamLine struct {
	Type    string       `json:"type"`
	Item    *streamItem  `json:"item,omitempty"`
	Usage   *Usage       `json:"usage,omitempty"`
	Error   *streamError `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
}

type streamItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamError struct {
	Message string `json:"message"`
}

// ParseStream reads a JSONL agent event stream, emitting typed events.
// Lines that are not JSON are ignored.
func ParseStream(r io.Reader, provider string, emit func(Event)) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	result := &Result{}
	var failure *apperrors.AppError

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev streamLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "item.started", "item.updated":
			if ev.Item != nil {
				emit(ItemUpdated{ItemID: ev.Item.ID, ItemType: ev.Item.Type, Text: ev.Item.Text})
			}
		case "item.completed":
			if ev.Item == nil {
				continue
			}
			emit(ItemCompleted{ItemID: ev.Item.ID, ItemType: ev.Item.Type, Text: ev.Item.Text})
			if ev.Item.Type == "agent_message" {
				result.Raw = ev.Item.Text
			}
		case "turn.completed":
			var usage Usage
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			result.Usage = result.Usage.Add(usage)
			emit(TurnCompleted{Usage: usage})
		case "error":
			emit(ErrorEvent{Message: ev.Message})
		case "turn.failed":
			msg := ev.Message
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			emit(ErrorEvent{Message: msg, Fatal: true})
			failure = classifyProviderError(provider, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewExternalError(provider, "failed to read grader output").WithCause(err)
	}

	if failure != nil {
		return nil, failure
	}
	if result.Raw == "" {
		return nil, apperrors.NewSchemaValidationError("grader produced no final message")
	}
	if obj, err := ExtractJSON(result.Raw); err == nil {
		result.Output = obj
	}
	return result, nil
}

// classifyProviderError maps provider failure text onto the error taxonomy.
func classifyProviderError(provider, msg string) *apperrors.AppError {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return apperrors.NewRateLimitError(msg).WithDetail("provider", provider)
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"):
		return apperrors.NewAuthenticationError(msg).WithDetail("provider", provider)
	}
	return apperrors.NewExternalError(provider, msg)
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.n {
		chunk = chunk[:l.n]
	}
	l.n -= len(chunk)
	if _, err := l.w.Write(chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}
