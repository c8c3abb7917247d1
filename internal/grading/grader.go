// Package grading drives the AI grading capability for one cloned repository.
package grading

import (
	"context"
	"time"
)

// Grader grades a single repository, streaming events to emit as they are
// produced. emit is never called after Grade returns.
type Grader interface {
	Grade(ctx context.Context, req Request, emit func(Event)) (*Result, error)
	Capabilities() Capabilities
}

// Capabilities describes what a grader supports
type Capabilities struct {
	Name string `json:"name"`
	// SupportsAbort is true when cancelling ctx terminates the call early
	SupportsAbort     bool `json:"supports_abort"`
	SupportsStreaming bool `json:"supports_streaming"`
}

// Request is one grading call
type Request struct {
	TaskID     string `json:"task_id"`
	Repository string `json:"repository"`
	WorkDir    string `json:"work_dir"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model,omitempty"`
}

// Result is the outcome of a grading call
type Result struct {
	// Raw is the final agent message
	Raw string `json:"raw"`
	// Output is Raw decoded as a JSON object, when it is one
	Output        map[string]interface{} `json:"output,omitempty"`
	Usage         Usage                  `json:"usage"`
	Duration      time.Duration          `json:"duration"`
	SchemaRetried bool                   `json:"schema_retried,omitempty"`
}
