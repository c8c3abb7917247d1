// Package orchestrator clones and grades a batch of repositories with
// bounded concurrency, streaming tagged task events and supporting
// skip, stop and abort-all cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/repograde/internal/clone"
	"github.com/NikhilSetiya/repograde/internal/grading"
	"github.com/NikhilSetiya/repograde/internal/sources"
	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
	"github.com/NikhilSetiya/repograde/pkg/tracing"
)

// Config contains orchestration configuration
type Config struct {
	CloneBatchSize int    `json:"clone_batch_size"`
	InstanceCount  int    `json:"instance_count"`
	WorkDir        string `json:"work_dir"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
}

// DefaultConfig returns default orchestration configuration
func DefaultConfig() Config {
	return Config{
		CloneBatchSize: 5,
		InstanceCount:  3,
		WorkDir:        "./repos",
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

func WithCompletion(fn CompletionFunc) Option {
	return func(o *Orchestrator) { o.completion = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracing(ts *tracing.TracingService) Option {
	return func(o *Orchestrator) { o.tracing = ts }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

type task struct {
	id        string
	batchID   string
	ref       sources.RepoRef
	sourceURL string
	workDir   string

	// guarded by Orchestrator.mu
	status    Status
	mode      CancellationMode
	phase     Phase
	lastError string
	timedOut  bool
	startedAt time.Time
	duration  time.Duration
	tokens    grading.Usage
	result    *grading.Result
	changes   []StatusChanged
	cancel    context.CancelFunc

	// emitMu serializes a task's events; it is always taken before Orchestrator.mu
	emitMu sync.Mutex
	seq    uint64
}

// setStatus records a transition to be published by update
func (t *task) setStatus(s Status) {
	if t.status == s {
		return
	}
	t.changes = append(t.changes, StatusChanged{From: t.status, To: s})
	t.status = s
}

func (t *task) snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:               t.id,
		Owner:            t.ref.Owner,
		Repo:             t.ref.Name,
		SourceURL:        t.sourceURL,
		Status:           t.status,
		CancellationMode: t.mode,
		Phase:            t.phase,
		LastError:        t.lastError,
		TimedOut:         t.timedOut,
		StartedAt:        t.startedAt,
		Duration:         t.duration,
		TokensUsed:       t.tokens,
		WorkDir:          t.workDir,
		Result:           t.result,
	}
}

// Orchestrator runs one batch at a time
type Orchestrator struct {
	cloner clone.Cloner
	grader grading.Grader
	caps   grading.Capabilities
	config Config

	sink       EventSink
	progress   ProgressFunc
	completion CompletionFunc
	metrics    *metrics.Metrics
	tracing    *tracing.TracingService
	clock      clock.Clock
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
	batchID string
	tasks   map[string]*task
	order   []*task
	aborted bool
	abortCh chan struct{}

	progMu  sync.Mutex
	settled int
}

// New creates a new Orchestrator
func New(cloner clone.Cloner, grader grading.Grader, config Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if config.CloneBatchSize <= 0 {
		config.CloneBatchSize = defaults.CloneBatchSize
	}
	if config.InstanceCount <= 0 {
		config.InstanceCount = defaults.InstanceCount
	}
	if config.WorkDir == "" {
		config.WorkDir = defaults.WorkDir
	}

	o := &Orchestrator{
		cloner: cloner,
		grader: grader,
		caps:   grader.Capabilities(),
		config: config,
		clock:  clock.New(),
		logger: logging.GetLogger(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run clones and grades every URL, returning once all dispatched tasks are
// terminal. Cancelling ctx behaves like AbortAll.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (*BatchResult, error) {
	if len(urls) == 0 {
		return nil, apperrors.NewValidationError("no repository URLs to grade")
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, apperrors.NewConflictError(fmt.Sprintf("batch %s is already running", o.batchID))
	}
	o.running = true
	o.batchID = uuid.New().String()
	o.aborted = false
	o.abortCh = make(chan struct{})
	o.settled = 0
	o.tasks = make(map[string]*task)
	o.order = nil
	batchID := o.batchID
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	ctx = logging.WithBatchID(ctx, batchID)
	ctx, span := o.tracing.StartBatchSpan(ctx, batchID, len(urls))
	defer span.End()

	start := o.clock.Now()
	o.createTasks(batchID, urls)

	o.logger.Info("Starting grading batch",
		"batch_id", batchID,
		"repositories", len(o.order),
		"clone_batch_size", o.config.CloneBatchSize,
		"instance_count", o.config.InstanceCount,
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			o.AbortAll()
		case <-done:
		}
	}()

	o.clonePhase(ctx)
	o.gradingPhase(ctx)

	result := o.aggregate(batchID, start)
	counts := result.Counts()
	o.logger.WithDuration(result.Duration).WithFields(logrus.Fields{
		"batch_id":     batchID,
		"completed":    counts.Completed,
		"failed":       counts.Failed,
		"clone_failed": counts.CloneFailed,
		"skipped":      counts.Skipped,
		"cancelled":    counts.Cancelled,
		"timed_out":    counts.TimedOut,
	}).Info("Grading batch finished")

	if o.completion != nil {
		o.completion(result)
	}
	return result, nil
}

// createTasks registers one task per distinct repository. Unparseable URLs
// become clone failures without being dispatched.
func (o *Orchestrator) createTasks(batchID string, urls []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, raw := range urls {
		ref, err := sources.ParseRepoURL(raw)
		id := ref.FullName()
		if err != nil {
			id = raw
		}
		if _, dup := o.tasks[id]; dup {
			continue
		}

		t := &task{
			id:        id,
			batchID:   batchID,
			ref:       ref,
			sourceURL: raw,
			workDir:   clone.Dir(o.config.WorkDir, ref),
			status:    StatusPending,
			phase:     PhaseClone,
		}
		if err != nil {
			t.status = StatusError
			t.lastError = err.Error()
			t.workDir = ""
			o.metrics.RecordTaskOutcome("clone_failed")
		}
		o.tasks[id] = t
		o.order = append(o.order, t)
	}
}

// taskContext returns a context that Stop and AbortAll cancel. It replaces
// the context of the task's previous phase.
func (o *Orchestrator) taskContext(ctx context.Context, t *task) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithCancel(logging.WithTaskID(ctx, t.id))

	o.mu.Lock()
	t.cancel = cancel
	stopped := t.status.Terminal() && t.mode != CancelSkip
	o.mu.Unlock()

	if stopped {
		cancel()
	}
	return taskCtx, cancel
}

func (o *Orchestrator) clonePhase(ctx context.Context) {
	total := len(o.order)
	sem := make(chan struct{}, o.config.CloneBatchSize)
	var wg sync.WaitGroup

	for _, t := range o.order {
		o.mu.Lock()
		status, mode := t.status, t.mode
		o.mu.Unlock()
		if status.Terminal() {
			if mode == CancelNone {
				o.reportProgress(fmt.Sprintf("Invalid repository URL %s", t.sourceURL), total)
			} else {
				o.reportProgress(fmt.Sprintf("Skipped %s", t.id), total)
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-o.abortCh:
			// AbortAll already marked the remaining tasks.
			o.reportProgress(fmt.Sprintf("Aborted %s", t.id), total)
			continue
		}

		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			defer func() { <-sem }()
			o.cloneOne(ctx, t, total)
		}(t)
	}
	wg.Wait()
}

func (o *Orchestrator) cloneOne(ctx context.Context, t *task, total int) {
	started := o.update(t, func(t *task) {
		if t.status.Terminal() {
			return
		}
		t.startedAt = o.clock.Now()
		t.setStatus(StatusCloning)
	})
	if !started {
		o.reportProgress(fmt.Sprintf("Skipped %s", t.id), total)
		return
	}

	taskCtx, cancel := o.taskContext(ctx, t)
	defer cancel()
	cloneCtx, span := o.tracing.StartCloneSpan(taskCtx, t.id, t.sourceURL)
	begin := o.clock.Now()
	err := o.cloner.Clone(cloneCtx, t.ref, t.workDir)
	elapsed := o.clock.Now().Sub(begin)
	if err != nil {
		o.tracing.RecordError(span, err)
	}
	span.End()

	message := fmt.Sprintf("Cloned %s", t.id)
	if err != nil {
		message = fmt.Sprintf("Failed to clone %s: %v", t.id, err)
		o.metrics.RecordPhase(string(PhaseClone), "error", elapsed)
	} else {
		o.metrics.RecordPhase(string(PhaseClone), "success", elapsed)
	}

	o.update(t, func(t *task) {
		if t.status.Terminal() {
			return
		}
		if err != nil && ctx.Err() != nil {
			o.markCancelled(t, CancelAbort, false)
			return
		}
		if err != nil {
			t.lastError = err.Error()
			t.timedOut = apperrors.IsTimeout(err)
			t.duration = o.clock.Now().Sub(t.startedAt)
			t.setStatus(StatusError)
			return
		}
		t.setStatus(StatusCloned)
	})

	o.reportProgress(message, total)
}

func (o *Orchestrator) reportProgress(message string, total int) {
	o.progMu.Lock()
	defer o.progMu.Unlock()

	o.settled++
	if o.progress != nil {
		o.progress(message, o.settled, total)
	}
}

func (o *Orchestrator) gradingPhase(ctx context.Context) {
	sem := make(chan struct{}, o.config.InstanceCount)
	var wg sync.WaitGroup

	for _, t := range o.order {
		o.mu.Lock()
		ready := t.status == StatusCloned
		o.mu.Unlock()
		if !ready {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-o.abortCh:
			continue
		}

		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			defer func() { <-sem }()
			o.gradeOne(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (o *Orchestrator) gradeOne(ctx context.Context, t *task) {
	// Skipped while waiting for a slot.
	o.mu.Lock()
	ready := t.status == StatusCloned
	if ready {
		t.phase = PhaseGrade
	}
	o.mu.Unlock()
	if !ready {
		return
	}

	taskCtx, cancel := o.taskContext(ctx, t)
	defer cancel()

	o.metrics.GradeStarted()
	defer o.metrics.GradeFinished()

	req := grading.Request{
		TaskID:     t.id,
		Repository: t.id,
		WorkDir:    t.workDir,
		Prompt:     o.config.Prompt,
		Model:      o.config.Model,
	}

	begin := o.clock.Now()
	result, err := o.grader.Grade(taskCtx, req, func(ev grading.Event) {
		o.handleGradingEvent(t, ev)
	})
	elapsed := o.clock.Now().Sub(begin)

	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordPhase(string(PhaseGrade), status, elapsed)

	o.update(t, func(t *task) {
		// Cancelled tasks keep their cancellation outcome; the result is discarded.
		if t.status.Terminal() {
			return
		}
		// The batch context ended before AbortAll reached this task.
		if err != nil && ctx.Err() != nil {
			o.markCancelled(t, CancelAbort, false)
			return
		}
		t.duration = o.clock.Now().Sub(t.startedAt)
		if err != nil {
			t.lastError = err.Error()
			t.timedOut = apperrors.IsTimeout(err)
			t.setStatus(StatusError)
			return
		}
		t.result = result
		if t.tokens == (grading.Usage{}) && result != nil {
			t.tokens = result.Usage
		}
		t.setStatus(StatusCompleted)
	})
}

// handleGradingEvent maps a grading event onto the task and forwards it.
// Events of cancelled tasks are dropped.
func (o *Orchestrator) handleGradingEvent(t *task, ev grading.Event) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	o.mu.Lock()
	if t.status.Terminal() || t.status == StatusCancelling {
		o.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case grading.Initializing:
		t.setStatus(StatusInitializing)
	case grading.ItemUpdated:
		t.setStatus(StatusStreaming)
	case grading.ItemCompleted:
		t.setStatus(StatusAnalyzing)
	case grading.TurnCompleted:
		t.tokens = t.tokens.Add(e.Usage)
	case grading.ErrorEvent:
		t.lastError = e.Message
	}
	changes := t.drainChanges()
	o.mu.Unlock()

	o.publishChanges(t, changes)
	o.publish(t, EventKind(ev.Kind()), GradingEvent{Event: ev})
	o.metrics.RecordGradingEvent(string(ev.Kind()))
}

// update applies fn under the batch lock and publishes the transitions it
// made. It reports whether fn changed the task's status.
func (o *Orchestrator) update(t *task, fn func(t *task)) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	o.mu.Lock()
	fn(t)
	changes := t.drainChanges()
	var outcome string
	if len(changes) > 0 && t.status.Terminal() {
		changes[len(changes)-1].Error = t.lastError
		outcome = t.outcome()
	}
	o.mu.Unlock()

	o.publishChanges(t, changes)
	if outcome != "" {
		o.metrics.RecordTaskOutcome(outcome)
	}
	return len(changes) > 0
}

func (t *task) drainChanges() []StatusChanged {
	changes := t.changes
	t.changes = nil
	return changes
}

// outcome names the result category of a terminal task
func (t *task) outcome() string {
	switch {
	case t.status == StatusCompleted:
		return "completed"
	case t.mode == CancelSkip:
		return "skipped"
	case t.mode != CancelNone:
		return "cancelled"
	case t.phase == PhaseClone:
		return "clone_failed"
	}
	return "failed"
}

func (o *Orchestrator) publishChanges(t *task, changes []StatusChanged) {
	for _, change := range changes {
		fields := logrus.Fields{"from": change.From, "to": change.To}
		if change.Error != "" {
			fields["error"] = change.Error
		}
		o.logger.LogTaskEvent(logging.WithBatchID(context.Background(), t.batchID), t.id, string(EventStatusChanged), fields)
		o.publish(t, EventStatusChanged, change)
	}
}

// publish must be called with t.emitMu held
func (o *Orchestrator) publish(t *task, kind EventKind, payload Payload) {
	t.seq++
	if o.sink == nil {
		return
	}
	o.sink(TaskEvent{
		TaskID:  t.id,
		Seq:     t.seq,
		Kind:    kind,
		Payload: payload,
		At:      o.clock.Now(),
	})
}

// Skip cancels one task without interrupting its in-flight call; the
// eventual result is discarded.
func (o *Orchestrator) Skip(id string) error {
	return o.cancelTask(id, CancelSkip)
}

// Stop cancels one task and aborts its in-flight call when the grader
// supports it. Otherwise it behaves like Skip.
func (o *Orchestrator) Stop(id string) error {
	mode := CancelStop
	if !o.caps.SupportsAbort {
		o.logger.Warn("Grader cannot abort in-flight calls, stop degrades to skip",
			"task_id", id,
			"grader", o.caps.Name,
		)
		mode = CancelSkip
	}
	return o.cancelTask(id, mode)
}

func (o *Orchestrator) cancelTask(id string, mode CancellationMode) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("task " + id)
	}

	var conflict error
	o.update(t, func(t *task) {
		if t.status.Terminal() || t.status == StatusCancelling {
			conflict = apperrors.NewConflictError(fmt.Sprintf("task %s is already %s", id, t.status))
			return
		}
		o.markCancelled(t, mode, mode == CancelStop)
	})
	return conflict
}

// markCancelled moves t through Cancelling to Error. interrupt cancels the
// in-flight call. Must be called with o.mu held.
func (o *Orchestrator) markCancelled(t *task, mode CancellationMode, interrupt bool) {
	t.mode = mode
	t.setStatus(StatusCancelling)
	t.lastError = apperrors.NewCancelledError(t.id, string(mode)).Message
	if !t.startedAt.IsZero() {
		t.duration = o.clock.Now().Sub(t.startedAt)
	}
	if interrupt && t.cancel != nil {
		t.cancel()
	}
	t.setStatus(StatusError)
}

// AbortAll stops every non-terminal task and halts dispatch of tasks that
// have not started. It returns how many tasks it cancelled; calling it again
// is a no-op.
func (o *Orchestrator) AbortAll() int {
	o.mu.Lock()
	if !o.running || o.aborted {
		o.mu.Unlock()
		return 0
	}
	o.aborted = true
	close(o.abortCh)
	pending := make([]*task, 0, len(o.order))
	for _, t := range o.order {
		if !t.status.Terminal() {
			pending = append(pending, t)
		}
	}
	o.mu.Unlock()

	cancelled := 0
	for _, t := range pending {
		changed := o.update(t, func(t *task) {
			if t.status.Terminal() || t.status == StatusCancelling {
				return
			}
			o.markCancelled(t, CancelAbort, o.caps.SupportsAbort)
		})
		if changed {
			cancelled++
		}
	}

	o.logger.Warn("Aborted grading batch",
		"batch_id", o.BatchID(),
		"cancelled", cancelled,
	)
	return cancelled
}

// Tasks returns snapshots of every task in input order
func (o *Orchestrator) Tasks() []TaskSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(o.order))
	for _, t := range o.order {
		out = append(out, t.snapshot())
	}
	return out
}

// Task returns a snapshot of one task
func (o *Orchestrator) Task(id string) (TaskSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return TaskSnapshot{}, apperrors.NewNotFoundError("task " + id)
	}
	return t.snapshot(), nil
}

// BatchID returns the current or last batch ID
func (o *Orchestrator) BatchID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batchID
}

// Running reports whether a batch is in progress
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Capabilities returns the grader's capabilities
func (o *Orchestrator) Capabilities() grading.Capabilities {
	return o.caps
}

func (o *Orchestrator) aggregate(batchID string, start time.Time) *BatchResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := &BatchResult{
		BatchID:   batchID,
		StartedAt: start,
		Duration:  o.clock.Now().Sub(start),
	}
	for _, t := range o.order {
		snap := t.snapshot()
		switch t.outcome() {
		case "completed":
			result.Completed = append(result.Completed, snap)
		case "skipped":
			result.Skipped = append(result.Skipped, snap)
		case "cancelled":
			result.Cancelled = append(result.Cancelled, snap)
		case "clone_failed":
			result.CloneFailed = append(result.CloneFailed, snap)
		default:
			result.Failed = append(result.Failed, snap)
		}
	}
	return result
}
