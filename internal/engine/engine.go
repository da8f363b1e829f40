// Package engine orchestrates PatchPilot runs. It sequences the pipeline
// stages over a sandbox session, owns run state and the event stream, and
// guarantees the session is terminated on every exit path.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchpilot/patchpilot/pkg/eventbus"
	"github.com/patchpilot/patchpilot/pkg/gitsync"
	"github.com/patchpilot/patchpilot/pkg/model"
	"github.com/patchpilot/patchpilot/pkg/notify"
	"github.com/patchpilot/patchpilot/pkg/pipeline"
	"github.com/patchpilot/patchpilot/pkg/plan"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
	"github.com/patchpilot/patchpilot/pkg/store"
)

// Config holds engine-specific configuration.
type Config struct {
	SandboxImage    string
	SandboxNetwork  string
	SandboxEnv      []string
	TeardownTimeout time.Duration
}

// Stages bundles the pipeline stages the engine sequences.
type Stages struct {
	Loader  *pipeline.Loader
	Select  *pipeline.Selector
	Prep    *pipeline.Preprocessor
	Gen     *pipeline.Generator
	Exec    *pipeline.Executor
	Sync    *gitsync.Syncer
}

// Engine runs the PatchPilot pipeline.
type Engine struct {
	config    Config
	store     store.RunStore
	bus       eventbus.Bus
	runtime   sandbox.Runtime
	stages    Stages
	notifiers []notify.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a new Engine with all dependencies.
func New(cfg Config, st store.RunStore, bus eventbus.Bus, rt sandbox.Runtime, stages Stages, notifiers []notify.Notifier) *Engine {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	return &Engine{
		config:    cfg,
		store:     st,
		bus:       bus,
		runtime:   rt,
		stages:    stages,
		notifiers: notifiers,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start prepares the engine for accepting runs. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all in-flight runs and waits for them to finish their
// teardown.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the run store.
func (e *Engine) Store() store.RunStore { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// StartRun creates a run and begins executing it in the background.
func (e *Engine) StartRun(repoURL, prompt string, apply bool) (*model.Run, error) {
	if repoURL == "" {
		return nil, errors.New("repo URL is required")
	}
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String()[:8],
		RepoURL:   repoURL,
		Prompt:    prompt,
		Apply:     apply,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executeRun(run.ID)
	}()

	return run, nil
}

// CancelRun requests cancellation of an in-flight run. Unknown or already
// finished runs return an error.
func (e *Engine) CancelRun(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not in flight", id)
	}
	cancel()
	return nil
}

func (e *Engine) registerCancel(id string) (context.Context, func()) {
	parent := e.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	return ctx, func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}
}

func (e *Engine) executeRun(runID string) {
	ctx, release := e.registerCancel(runID)
	defer release()

	run, err := e.store.GetRun(runID)
	if err != nil {
		log.Printf("run %s not found while starting: %v", runID, err)
		return
	}

	run.Status = model.StatusRunning
	e.store.UpdateRun(run)

	e.emitEvent(run.ID, "provision", "Provisioning sandbox...")
	sess, err := e.runtime.Create(ctx, sandbox.CreateOptions{
		RunID:   run.ID,
		Image:   e.config.SandboxImage,
		Network: e.config.SandboxNetwork,
		Env:     e.config.SandboxEnv,
	})
	if err != nil {
		e.finish(run, e.failure(ctx, model.KindProvision, fmt.Errorf("provisioning sandbox: %w", err)))
		return
	}
	run.SessionID = sess.ID()
	e.store.UpdateRun(run)

	// Teardown runs on every exit path, detached from the run's context so
	// a cancelled run still releases its sandbox.
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), e.config.TeardownTimeout)
		defer tcancel()
		if err := sess.Terminate(tctx); err != nil {
			log.Printf("run %s: sandbox teardown failed: %v", run.ID, err)
		}
	}()

	e.emitEvent(run.ID, "clone", "Cloning repository...")
	tree, err := e.stages.Loader.Load(ctx, sess, run.RepoURL)
	if err != nil {
		e.finish(run, e.failure(ctx, model.KindClone, err))
		return
	}
	e.emitEvent(run.ID, "clone", fmt.Sprintf("Repository cloned, %d entries", len(tree)))

	e.emitEvent(run.ID, "select", "Selecting relevant files...")
	files, dropped, err := e.stages.Select.Select(ctx, sess, tree, run.Prompt)
	if err != nil {
		if ctx.Err() != nil {
			e.finish(run, e.failure(ctx, model.KindInternal, err))
			return
		}
		// Planning can proceed on the request alone; worse plans beat no run.
		log.Printf("run %s: file selection failed, continuing with empty context: %v", run.ID, err)
		e.emitEvent(run.ID, "select", "File selection failed, continuing without file context")
		files, dropped = nil, 0
	} else {
		e.emitEvent(run.ID, "select", fmt.Sprintf("Selected %d files (%d proposals dropped)", len(files), dropped))
	}

	bundle := e.stages.Prep.Build(files)
	if bundle.Truncated > 0 || bundle.Skipped > 0 {
		e.emitEvent(run.ID, "preprocess",
			fmt.Sprintf("Prepared context: %d files, %d truncated, %d skipped", bundle.Files, bundle.Truncated, bundle.Skipped))
	}

	e.emitEvent(run.ID, "plan", "Generating change plan...")
	raw, err := e.stages.Gen.Generate(ctx, bundle, run.Prompt)
	if err != nil {
		e.finish(run, e.failure(ctx, model.KindModelUnavailable, err))
		return
	}
	parsed := plan.Parse(raw)
	if parsed.Warning {
		e.emitEvent(run.ID, "plan", "Model output contained no recognizable plan, treating as no changes")
	}
	e.emitEvent(run.ID, "plan", plan.FormatMarkdown(parsed))

	if !run.Apply {
		e.finish(run, &model.TerminalResult{
			Status:       model.StatusComplete,
			Message:      "Dry run: plan generated, no changes applied",
			PlannedSteps: len(parsed.Steps),
			DroppedSteps: parsed.Dropped,
		})
		return
	}
	if parsed.Empty() {
		e.finish(run, &model.TerminalResult{
			Status:       model.StatusComplete,
			Message:      "No changes required",
			DroppedSteps: parsed.Dropped,
		})
		return
	}

	e.emitEvent(run.ID, "apply", fmt.Sprintf("Applying %d plan steps...", len(parsed.Steps)))
	changes := e.stages.Exec.Apply(ctx, sess, parsed.Steps, bundle)
	if ctx.Err() != nil {
		e.finish(run, e.failure(ctx, model.KindCancelled, ctx.Err()))
		return
	}

	applied := 0
	var failed []model.FailedStep
	for _, c := range changes {
		if c.Applied {
			applied++
			continue
		}
		failed = append(failed, model.FailedStep{
			Action: string(c.Step.Action),
			File:   c.Step.File,
			Reason: c.Reason,
		})
	}
	e.emitEvent(run.ID, "apply", fmt.Sprintf("Applied %d/%d steps", applied, len(parsed.Steps)))

	if applied == 0 {
		e.finish(run, &model.TerminalResult{
			Status:       model.StatusError,
			Kind:         model.KindStepFailure,
			Message:      "no plan steps could be applied",
			FailedSteps:  failed,
			PlannedSteps: len(parsed.Steps),
			DroppedSteps: parsed.Dropped,
		})
		return
	}

	e.emitEvent(run.ID, "sync", "Committing, pushing, and opening pull request...")
	pr, err := e.stages.Sync.Sync(ctx, sess, run.RepoURL, run.Prompt, changes)
	if err != nil {
		kind := model.KindSync
		var prErr *gitsync.PRError
		if errors.As(err, &prErr) {
			kind = model.KindPRCreation
		}
		result := e.failure(ctx, kind, err)
		result.PullRequest = pr
		result.FailedSteps = failed
		result.PlannedSteps = len(parsed.Steps)
		result.DroppedSteps = parsed.Dropped
		e.finish(run, result)
		return
	}

	status := model.StatusComplete
	if len(failed) > 0 {
		status = model.StatusPartial
	}
	e.finish(run, &model.TerminalResult{
		Status:       status,
		PullRequest:  pr,
		FailedSteps:  failed,
		PlannedSteps: len(parsed.Steps),
		DroppedSteps: parsed.Dropped,
	})
}

// failure builds an error result, reclassifying as cancelled when the run's
// context was the cause.
func (e *Engine) failure(ctx context.Context, kind model.ErrorKind, err error) *model.TerminalResult {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		kind = model.KindCancelled
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &model.TerminalResult{Status: model.StatusError, Kind: kind, Message: msg}
}

// finish records the terminal result, emits the final event, closes the
// run's event stream, and fires notifications. Exactly one terminal event
// ends each run's stream.
func (e *Engine) finish(run *model.Run, result *model.TerminalResult) {
	run.Status = result.Status
	run.Error = result.Message
	if pr := result.PullRequest; pr != nil {
		run.Branch = pr.Branch
		run.PRURL = pr.URL
		run.FilesChanged = pr.FilesChanged
	}
	if err := e.store.UpdateRun(run); err != nil {
		log.Printf("run %s: updating final state: %v", run.ID, err)
	}

	stage := "done"
	if result.Status == model.StatusError {
		stage = "error"
	}
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"status":%q}`, result.Status))
	}
	e.emitEvent(run.ID, stage, string(payload))
	e.bus.CloseRun(run.ID)

	for _, n := range e.notifiers {
		nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := n.Notify(nctx, run, result); err != nil {
			log.Printf("run %s: notification failed: %v", run.ID, err)
		}
		ncancel()
	}
}

func (e *Engine) emitEvent(runID, stage, message string) {
	event := &model.Event{
		RunID:     runID,
		Stage:     stage,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddEvent(event); err != nil {
		log.Printf("Error storing event: %v", err)
	}
	e.bus.Publish(runID, event)
}
