package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patchpilot/patchpilot/pkg/eventbus"
	"github.com/patchpilot/patchpilot/pkg/gitprovider"
	"github.com/patchpilot/patchpilot/pkg/gitsync"
	"github.com/patchpilot/patchpilot/pkg/llm"
	"github.com/patchpilot/patchpilot/pkg/model"
	"github.com/patchpilot/patchpilot/pkg/notify"
	"github.com/patchpilot/patchpilot/pkg/pipeline"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

// --- Fakes ---

type memStore struct {
	mu     sync.Mutex
	runs   map[string]*model.Run
	events []*model.Event
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*model.Run)}
}

func (s *memStore) CreateRun(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) GetRun(id string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) ListRuns() ([]*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Run
	for _, r := range s.runs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UpdateRun(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) AddEvent(event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *memStore) GetEvents(runID string, afterID int64) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Event
	for _, e := range s.events {
		if e.RunID == runID && e.ID > afterID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) eventsFor(runID string) []*model.Event {
	evs, _ := s.GetEvents(runID, 0)
	return evs
}

type fakeSession struct {
	mu         sync.Mutex
	files      map[string]string
	execFn     func(command string) (*sandbox.ExecResult, error)
	terminated int
}

func (s *fakeSession) ID() string      { return "sess-1" }
func (s *fakeSession) WorkDir() string { return "/workspace/repo" }

func (s *fakeSession) Execute(ctx context.Context, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	if s.execFn != nil {
		return s.execFn(command)
	}
	if strings.HasPrefix(command, "cd ") && strings.Contains(command, "find ") {
		s.mu.Lock()
		defer s.mu.Unlock()
		var b strings.Builder
		for path := range s.files {
			fmt.Fprintf(&b, "f\t%s\n", strings.TrimPrefix(path, "/workspace/repo/"))
		}
		return &sandbox.ExecResult{Stdout: b.String()}, nil
	}
	return &sandbox.ExecResult{}, nil
}

func (s *fakeSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return []byte(content), nil
}

func (s *fakeSession) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = string(data)
	return nil
}

func (s *fakeSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated++
	return nil
}

type fakeRuntime struct {
	session   *fakeSession
	createErr error
}

func (r *fakeRuntime) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.session, nil
}

type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

type fakeHost struct {
	mu     sync.Mutex
	prOpts []gitprovider.PROptions
	prErr  error
}

func (h *fakeHost) DefaultBranch(ctx context.Context, repo string) (string, error) {
	return "main", nil
}

func (h *fakeHost) CreatePullRequest(ctx context.Context, opts gitprovider.PROptions) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prOpts = append(h.prOpts, opts)
	if h.prErr != nil {
		return "", h.prErr
	}
	return "https://github.com/acme/app/pull/1", nil
}

func (h *fakeHost) prCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prOpts)
}

type countingNotifier struct {
	mu      sync.Mutex
	results []*model.TerminalResult
}

func (n *countingNotifier) Notify(ctx context.Context, run *model.Run, result *model.TerminalResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
	return nil
}

// --- Harness ---

type harness struct {
	engine   *Engine
	store    *memStore
	session  *fakeSession
	runtime  *fakeRuntime
	client   *scriptedClient
	host     *fakeHost
	notifier *countingNotifier
}

func newHarness(t *testing.T, responses []string) *harness {
	t.Helper()
	session := &fakeSession{files: map[string]string{
		"/workspace/repo/main.go": "package main\n",
	}}
	client := &scriptedClient{responses: responses}
	host := &fakeHost{}
	notifier := &countingNotifier{}
	st := newMemStore()
	rt := &fakeRuntime{session: session}

	syncer := gitsync.New(host, "tok")
	eng := New(
		Config{SandboxImage: "img:test"},
		st,
		eventbus.NewInMemoryBus(),
		rt,
		Stages{
			Loader: pipeline.NewLoader(),
			Select: pipeline.NewSelector(client),
			Prep:   pipeline.NewPreprocessor(),
			Gen:    pipeline.NewGenerator(client),
			Exec:   pipeline.NewExecutor(client),
			Sync:   syncer,
		},
		[]notify.Notifier{notifier},
	)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return &harness{
		engine: eng, store: st, session: session, runtime: rt,
		client: client, host: host, notifier: notifier,
	}
}

func (h *harness) run(t *testing.T, apply bool) *model.Run {
	t.Helper()
	run := &model.Run{
		ID: "testrun1", RepoURL: "https://github.com/acme/app", Prompt: "fix the bug",
		Apply: apply, Status: model.StatusPending,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	h.engine.executeRun(run.ID)
	got, err := h.store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run after execution: %v", err)
	}
	return got
}

func terminalResult(t *testing.T, st *memStore, runID string) (*model.Event, *model.TerminalResult) {
	t.Helper()
	events := st.eventsFor(runID)
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	var terminal *model.Event
	terminals := 0
	for _, e := range events {
		if e.Stage == "done" || e.Stage == "error" {
			terminal = e
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("got %d terminal events, want exactly 1", terminals)
	}
	if terminal != events[len(events)-1] {
		t.Fatal("terminal event is not the last event")
	}
	var result model.TerminalResult
	if err := json.Unmarshal([]byte(terminal.Message), &result); err != nil {
		t.Fatalf("terminal payload not JSON: %v: %q", err, terminal.Message)
	}
	return terminal, &result
}

const twoStepPlan = `<plan>
<step><action>modify</action><file>main.go</file><description>update main</description></step>
<step><action>create</action><file>util.go</file><description>add helpers</description></step>
</plan>`

// --- Tests ---

func TestRunCompletesAndTearsDown(t *testing.T) {
	h := newHarness(t, []string{
		"main.go",                    // selection
		twoStepPlan,                  // plan
		"package main // updated\n",  // modify main.go
		"package main // helpers\n",  // create util.go
	})

	run := h.run(t, true)
	if run.Status != model.StatusComplete {
		t.Fatalf("status = %s, error = %s", run.Status, run.Error)
	}
	if run.PRURL == "" || run.Branch == "" || run.FilesChanged != 2 {
		t.Errorf("PR fields not recorded: %+v", run)
	}
	if h.session.terminated != 1 {
		t.Errorf("terminated %d times, want 1", h.session.terminated)
	}
	if h.host.prCount() != 1 {
		t.Errorf("PRs created = %d", h.host.prCount())
	}

	_, result := terminalResult(t, h.store, run.ID)
	if result.Status != model.StatusComplete || result.PlannedSteps != 2 {
		t.Errorf("terminal result = %+v", result)
	}

	stages := map[string]bool{}
	for _, e := range h.store.eventsFor(run.ID) {
		stages[e.Stage] = true
	}
	for _, want := range []string{"provision", "clone", "select", "plan", "apply", "sync", "done"} {
		if !stages[want] {
			t.Errorf("no event for stage %q", want)
		}
	}

	if len(h.notifier.results) != 1 {
		t.Errorf("notifications = %d, want 1", len(h.notifier.results))
	}
}

func TestProvisionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.runtime = &fakeRuntime{createErr: errors.New("docker daemon unreachable")}

	run := h.run(t, true)
	if run.Status != model.StatusError {
		t.Fatalf("status = %s", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.Kind != model.KindProvision {
		t.Errorf("kind = %s, want provision", result.Kind)
	}
	if h.session.terminated != 0 {
		t.Error("no session existed, nothing should be terminated")
	}
}

func TestTeardownOnCloneFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.session.execFn = func(command string) (*sandbox.ExecResult, error) {
		if strings.HasPrefix(command, "git clone") {
			return &sandbox.ExecResult{ExitCode: 128}, &sandbox.ExitError{Code: 128, Stderr: "not found"}
		}
		return &sandbox.ExecResult{}, nil
	}

	run := h.run(t, true)
	if run.Status != model.StatusError {
		t.Fatalf("status = %s", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.Kind != model.KindClone {
		t.Errorf("kind = %s, want clone", result.Kind)
	}
	if h.session.terminated != 1 {
		t.Errorf("terminated %d times, want 1", h.session.terminated)
	}
}

func TestDryRunSkipsApplyAndSync(t *testing.T) {
	h := newHarness(t, []string{"main.go", twoStepPlan})

	run := h.run(t, false)
	if run.Status != model.StatusComplete {
		t.Fatalf("status = %s, error = %s", run.Status, run.Error)
	}
	if run.PRURL != "" || h.host.prCount() != 0 {
		t.Error("dry run must not sync")
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.PlannedSteps != 2 {
		t.Errorf("planned steps = %d, want 2", result.PlannedSteps)
	}
	// selection + plan generation only; no content generation
	if h.client.calls != 2 {
		t.Errorf("model calls = %d, want 2", h.client.calls)
	}
	if h.session.terminated != 1 {
		t.Errorf("terminated %d times, want 1", h.session.terminated)
	}
}

func TestEmptyPlanMeansNoChanges(t *testing.T) {
	h := newHarness(t, []string{"main.go", "<plan></plan>"})

	run := h.run(t, true)
	if run.Status != model.StatusComplete {
		t.Fatalf("status = %s", run.Status)
	}
	if h.host.prCount() != 0 {
		t.Error("empty plan must not open a PR")
	}
	_, result := terminalResult(t, h.store, run.ID)
	if !strings.Contains(result.Message, "No changes") {
		t.Errorf("message = %q", result.Message)
	}
}

// failFirstClient fails its first N calls with a non-retryable provider
// error, then delegates to the inner scripted client.
type failFirstClient struct {
	inner *scriptedClient
	mu    sync.Mutex
	fails int
}

func (c *failFirstClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return "", &llm.ProviderError{Provider: "test", Status: 401, Err: errors.New("bad key")}
	}
	c.mu.Unlock()
	return c.inner.Complete(ctx, system, user)
}

func TestSelectionFailureDegradesToEmptyContext(t *testing.T) {
	h := newHarness(t, nil)
	client := &failFirstClient{
		fails: 1,
		inner: &scriptedClient{responses: []string{
			twoStepPlan,
			"package main // updated\n",
			"package main // helpers\n",
		}},
	}
	h.engine.stages.Select = pipeline.NewSelector(client)
	h.engine.stages.Gen = pipeline.NewGenerator(client)
	h.engine.stages.Exec = pipeline.NewExecutor(client)

	run := h.run(t, true)
	if run.Status != model.StatusComplete {
		t.Fatalf("selection failure should not fail the run: %s (%s)", run.Status, run.Error)
	}
	if h.host.prCount() != 1 {
		t.Error("run should still produce a PR")
	}
}

func TestPartialFailure(t *testing.T) {
	plan := `<plan>
<step><action>create</action><file>a.go</file><description>new file</description></step>
<step><action>modify</action><file>missing.go</file><description>edit</description></step>
<step><action>delete</action><file>main.go</file><description>remove</description></step>
</plan>`
	h := newHarness(t, []string{
		"main.go",
		plan,
		"package a\n", // create a.go
	})

	run := h.run(t, true)
	if run.Status != model.StatusPartial {
		t.Fatalf("status = %s, want partial", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if len(result.FailedSteps) != 1 || result.FailedSteps[0].File != "missing.go" {
		t.Errorf("failed steps = %+v", result.FailedSteps)
	}
	if result.PullRequest == nil || result.PullRequest.FilesChanged != 2 {
		t.Errorf("pull request = %+v", result.PullRequest)
	}
}

func TestAllStepsFailing(t *testing.T) {
	plan := `<plan>
<step><action>modify</action><file>ghost1.go</file><description>edit</description></step>
<step><action>modify</action><file>ghost2.go</file><description>edit</description></step>
</plan>`
	h := newHarness(t, []string{"main.go", plan})

	run := h.run(t, true)
	if run.Status != model.StatusError {
		t.Fatalf("status = %s, want error", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.Kind != model.KindStepFailure || len(result.FailedSteps) != 2 {
		t.Errorf("result = %+v", result)
	}
	if h.host.prCount() != 0 {
		t.Error("nothing applied, no PR should be opened")
	}
}

func TestPRCreationFailureKeepsBranch(t *testing.T) {
	h := newHarness(t, []string{
		"main.go",
		twoStepPlan,
		"package main // updated\n",
		"package main // helpers\n",
	})
	h.host.prErr = errors.New("422 validation failed")

	run := h.run(t, true)
	if run.Status != model.StatusError {
		t.Fatalf("status = %s", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.Kind != model.KindPRCreation {
		t.Errorf("kind = %s, want pr_creation", result.Kind)
	}
	if result.PullRequest == nil || result.PullRequest.Branch == "" || result.PullRequest.URL != "" {
		t.Errorf("pull request = %+v, want branch without URL", result.PullRequest)
	}
	if run.Branch == "" {
		t.Error("pushed branch should be recorded on the run")
	}
}

func TestCancelledBeforeProvision(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	cancel()

	run := h.run(t, true)
	if run.Status != model.StatusError {
		t.Fatalf("status = %s", run.Status)
	}
	_, result := terminalResult(t, h.store, run.ID)
	if result.Kind != model.KindCancelled {
		t.Errorf("kind = %s, want cancelled", result.Kind)
	}
}

func TestStartRunValidates(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.StartRun("", "prompt", false); err == nil {
		t.Error("empty repo URL should be rejected")
	}
	if _, err := h.engine.StartRun("https://github.com/acme/app", "", false); err == nil {
		t.Error("empty prompt should be rejected")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.CancelRun("nope"); err == nil {
		t.Error("cancelling an unknown run should fail")
	}
}
