package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/patchpilot/patchpilot/pkg/llm"
	"github.com/patchpilot/patchpilot/pkg/plan"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

// fakeSession is an in-memory sandbox.Session keyed by absolute path.
type fakeSession struct {
	workDir string
	files   map[string]string
	execs   []string
	execFn  func(command string) (*sandbox.ExecResult, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{workDir: "/workspace/repo", files: map[string]string{}}
}

func (s *fakeSession) ID() string      { return "fake" }
func (s *fakeSession) WorkDir() string { return s.workDir }

func (s *fakeSession) Execute(ctx context.Context, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	s.execs = append(s.execs, command)
	if s.execFn != nil {
		return s.execFn(command)
	}
	return &sandbox.ExecResult{}, nil
}

func (s *fakeSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	content, ok := s.files[path]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return []byte(content), nil
}

func (s *fakeSession) WriteFile(ctx context.Context, path string, data []byte) error {
	s.files[path] = string(data)
	return nil
}

func (s *fakeSession) Terminate(ctx context.Context) error { return nil }

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func TestLoaderListsSortedTree(t *testing.T) {
	sess := newFakeSession()
	sess.execFn = func(command string) (*sandbox.ExecResult, error) {
		if strings.HasPrefix(command, "git clone") {
			return &sandbox.ExecResult{}, nil
		}
		return &sandbox.ExecResult{Stdout: "f\tsrc/main.go\nd\tsrc\nf\tREADME.md\n\n"}, nil
	}

	entries, err := NewLoader().Load(context.Background(), sess, "https://github.com/acme/app")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []TreeEntry{
		{Path: "README.md"},
		{Path: "src", Dir: true},
		{Path: "src/main.go"},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, e := range entries {
		if e != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, e, want[i])
		}
	}
}

func TestLoaderCloneFailure(t *testing.T) {
	sess := newFakeSession()
	sess.execFn = func(command string) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 128}, &sandbox.ExitError{Code: 128, Stderr: "repository not found"}
	}

	_, err := NewLoader().Load(context.Background(), sess, "https://github.com/acme/missing")
	if err == nil {
		t.Fatal("expected clone error")
	}
	var exitErr *sandbox.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError in chain, got %v", err)
	}
}

func TestSelectorFiltersValidatesAndCaps(t *testing.T) {
	sess := newFakeSession()
	sess.files["/workspace/repo/a.go"] = "package a"
	sess.files["/workspace/repo/b.go"] = "package b"
	sess.files["/workspace/repo/c.go"] = "package c"

	tree := []TreeEntry{
		{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"},
		{Path: "src", Dir: true},
	}
	client := &scriptedClient{responses: []string{
		"```\n- a.go\n* b.go\n1. c.go\n`a.go`\nnot/in/tree.go\n\n```",
	}}

	sel := NewSelector(client)
	sel.MaxFiles = 2
	files, dropped, err := sel.Select(context.Background(), sess, tree, "do things")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(files), files)
	}
	if files[0].Path != "a.go" || files[1].Path != "b.go" {
		t.Errorf("wrong files kept: %+v", files)
	}
	if files[0].Content != "package a" {
		t.Errorf("content not read: %q", files[0].Content)
	}
	// one unknown path plus c.go over the cap
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestSelectorModelFailure(t *testing.T) {
	client := &scriptedClient{err: &llm.ProviderError{Provider: "test", Status: 401}}
	sel := NewSelector(client)
	_, _, err := sel.Select(context.Background(), newFakeSession(), []TreeEntry{{Path: "a.go"}}, "req")
	if err == nil {
		t.Fatal("expected error from model failure")
	}
}

func TestSelectorEmptyTree(t *testing.T) {
	client := &scriptedClient{responses: []string{"a.go"}}
	files, dropped, err := NewSelector(client).Select(context.Background(), newFakeSession(), nil, "req")
	if err != nil || files != nil || dropped != 0 {
		t.Fatalf("empty tree: files=%v dropped=%d err=%v", files, dropped, err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times for empty tree", client.calls)
	}
}

func TestPreprocessorBundle(t *testing.T) {
	pre := NewPreprocessor()
	pre.MaxFileBytes = 10

	files := []RelevantFile{
		{Path: "ok.go", Content: "short"},
		{Path: "big.go", Content: "this content is longer than ten bytes"},
		{Path: "bin.dat", Content: "abc\x00def"},
		{Path: "min.js", Content: strings.Repeat("x", maxLineLength+1)},
	}
	bundle := pre.Build(files)

	if bundle.Files != 4 || bundle.Truncated != 1 || bundle.Skipped != 2 {
		t.Fatalf("counts = %+v", bundle)
	}
	if !strings.Contains(bundle.Text, "### FILE: ok.go") {
		t.Error("missing file header")
	}
	if !strings.Contains(bundle.Text, truncationMarker) {
		t.Error("missing truncation marker")
	}
	if strings.Count(bundle.Text, skipPlaceholder) != 2 {
		t.Error("binary and minified files should be placeholders")
	}
	if again := pre.Build(files); again.Text != bundle.Text {
		t.Error("bundle is not deterministic")
	}
}

func TestPreprocessorTruncatesOnRuneBoundary(t *testing.T) {
	pre := NewPreprocessor()
	// An odd byte limit lands mid-rune in two-byte-per-rune content.
	pre.MaxFileBytes = 5

	bundle := pre.Build([]RelevantFile{
		{Path: "é.go", Content: strings.Repeat("é", 20)},
	})

	if bundle.Truncated != 1 {
		t.Fatalf("truncated = %d, want 1", bundle.Truncated)
	}
	if !utf8.ValidString(bundle.Text) {
		t.Fatal("bundle text is not valid UTF-8")
	}
	if !strings.Contains(bundle.Text, "éé"+truncationMarker) {
		t.Errorf("cut should back off to the rune boundary:\n%s", bundle.Text)
	}
}

func TestGeneratorSubstitutesRequest(t *testing.T) {
	client := &scriptedClient{responses: []string{"<plan></plan>"}}
	raw, err := NewGenerator(client).Generate(context.Background(), ContextBundle{Text: "ctx"}, "add tests")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if raw != "<plan></plan>" {
		t.Errorf("raw = %q", raw)
	}
}

func TestGeneratorModelUnavailable(t *testing.T) {
	client := &scriptedClient{err: &llm.ProviderError{Provider: "test", Status: 500, Retryable: true}}
	gen := NewGenerator(client)
	gen.retry = llm.Retrier{Attempts: 2, BaseDelay: time.Millisecond}
	if _, err := gen.Generate(context.Background(), ContextBundle{}, "req"); err == nil {
		t.Fatal("expected error when provider is down")
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"```go\npackage main\n```", "package main"},
		{"```\nhello\nworld\n```", "hello\nworld"},
		{"```python\nprint(1)\n```\n", "print(1)"},
		{"no\n```fence inside```", "no\n```fence inside```"},
	}
	for _, c := range cases {
		if got := StripFences(c.in); got != c.want {
			t.Errorf("StripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExecutorAppliesSteps(t *testing.T) {
	sess := newFakeSession()
	sess.files["/workspace/repo/old.go"] = "package old\n"
	sess.files["/workspace/repo/gone.go"] = "package gone\n"

	client := &scriptedClient{responses: []string{
		"```go\npackage fresh\n```", // create new.go
		"package old // updated\n",  // modify old.go
	}}

	steps := []plan.Step{
		{Action: plan.ActionCreate, File: "new.go", Description: "add it"},
		{Action: plan.ActionModify, File: "old.go", Description: "update it"},
		{Action: plan.ActionDelete, File: "gone.go", Description: "drop it"},
		{Action: plan.ActionDelete, File: "never-existed.go", Description: "drop it too"},
	}
	changes := NewExecutor(client).Apply(context.Background(), sess, steps, ContextBundle{Text: "ctx"})

	if len(changes) != 4 {
		t.Fatalf("got %d changes, want 4", len(changes))
	}
	for i, c := range changes {
		if !c.Applied {
			t.Errorf("step %d not applied: %s", i, c.Reason)
		}
	}
	if got := sess.files["/workspace/repo/new.go"]; got != "package fresh" {
		t.Errorf("create wrote %q, fences not stripped", got)
	}
	if sess.files["/workspace/repo/old.go"] != "package old // updated\n" {
		t.Errorf("modify wrote %q", sess.files["/workspace/repo/old.go"])
	}
	if changes[1].Original != "package old\n" {
		t.Errorf("modify original = %q", changes[1].Original)
	}
	if changes[2].Original != "package gone\n" {
		t.Errorf("delete original = %q", changes[2].Original)
	}
}

func TestExecutorModifyMissingFile(t *testing.T) {
	client := &scriptedClient{responses: []string{"content"}}
	steps := []plan.Step{{Action: plan.ActionModify, File: "absent.go", Description: "edit"}}

	changes := NewExecutor(client).Apply(context.Background(), newFakeSession(), steps, ContextBundle{})
	if len(changes) != 1 || changes[0].Applied {
		t.Fatalf("missing file modify should fail: %+v", changes)
	}
	if changes[0].Reason != "file does not exist" {
		t.Errorf("reason = %q", changes[0].Reason)
	}
	if client.calls != 0 {
		t.Errorf("model called for missing file")
	}
}

func TestExecutorContinuesAfterFailure(t *testing.T) {
	sess := newFakeSession()
	sess.files["/workspace/repo/keep.go"] = "package keep\n"

	client := &scriptedClient{responses: []string{"package keep // v2\n"}}
	steps := []plan.Step{
		{Action: plan.ActionModify, File: "absent.go", Description: "edit"},
		{Action: plan.ActionModify, File: "keep.go", Description: "edit"},
	}
	changes := NewExecutor(client).Apply(context.Background(), sess, steps, ContextBundle{})
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Applied || !changes[1].Applied {
		t.Fatalf("failure should not stop later steps: %+v", changes)
	}
}

func TestExecutorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{responses: []string{"content"}}
	steps := []plan.Step{
		{Action: plan.ActionCreate, File: "a.go", Description: "x"},
		{Action: plan.ActionCreate, File: "b.go", Description: "y"},
	}
	changes := NewExecutor(client).Apply(ctx, newFakeSession(), steps, ContextBundle{})
	if len(changes) != 0 {
		t.Fatalf("cancelled context should attempt no steps, got %d", len(changes))
	}
}
