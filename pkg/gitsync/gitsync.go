// Package gitsync publishes applied changes: it commits them to a fresh
// branch inside the sandbox session, pushes with a token-authenticated
// remote, and opens a pull request against the repository's default branch.
package gitsync

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patchpilot/patchpilot/pkg/gitprovider"
	"github.com/patchpilot/patchpilot/pkg/gitprovider/github"
	"github.com/patchpilot/patchpilot/pkg/model"
	"github.com/patchpilot/patchpilot/pkg/pipeline"
	"github.com/patchpilot/patchpilot/pkg/plan"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

const branchPrefix = "patchpilot/"

// SyncError means the branch could not be pushed, even after retrying on a
// fresh branch name. No pull request exists.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("pushing changes: %v", e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

// PRError means the branch was pushed but the pull request could not be
// created. Branch and Files describe what did land.
type PRError struct {
	Branch string
	Files  int
	Err    error
}

func (e *PRError) Error() string {
	return fmt.Sprintf("creating pull request for %s: %v", e.Branch, e.Err)
}
func (e *PRError) Unwrap() error { return e.Err }

// Syncer commits and pushes session changes and opens pull requests.
type Syncer struct {
	host        gitprovider.Host
	token       string
	ExecTimeout time.Duration

	// newSuffix generates branch name suffixes; replaced in tests.
	newSuffix func() string
}

func New(host gitprovider.Host, token string) *Syncer {
	return &Syncer{
		host:        host,
		token:       token,
		ExecTimeout: 2 * time.Minute,
		newSuffix:   func() string { return uuid.NewString()[:8] },
	}
}

// Sync publishes the applied changes from sess and returns the pull request
// result. On PR-creation failure the returned result still carries the
// pushed branch and file count, alongside a *PRError.
func (s *Syncer) Sync(ctx context.Context, sess sandbox.Session, repoURL, request string, changes []pipeline.AppliedChange) (*model.PullRequestResult, error) {
	applied := 0
	for _, c := range changes {
		if c.Applied {
			applied++
		}
	}
	if applied == 0 {
		return nil, &SyncError{Err: fmt.Errorf("no applied changes to publish")}
	}

	// The commit is cut from the session worktree; read each applied file
	// back so a write that silently vanished is at least visible in logs.
	for _, c := range changes {
		if !c.Applied || c.Step.Action == plan.ActionDelete {
			continue
		}
		if _, err := sess.ReadFile(ctx, path.Join(sess.WorkDir(), c.Step.File)); err != nil {
			log.Printf("gitsync: %s not readable in worktree: %v", c.Step.File, err)
		}
	}

	branch := branchPrefix + s.newSuffix()
	if err := s.commit(ctx, sess, request, branch); err != nil {
		// A failed commit means there is nothing to push; retrying on a
		// fresh branch name cannot help.
		return nil, &SyncError{Err: err}
	}
	if err := s.pushAs(ctx, sess, repoURL, branch); err != nil {
		// A push can be rejected by a ref collision; the commit exists, so
		// one retry on a fresh branch name covers it.
		retryBranch := branchPrefix + s.newSuffix()
		log.Printf("gitsync: push of %s failed (%v), retrying as %s", branch, err, retryBranch)
		if err := s.pushAs(ctx, sess, repoURL, retryBranch); err != nil {
			return nil, &SyncError{Err: err}
		}
		branch = retryBranch
	}

	result := &model.PullRequestResult{Branch: branch, FilesChanged: applied}

	fullName, err := github.RepoFromURL(repoURL)
	if err != nil {
		return result, &PRError{Branch: branch, Files: applied, Err: err}
	}
	base, err := s.host.DefaultBranch(ctx, fullName)
	if err != nil {
		log.Printf("gitsync: default branch lookup failed (%v), assuming main", err)
		base = "main"
	}
	url, err := s.host.CreatePullRequest(ctx, gitprovider.PROptions{
		Repo:   fullName,
		Branch: branch,
		Base:   base,
		Title:  "patchpilot: " + model.Truncate(request, 72),
		Body:   prBody(request, changes),
	})
	if err != nil {
		return result, &PRError{Branch: branch, Files: applied, Err: err}
	}
	result.URL = url
	return result, nil
}

// commit creates the branch and commits everything on it. Nothing is pushed.
func (s *Syncer) commit(ctx context.Context, sess sandbox.Session, request, branch string) error {
	script := strings.Join([]string{
		fmt.Sprintf("cd %q", sess.WorkDir()),
		`git config user.name "patchpilot"`,
		`git config user.email "bot@patchpilot.dev"`,
		fmt.Sprintf("git checkout -b %q", branch),
		"git add -A",
		fmt.Sprintf("git commit -m %q", "patchpilot: "+model.Truncate(request, 69)),
	}, " && ")
	if _, err := sess.Execute(ctx, script, s.ExecTimeout); err != nil {
		return fmt.Errorf("committing on %s: %w", branch, err)
	}
	return nil
}

// pushAs pushes HEAD to branch on the authenticated remote. The token never
// touches the on-disk git config.
func (s *Syncer) pushAs(ctx context.Context, sess sandbox.Session, repoURL, branch string) error {
	push := fmt.Sprintf("cd %q && git push %q HEAD:refs/heads/%s",
		sess.WorkDir(), s.authedURL(repoURL), branch)
	if _, err := sess.Execute(ctx, push, s.ExecTimeout); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

func (s *Syncer) authedURL(repoURL string) string {
	if s.token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + s.token + "@" + strings.TrimPrefix(repoURL, "https://")
}

func prBody(request string, changes []pipeline.AppliedChange) string {
	var b strings.Builder
	b.WriteString("Automated change by PatchPilot.\n\n**Request:** ")
	b.WriteString(request)
	b.WriteString("\n\n**Changes:**\n")
	for _, c := range changes {
		if !c.Applied {
			continue
		}
		fmt.Fprintf(&b, "- `%s` %s\n", c.Step.Action, c.Step.File)
	}
	return b.String()
}
