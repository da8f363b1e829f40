// Package github implements gitprovider.Host using the GitHub API.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/patchpilot/patchpilot/pkg/gitprovider"
)

// Client wraps the GitHub API for PatchPilot operations.
type Client struct {
	gh *gogh.Client
}

// New creates a GitHub client authenticated with the given token.
func New(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// DefaultBranch returns the default branch for a repository.
func (c *Client) DefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

// CreatePullRequest opens a pull request and returns the PR URL.
func (c *Client) CreatePullRequest(ctx context.Context, opts gitprovider.PROptions) (string, error) {
	owner, repo, err := SplitRepo(opts.Repo)
	if err != nil {
		return "", err
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

// SplitRepo splits an "owner/repo" name into its parts.
func SplitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

// RepoFromURL extracts the "owner/repo" name from a repository clone URL.
// Supported forms: https://github.com/owner/repo[.git] and
// git@github.com:owner/repo[.git].
func RepoFromURL(repoURL string) (string, error) {
	s := strings.TrimSuffix(strings.TrimSpace(repoURL), "/")
	s = strings.TrimSuffix(s, ".git")

	if idx := strings.Index(s, "github.com"); idx >= 0 {
		rest := strings.TrimLeft(s[idx+len("github.com"):], ":/")
		if _, _, err := SplitRepo(rest); err == nil {
			return rest, nil
		}
	}
	// Already in owner/repo form.
	if _, _, err := SplitRepo(s); err == nil && !strings.Contains(s, "://") {
		return s, nil
	}
	return "", fmt.Errorf("cannot determine owner/repo from %q", repoURL)
}
