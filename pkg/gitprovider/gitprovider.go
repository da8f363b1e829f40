// Package gitprovider defines the source-host interface consumed by the git
// sync stage.
package gitprovider

import "context"

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo"
	Branch string // source branch
	Base   string // target branch (default: repository default branch)
	Title  string
	Body   string
}

// Host is the interface for git hosting operations.
type Host interface {
	// DefaultBranch returns the default branch of a repository.
	DefaultBranch(ctx context.Context, repo string) (string, error)

	// CreatePullRequest opens a PR and returns its URL.
	CreatePullRequest(ctx context.Context, opts PROptions) (url string, err error)
}
