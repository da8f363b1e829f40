package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

// ignoredDirs are pruned from the repository tree listing. They hold
// dependencies or build output, never code the model should read.
var ignoredDirs = []string{
	".git", "node_modules", "vendor", "dist", "build",
	"__pycache__", ".next", "target",
}

const (
	defaultCloneTimeout = 5 * time.Minute
	defaultListTimeout  = 30 * time.Second
)

// Loader clones a repository into a sandbox session and lists its tree.
type Loader struct {
	CloneTimeout time.Duration
	ListTimeout  time.Duration
}

func NewLoader() *Loader {
	return &Loader{CloneTimeout: defaultCloneTimeout, ListTimeout: defaultListTimeout}
}

// Load clones repoURL into the session's working directory and returns the
// repository tree sorted by path. An error means the run cannot proceed.
func (l *Loader) Load(ctx context.Context, sess sandbox.Session, repoURL string) ([]TreeEntry, error) {
	cloneCmd := fmt.Sprintf("git clone %q %q", repoURL, sess.WorkDir())
	if _, err := sess.Execute(ctx, cloneCmd, l.CloneTimeout); err != nil {
		return nil, fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	return l.listTree(ctx, sess)
}

func (l *Loader) listTree(ctx context.Context, sess sandbox.Session) ([]TreeEntry, error) {
	prunes := make([]string, 0, len(ignoredDirs))
	for _, d := range ignoredDirs {
		prunes = append(prunes, fmt.Sprintf("-name %q", d))
	}
	// %y is the entry type (f or d), %P the path relative to the root.
	findCmd := fmt.Sprintf(
		`cd %q && find . -mindepth 1 \( %s \) -prune -o \( -type f -o -type d \) -printf '%%y\t%%P\n'`,
		sess.WorkDir(), strings.Join(prunes, " -o "),
	)
	res, err := sess.Execute(ctx, findCmd, l.ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("listing repository tree: %w", err)
	}

	var entries []TreeEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		kind, path, ok := strings.Cut(line, "\t")
		if !ok || path == "" {
			continue
		}
		switch kind {
		case "f":
			entries = append(entries, TreeEntry{Path: path})
		case "d":
			entries = append(entries, TreeEntry{Path: path, Dir: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
