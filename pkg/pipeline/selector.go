package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/patchpilot/patchpilot/pkg/llm"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

const defaultMaxContextFiles = 30

// Selector asks the model which repository files matter for a change
// request, then reads their contents from the session.
type Selector struct {
	client      llm.Client
	retry       llm.Retrier
	MaxFiles    int
	ReadTimeout time.Duration
}

func NewSelector(client llm.Client) *Selector {
	return &Selector{
		client:      client,
		retry:       llm.DefaultRetrier,
		MaxFiles:    defaultMaxContextFiles,
		ReadTimeout: 30 * time.Second,
	}
}

// Select returns the relevant files with their contents, plus the number of
// model-proposed paths dropped because they did not match the tree. A model
// failure is returned as an error; callers may degrade to an empty context.
func (s *Selector) Select(ctx context.Context, sess sandbox.Session, tree []TreeEntry, request string) ([]RelevantFile, int, error) {
	known := make(map[string]bool, len(tree))
	var listing strings.Builder
	for _, e := range tree {
		if e.Dir {
			continue
		}
		known[e.Path] = true
		listing.WriteString(e.Path)
		listing.WriteByte('\n')
	}
	if len(known) == 0 {
		return nil, 0, nil
	}

	user := renderTemplate(selectPromptTemplate, map[string]string{
		"FILE_LIST": listing.String(),
		"REQUEST":   request,
	})
	raw, err := s.retry.Complete(ctx, s.client, selectSystemPrompt, user)
	if err != nil {
		return nil, 0, fmt.Errorf("selecting relevant files: %w", err)
	}

	paths, dropped := s.filterPaths(parsePathList(raw), known)

	var files []RelevantFile
	for _, p := range paths {
		content, err := sess.ReadFile(ctx, path.Join(sess.WorkDir(), p))
		if err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				dropped++
				continue
			}
			return nil, dropped, fmt.Errorf("reading %s: %w", p, err)
		}
		files = append(files, RelevantFile{Path: p, Content: string(content)})
	}
	return files, dropped, nil
}

// filterPaths keeps proposed paths that exist in the tree, deduplicated,
// capped at MaxFiles. The count of discarded proposals is returned.
func (s *Selector) filterPaths(proposed []string, known map[string]bool) ([]string, int) {
	max := s.MaxFiles
	if max <= 0 {
		max = defaultMaxContextFiles
	}
	seen := make(map[string]bool, len(proposed))
	var kept []string
	dropped := 0
	for _, p := range proposed {
		if !known[p] {
			dropped++
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		if len(kept) >= max {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	if dropped > 0 {
		log.Printf("selector: dropped %d proposed paths", dropped)
	}
	return kept, dropped
}

// parsePathList extracts one path per line from a model response, tolerating
// code fences, bullets and numbering around the list.
func parsePathList(raw string) []string {
	var paths []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if i := strings.IndexByte(line, '.'); i > 0 && i < 4 && isDigits(line[:i]) {
			line = strings.TrimSpace(line[i+1:])
		}
		line = strings.Trim(line, "`")
		line = strings.TrimPrefix(line, "./")
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
