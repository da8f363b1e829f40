package pipeline

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

const (
	defaultMaxFileBytes = 32 * 1024
	maxLineLength       = 2000

	truncationMarker = "\n... [truncated]"
	skipPlaceholder  = "[binary or minified content omitted]"
)

// Preprocessor turns selected files into a deterministic context bundle.
// It is pure: the same input always yields the same bundle.
type Preprocessor struct {
	MaxFileBytes int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{MaxFileBytes: defaultMaxFileBytes}
}

// Build renders files into one bundle, in input order. Oversized files are
// truncated with a marker; binary and minified files are replaced with a
// placeholder so they still appear in the listing.
func (p *Preprocessor) Build(files []RelevantFile) ContextBundle {
	max := p.MaxFileBytes
	if max <= 0 {
		max = defaultMaxFileBytes
	}

	var b strings.Builder
	bundle := ContextBundle{Files: len(files)}
	for _, f := range files {
		content := f.Content
		switch {
		case !renderable(content):
			content = skipPlaceholder
			bundle.Skipped++
		case len(content) > max:
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			cut := max
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + truncationMarker
			bundle.Truncated++
		}
		fmt.Fprintf(&b, "### FILE: %s\n```%s\n%s\n```\n\n", f.Path, fenceLang(f.Path), content)
	}
	bundle.Text = strings.TrimSuffix(b.String(), "\n")
	return bundle
}

// renderable reports whether content is text the model can usefully read.
func renderable(content string) bool {
	if strings.ContainsRune(content, '\x00') || !utf8.ValidString(content) {
		return false
	}
	for _, line := range strings.Split(content, "\n") {
		if len(line) > maxLineLength {
			return false
		}
	}
	return true
}

func fenceLang(file string) string {
	ext := strings.TrimPrefix(path.Ext(file), ".")
	switch ext {
	case "", "txt", "md":
		return ""
	default:
		return ext
	}
}
