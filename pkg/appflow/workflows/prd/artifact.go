package prd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact is an approved document.
type Artifact struct {
	Title     string
	Idea      string
	Document  string
	Revisions int
}

// ArtifactWriter stores an approved document and reports where it went.
type ArtifactWriter interface {
	Write(ctx context.Context, a Artifact) (string, error)
}

// ArtifactWriterFunc adapts a function to ArtifactWriter.
type ArtifactWriterFunc func(ctx context.Context, a Artifact) (string, error)

// Write implements ArtifactWriter.
func (f ArtifactWriterFunc) Write(ctx context.Context, a Artifact) (string, error) {
	return f(ctx, a)
}

// MarkdownWriter writes each document to <Dir>/<slug>.md with a small
// front-matter header. An existing file with the same slug gets a short
// unique suffix instead of being overwritten.
type MarkdownWriter struct {
	Dir string
	Now func() time.Time
}

// Write implements ArtifactWriter.
func (m MarkdownWriter) Write(_ context.Context, a Artifact) (string, error) {
	dir := m.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	slug := Slug(a.Title)
	if slug == "" {
		slug = "prd"
	}
	path := filepath.Join(dir, slug+".md")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, slug+"-"+uuid.NewString()[:8]+".md")
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	var b strings.Builder
	fmt.Fprintf(&b, "---\ntitle: %q\ndate: %s\nrevisions: %d\n---\n\n",
		a.Title, now().UTC().Format(time.DateOnly), a.Revisions)
	b.WriteString(strings.TrimSpace(a.Document))
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Slug lowercases title and joins its words with hyphens.
func Slug(title string) string {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	return strings.Join(words, "-")
}
