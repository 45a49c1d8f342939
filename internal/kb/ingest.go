package kb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

// IngestFile imports one markdown file as a document. The first H1
// becomes the title (falling back to the file name); the body is the
// markdown rendered to plain text so keyword search is not polluted by
// syntax. The slug is derived from the file name.
func (s *Store) IngestFile(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	title, body, err := renderMarkdown(data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", path, err)
	}

	slug := slugFromPath(path)
	if title == "" {
		title = strings.ReplaceAll(slug, "-", " ")
	}

	doc := Document{
		Slug:   slug,
		Title:  title,
		Body:   body,
		Source: path,
	}
	if err := s.Put(ctx, doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// IngestDir imports every .md file under dir. Returns the number of
// documents imported; individual file failures are collected into the
// returned error but do not stop the walk.
func (s *Store) IngestDir(ctx context.Context, dir string) (int, error) {
	var failures []string
	count := 0

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		if _, ferr := s.IngestFile(ctx, path); ferr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, ferr))
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("walk %s: %w", dir, err)
	}
	if len(failures) > 0 {
		return count, fmt.Errorf("ingest failures: %s", strings.Join(failures, "; "))
	}
	return count, nil
}

var (
	h1Pattern  = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	tagPattern = regexp.MustCompile(`<[^>]*>`)
)

// renderMarkdown converts markdown to searchable plain text by
// rendering to HTML and stripping tags. The first H1 is extracted as
// the title before rendering.
func renderMarkdown(md []byte) (title, body string, err error) {
	if m := h1Pattern.FindSubmatch(md); m != nil {
		title = strings.TrimSpace(string(m[1]))
	}

	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		return "", "", err
	}

	text := tagPattern.ReplaceAllString(buf.String(), " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.Join(strings.Fields(text), " ")

	return title, text, nil
}

// slugFromPath turns "content/work/brand-refresh.md" into "brand-refresh".
func slugFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ToLower(base)
	base = strings.ReplaceAll(base, "_", "-")
	base = strings.ReplaceAll(base, " ", "-")
	return base
}
