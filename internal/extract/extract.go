// Package extract reads corpus files into documents, choosing an extractor by
// the format tag derived from the file extension.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"groundedqa/internal/domain"
)

var extensionFormats = map[string]string{
	".txt":      domain.FormatText,
	".md":       domain.FormatMarkdown,
	".markdown": domain.FormatMarkdown,
	".jsonl":    domain.FormatJSONL,
	".pdf":      domain.FormatPDF,
	".docx":     domain.FormatDOCX,
}

// FormatOf returns the format tag for path, or "" when the extension is not
// known.
func FormatOf(path string) string {
	return extensionFormats[strings.ToLower(filepath.Ext(path))]
}

// Registry dispatches files to the extractor registered for their format.
type Registry struct {
	byFormat map[string]domain.Extractor
	maxBytes int64
}

// NewRegistry registers each extractor under every format it reports.
// maxBytes of zero disables the size guard.
func NewRegistry(maxBytes int64, extractors ...domain.Extractor) *Registry {
	r := &Registry{byFormat: make(map[string]domain.Extractor), maxBytes: maxBytes}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e domain.Extractor) {
	for _, f := range e.Formats() {
		r.byFormat[f] = e
	}
}

// Supports reports whether path has a format with a registered extractor.
func (r *Registry) Supports(path string) bool {
	_, ok := r.byFormat[FormatOf(path)]
	return ok
}

// Extract reads path and returns its documents. IDs are made relative to
// root with forward slashes so they are stable across machines.
func (r *Registry) Extract(ctx context.Context, root, path string) ([]domain.Document, error) {
	format := FormatOf(path)
	e, ok := r.byFormat[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if r.maxBytes > 0 && info.Size() > r.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrInvalidArgument, path, info.Size(), r.maxBytes)
	}
	docs, err := e.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	base := DocumentID(root, path)
	for i := range docs {
		docs[i].ID = base + strings.TrimPrefix(docs[i].ID, path)
	}
	return docs, nil
}

// DocumentID is the id of the document read from path under root. Files that
// yield several documents suffix it with "#n".
func DocumentID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = path
	}
	return filepath.ToSlash(rel)
}

// Walk lists the supported files under dir in lexical order.
func (r *Registry) Walk(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if r.Supports(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// version is a content hash; a changed file gets a new version.
func version(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
