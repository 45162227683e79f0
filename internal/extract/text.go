package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"groundedqa/internal/domain"
)

// TextExtractor reads plain text and markdown files as one document each.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (TextExtractor) Formats() []string {
	return []string{domain.FormatText, domain.FormatMarkdown}
}

func (TextExtractor) Extract(ctx context.Context, path string) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, err := decodeText(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []domain.Document{{
		ID:         path,
		Text:       text,
		Format:     FormatOf(path),
		Source:     path,
		Version:    version(data),
		IngestedAt: time.Now(),
	}}, nil
}

// decodeText rejects invalid UTF-8, drops a byte order mark and normalizes
// line endings.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", domain.ErrUnsupportedFormat)
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}
