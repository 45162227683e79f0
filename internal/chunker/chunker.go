package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"groundedqa/internal/domain"
)

// WindowChunker splits text into fixed-size rune windows with overlap. Cuts
// are pulled back to the nearest paragraph, line or sentence boundary when
// one is close enough.
type WindowChunker struct {
	size    int
	overlap int
}

// New validates the parameters and returns a chunker.
func New(size, overlap int) (*WindowChunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &WindowChunker{size: size, overlap: overlap}, nil
}

func (c *WindowChunker) Size() int    { return c.size }
func (c *WindowChunker) Overlap() int { return c.overlap }

func (c *WindowChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	return Split(document, c.size, c.overlap)
}

func validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be > 0, got %d", domain.ErrConfiguration, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must satisfy 0 <= overlap < %d, got %d", domain.ErrConfiguration, size, overlap)
	}
	return nil
}

// Split cuts the document into chunks of at most size runes where each chunk
// after the first repeats the last overlap runes of its predecessor.
func Split(document domain.Document, size, overlap int) ([]domain.Chunk, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	if strings.TrimSpace(document.Text) == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, document.ID)
	}
	runes := []rune(document.Text)
	n := len(runes)
	window := max(1, (size-overlap)/2)

	var chunks []domain.Chunk
	start, idx := 0, 0
	for {
		end := min(start+size, n)
		if end < n {
			end = snap(runes, start+overlap+1, end, window)
		}
		chunks = append(chunks, domain.Chunk{
			DocumentID:      document.ID,
			DocumentVersion: document.Version,
			Index:           idx,
			Start:           start,
			End:             end,
			Text:            string(runes[start:end]),
			Page:            document.PageAt(start),
			Source:          document.Source,
			Format:          document.Format,
		})
		if end == n {
			break
		}
		start = end - overlap
		idx++
	}
	return chunks, nil
}

type boundary func(runes []rune, cut int) bool

// Checked in order of preference.
var boundaries = []boundary{
	func(r []rune, p int) bool { return p >= 2 && r[p-1] == '\n' && r[p-2] == '\n' },
	func(r []rune, p int) bool { return r[p-1] == '\n' },
	func(r []rune, p int) bool {
		if isFullWidthStop(r[p-1]) {
			return true
		}
		return p >= 2 && isSentenceStop(r[p-2]) && unicode.IsSpace(r[p-1])
	},
}

// snap moves cut back by at most window runes but never below floor. The raw
// cut is kept when no boundary is found.
func snap(runes []rune, floor, cut, window int) int {
	lo := max(cut-window, floor)
	if lo > cut || lo < 1 {
		return cut
	}
	for _, isBoundary := range boundaries {
		for p := cut; p >= lo; p-- {
			if isBoundary(runes, p) {
				return p
			}
		}
	}
	return cut
}

func isSentenceStop(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}

func isFullWidthStop(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	}
	return false
}
