package chunker

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"groundedqa/internal/domain"
)

func reconstruct(chunks []domain.Chunk, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		r := []rune(c.Text)
		if i > 0 {
			r = r[overlap:]
		}
		b.WriteString(string(r))
	}
	return b.String()
}

func TestSplitSentenceFixture(t *testing.T) {
	doc := domain.Document{ID: "notes.txt", Text: "Para1. Para2. Para3."}
	chunks, err := Split(doc, 10, 3)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []struct {
		start, end int
		text       string
	}{
		{0, 7, "Para1. "},
		{4, 14, "1. Para2. "},
		{11, 20, "2. Para3."},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(want), chunks)
	}
	for i, w := range want {
		c := chunks[i]
		if c.Start != w.start || c.End != w.end || c.Text != w.text || c.Index != i {
			t.Errorf("chunk %d = [%d,%d) %q idx=%d, want [%d,%d) %q", i, c.Start, c.End, c.Text, c.Index, w.start, w.end, w.text)
		}
	}
	if got := reconstruct(chunks, 3); got != doc.Text {
		t.Fatalf("reconstruct = %q", got)
	}
}

func TestSplitInvariants(t *testing.T) {
	texts := []string{
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		"Line one\nLine two\n\nA new paragraph starts here and keeps going without any stop at all for a while",
		strings.Repeat("x", 257),
		"高血压患者应该注意饮食。每天少盐！适量运动？保持心情舒畅；定期复查。",
		"short",
	}
	params := []struct{ size, overlap int }{{10, 3}, {50, 0}, {64, 16}, {7, 6}, {1000, 200}}
	for _, text := range texts {
		for _, p := range params {
			chunks, err := Split(domain.Document{ID: "d", Text: text}, p.size, p.overlap)
			if err != nil {
				t.Fatalf("Split(%d,%d): %v", p.size, p.overlap, err)
			}
			for i, c := range chunks {
				if n := utf8.RuneCountInString(c.Text); n > p.size || n != c.End-c.Start {
					t.Fatalf("size=%d chunk %d has %d runes span [%d,%d)", p.size, i, n, c.Start, c.End)
				}
				if i == 0 {
					continue
				}
				prev := []rune(chunks[i-1].Text)
				head := []rune(c.Text)[:p.overlap]
				if string(prev[len(prev)-p.overlap:]) != string(head) {
					t.Fatalf("size=%d overlap=%d chunk %d does not repeat predecessor tail", p.size, p.overlap, i)
				}
			}
			if got := reconstruct(chunks, p.overlap); got != text {
				t.Fatalf("size=%d overlap=%d reconstruct mismatch", p.size, p.overlap)
			}
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	doc := domain.Document{ID: "d", Text: strings.Repeat("Alpha beta. Gamma delta!\n", 30)}
	a, _ := Split(doc, 40, 8)
	b, _ := Split(doc, 40, 8)
	if len(a) != len(b) {
		t.Fatalf("lengths differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitPrefersParagraphBreak(t *testing.T) {
	// Sentence and line boundaries at 13, paragraph boundary at 14, raw cut at 16.
	text := "Aaaa. Bbbbb.\n\nCcccccccccccccccccc"
	chunks, err := Split(domain.Document{ID: "d", Text: text}, 16, 2)
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].End != 14 {
		t.Fatalf("first cut at %d, want paragraph boundary 14", chunks[0].End)
	}
}

func TestSplitHardCutWithoutBoundary(t *testing.T) {
	chunks, err := Split(domain.Document{ID: "d", Text: strings.Repeat("a", 25)}, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].End != 10 || chunks[1].Start != 8 {
		t.Fatalf("unexpected cut: %+v", chunks[:2])
	}
}

func TestSplitShortAndEmpty(t *testing.T) {
	chunks, err := Split(domain.Document{ID: "d", Text: "tiny text"}, 100, 10)
	if err != nil || len(chunks) != 1 || chunks[0].Text != "tiny text" {
		t.Fatalf("short text: %v %+v", err, chunks)
	}

	for _, text := range []string{"", "  \n\t"} {
		chunks, err := Split(domain.Document{ID: "empty.txt", Text: text}, 100, 10)
		if !errors.Is(err, domain.ErrEmptyDocument) || len(chunks) != 0 {
			t.Fatalf("empty text %q: err=%v chunks=%d", text, err, len(chunks))
		}
	}
}

func TestNewRejectsBadParameters(t *testing.T) {
	for _, p := range []struct{ size, overlap int }{{0, 0}, {-5, 0}, {10, 10}, {10, 11}, {10, -1}} {
		if _, err := New(p.size, p.overlap); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("New(%d,%d) err = %v, want ErrConfiguration", p.size, p.overlap, err)
		}
	}
}

func TestSplitAssignsPagesAndProvenance(t *testing.T) {
	doc := domain.Document{
		ID:          "guide.pdf",
		Version:     "v1",
		Source:      "/corpus/guide.pdf",
		Format:      domain.FormatPDF,
		Text:        strings.Repeat("p", 30),
		PageOffsets: []int{0, 12, 24},
	}
	chunks, err := Split(doc, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantPages := []int{1, 1, 2}
	for i, want := range wantPages {
		if chunks[i].Page != want {
			t.Errorf("chunk %d page = %d, want %d", i, chunks[i].Page, want)
		}
		if chunks[i].DocumentVersion != "v1" || chunks[i].Source != doc.Source || chunks[i].Format != domain.FormatPDF {
			t.Errorf("chunk %d lost provenance: %+v", i, chunks[i])
		}
	}
}
