package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"groundedqa/internal/domain"
)

// JSONLExtractor turns each non-blank line of a .jsonl file into a document.
// Question/answer and instruction/input/output records are flattened to
// labelled text; records with only a text field are used as is.
type JSONLExtractor struct{}

func NewJSONLExtractor() *JSONLExtractor { return &JSONLExtractor{} }

func (JSONLExtractor) Formats() []string { return []string{domain.FormatJSONL} }

type record struct {
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
	Text        string `json:"text"`
}

func (JSONLExtractor) Extract(ctx context.Context, path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := decodeText(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var docs []domain.Document
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	line := 0
	now := time.Now()
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", domain.ErrUnsupportedFormat, path, line, err)
		}
		text := rec.flatten()
		if text == "" {
			continue
		}
		docs = append(docs, domain.Document{
			ID:         fmt.Sprintf("%s#%d", path, line),
			Text:       text,
			Format:     domain.FormatJSONL,
			Source:     path,
			Version:    version(raw),
			IngestedAt: now,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r record) flatten() string {
	var parts []string
	add := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	switch {
	case r.Question != "" || r.Answer != "":
		add("Question", r.Question)
		add("Answer", r.Answer)
	case r.Instruction != "" || r.Output != "":
		add("Instruction", r.Instruction)
		add("Input", r.Input)
		add("Output", r.Output)
	default:
		return strings.TrimSpace(r.Text)
	}
	return strings.Join(parts, "\n")
}
