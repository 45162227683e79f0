package domain

import "time"

// Document formats understood by the extractors.
const (
	FormatText     = "txt"
	FormatMarkdown = "markdown"
	FormatJSONL    = "jsonl"
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
)

// Document is an ingested source. It is never mutated after ingestion; a new
// Version supersedes it.
type Document struct {
	ID         string
	Text       string
	Format     string
	Source     string
	Version    string
	IngestedAt time.Time
	// PageOffsets holds the rune offset at which each page starts.
	PageOffsets []int
}

// PageAt returns the 1-based page containing the rune offset, or 0 when the
// document has no page information.
func (d Document) PageAt(offset int) int {
	page := 0
	for i, start := range d.PageOffsets {
		if start > offset {
			break
		}
		page = i + 1
	}
	return page
}

// Chunk is a contiguous span of a document. Start and End are rune offsets,
// End exclusive.
type Chunk struct {
	DocumentID      string `json:"document_id"`
	DocumentVersion string `json:"document_version"`
	Index           int    `json:"index"`
	Start           int    `json:"start"`
	End             int    `json:"end"`
	Text            string `json:"text"`
	Page            int    `json:"page,omitempty"`
	Source          string `json:"source,omitempty"`
	Format          string `json:"format,omitempty"`
}

// EmbeddedChunk is a chunk with its embedding vector.
type EmbeddedChunk struct {
	Chunk
	Vector []float32 `json:"vector"`
}

// IndexEntry is what a vector index stores.
type IndexEntry struct {
	ID string `json:"id"`
	EmbeddedChunk
}

// SearchHit is a single nearest-neighbour result.
type SearchHit struct {
	ID    string
	Score float64
	Chunk Chunk
}

// EvidenceItem is a retrieved chunk placed in rank order.
type EvidenceItem struct {
	ID    string
	Chunk Chunk
	// Score is the ranking score. It equals Similarity unless re-ranking is on.
	Score      float64
	Similarity float64
	Rank       int
}

// ConversationTurn is one completed question/answer exchange.
type ConversationTurn struct {
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	At          time.Time `json:"at"`
}

// Confidence labels derived from the top evidence score.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// Citation links a marker in the answer text to the chunk that backs it.
type Citation struct {
	Marker     int     `json:"marker"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source,omitempty"`
	Page       int     `json:"page,omitempty"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Answer is the synthesized response to a question.
type Answer struct {
	Question   string         `json:"question"`
	SessionID  string         `json:"session_id,omitempty"`
	Text       string         `json:"text"`
	Citations  []Citation     `json:"citations"`
	Confidence string         `json:"confidence"`
	Grounded   bool           `json:"grounded"`
	Evidence   []EvidenceItem `json:"-"`
}

// EvidenceIDs returns the ids of the evidence placed in the prompt.
func (a *Answer) EvidenceIDs() []string {
	ids := make([]string, 0, len(a.Evidence))
	for _, ev := range a.Evidence {
		ids = append(ids, ev.ID)
	}
	return ids
}
