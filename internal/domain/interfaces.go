package domain

import "context"

// Embedder converts free text into a fixed-dimension numeric vector.
// EmbedBatch is order-preserving and fails as a whole when any item fails.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunker splits documents into overlapping chunks suitable for indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Extractor turns a file into one or more documents. Implementations are
// selected by format tag.
type Extractor interface {
	Formats() []string
	Extract(ctx context.Context, path string) ([]Document, error)
}

// VectorIndex stores embedded chunks and answers k-nearest-neighbour queries
// by cosine similarity clamped to [0,1].
type VectorIndex interface {
	Dimension() int
	Len(ctx context.Context) (int, error)
	Insert(ctx context.Context, chunk EmbeddedChunk) (string, error)
	InsertBatch(ctx context.Context, chunks []EmbeddedChunk) ([]string, error)
	Search(ctx context.Context, query []float32, k int) ([]SearchHit, error)
	Delete(ctx context.Context, id string) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	// DeleteStale removes the entries of documentID whose version is not
	// keepVersion.
	DeleteStale(ctx context.Context, documentID, keepVersion string) (int, error)
	// Documents returns the indexed document ids mapped to their version.
	Documents(ctx context.Context) (map[string]string, error)
	// Rebuild replaces the whole index. Readers observe either the old or the
	// new contents, never a mix.
	Rebuild(ctx context.Context, chunks []EmbeddedChunk) error
}

// Persister is implemented by indexes that keep their state on local disk.
type Persister interface {
	Save(ctx context.Context) error
	Load(ctx context.Context) error
}

// Message is a single prompt message.
type Message struct {
	Role    string
	Content string
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Passage is one numbered piece of evidence in a prompt.
type Passage struct {
	Marker int
	Text   string
	Source string
	Page   int
}

// Prompt is what the synthesizer hands to a generation service. Messages end
// with the user turn holding the evidence and question; Question and Passages
// carry the same content in structured form.
type Prompt struct {
	System   string
	Messages []Message
	Question string
	Passages []Passage
}

// Fragment is one piece of a streamed generation. The final fragment has
// Done set; Err is set when the stream broke.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// Generator is a black-box completion service.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt) (string, error)
	Stream(ctx context.Context, prompt Prompt) (<-chan Fragment, error)
}
