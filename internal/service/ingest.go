package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"groundedqa/internal/domain"
	"groundedqa/internal/embedding"
	"groundedqa/internal/extract"
)

// Ingestion statuses, also used as metric labels.
const (
	StatusIndexed   = "indexed"
	StatusUnchanged = "unchanged"
	StatusEmpty     = "empty"
	StatusFailed    = "failed"
)

type BuildRequest struct {
	Dir string
	// Rebuild replaces the whole index atomically instead of adding to it.
	Rebuild bool
}

type DocumentFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// BuildReport summarizes a build. EmptyDocuments names the documents that
// yielded no chunks.
type BuildReport struct {
	Files          int               `json:"files"`
	Documents      int               `json:"documents"`
	Indexed        int               `json:"indexed"`
	Unchanged      int               `json:"unchanged"`
	Empty          int               `json:"empty"`
	EmptyDocuments []string          `json:"empty_documents,omitempty"`
	Removed        int               `json:"removed"`
	Failed         []DocumentFailure `json:"failed,omitempty"`
	Chunks         int               `json:"chunks"`
	Duration       time.Duration     `json:"duration"`
}

// collector gathers per-file outcomes from concurrent workers.
type collector struct {
	mu       sync.Mutex
	report   BuildReport
	embedded []domain.EmbeddedChunk
}

func (c *collector) fail(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Failed = append(c.report.Failed, DocumentFailure{Path: path, Reason: err.Error()})
}

// Build ingests every supported file under req.Dir. A failing document is
// reported and skipped; only cancellation or an index error aborts.
func (s *RAGService) Build(ctx context.Context, req BuildRequest) (*BuildReport, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if err := s.checkModel(); err != nil {
		return nil, err
	}
	info, err := os.Stat(req.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: corpus directory: %v", domain.ErrInvalidArgument, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidArgument, req.Dir)
	}
	files, err := s.c.Extractors.Walk(req.Dir)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, req.Dir, files, req.Rebuild)
}

// IngestFiles adds or refreshes the given files, resolved against root.
func (s *RAGService) IngestFiles(ctx context.Context, root string, paths []string) (*BuildReport, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if err := s.checkModel(); err != nil {
		return nil, err
	}
	var files []string
	for _, p := range paths {
		if s.c.Extractors.Supports(p) {
			files = append(files, p)
		}
	}
	return s.ingest(ctx, root, files, false)
}

// RemoveFiles deletes the documents read from paths and returns how many
// entries were removed.
func (s *RAGService) RemoveFiles(ctx context.Context, root string, paths []string) (int, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	existing, err := s.c.Index.Documents(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		for _, id := range documentsOf(existing, extract.DocumentID(root, p)) {
			n, err := s.c.Index.DeleteDocument(ctx, id)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	if removed > 0 {
		if err := s.save(ctx); err != nil {
			return removed, err
		}
	}
	s.log.Info().Int("removed", removed).Msg("removed files")
	return removed, nil
}

func (s *RAGService) checkModel() error {
	if s.cfg.ModelID != "" && s.c.Embedder.Name() != s.cfg.ModelID {
		return fmt.Errorf("%w: embedder reports model %q, index is bound to %q", domain.ErrConfiguration, s.c.Embedder.Name(), s.cfg.ModelID)
	}
	return nil
}

func (s *RAGService) ingest(ctx context.Context, root string, files []string, rebuild bool) (*BuildReport, error) {
	start := time.Now()
	existing := map[string]string{}
	if !rebuild {
		var err error
		if existing, err = s.c.Index.Documents(ctx); err != nil {
			return nil, err
		}
	}

	col := &collector{}
	col.report.Files = len(files)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, path := range files {
		g.Go(func() error {
			err := s.ingestFile(gctx, root, path, existing, rebuild, col)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errIndexWrite) {
				return err
			}
			s.log.Warn().Err(err).Str("doc", path).Msg("skipping document")
			s.c.Metrics.Document(StatusFailed)
			col.fail(path, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if rebuild {
		if err := s.c.Index.Rebuild(ctx, col.embedded); err != nil {
			return nil, err
		}
	}
	if err := s.save(ctx); err != nil {
		return nil, err
	}
	if n, err := s.c.Index.Len(ctx); err == nil {
		s.c.Metrics.IndexSize(n)
	}

	r := col.report
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
	sort.Strings(r.EmptyDocuments)
	r.Duration = time.Since(start)
	s.log.Info().
		Int("files", r.Files).Int("indexed", r.Indexed).Int("unchanged", r.Unchanged).
		Int("failed", len(r.Failed)).Int("chunks", r.Chunks).Bool("rebuild", rebuild).
		Dur("took", r.Duration).Msg("build finished")
	return &r, nil
}

var errIndexWrite = errors.New("index write failed")

// ingestFile extracts, chunks and embeds one file. In additive mode the
// documents are written right away, replacing older versions and dropping
// records the file no longer yields.
func (s *RAGService) ingestFile(ctx context.Context, root, path string, existing map[string]string, rebuild bool, col *collector) error {
	docs, err := s.c.Extractors.Extract(ctx, root, path)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(docs))
	type pending struct {
		doc    domain.Document
		chunks []domain.EmbeddedChunk
	}
	var ready []pending
	var counts BuildReport
	for _, doc := range docs {
		counts.Documents++
		if !rebuild && existing[doc.ID] == doc.Version {
			seen[doc.ID] = true
			counts.Unchanged++
			s.c.Metrics.Document(StatusUnchanged)
			continue
		}
		chunks, err := s.c.Chunker.Chunk(doc)
		if errors.Is(err, domain.ErrEmptyDocument) {
			s.log.Info().Str("doc", doc.ID).Msg("document has no text")
			counts.Empty++
			counts.EmptyDocuments = append(counts.EmptyDocuments, doc.ID)
			s.c.Metrics.Document(StatusEmpty)
			continue
		}
		if err != nil {
			return fmt.Errorf("chunk %s: %w", doc.ID, err)
		}
		embedded, err := s.embed(ctx, chunks)
		if err != nil {
			return fmt.Errorf("embed %s: %w", doc.ID, err)
		}
		seen[doc.ID] = true
		ready = append(ready, pending{doc: doc, chunks: embedded})
	}

	if !rebuild {
		base := extract.DocumentID(root, path)
		for _, id := range documentsOf(existing, base) {
			if !seen[id] {
				if _, err := s.c.Index.DeleteDocument(ctx, id); err != nil {
					return fmt.Errorf("%w: %v", errIndexWrite, err)
				}
				counts.Removed++
			}
		}
		// The new version goes in before the old one is dropped, so readers
		// never find the document missing.
		for _, p := range ready {
			if _, err := s.c.Index.InsertBatch(ctx, p.chunks); err != nil {
				return fmt.Errorf("%w: %v", errIndexWrite, err)
			}
			if _, ok := existing[p.doc.ID]; ok {
				if _, err := s.c.Index.DeleteStale(ctx, p.doc.ID, p.doc.Version); err != nil {
					return fmt.Errorf("%w: %v", errIndexWrite, err)
				}
			}
		}
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	col.report.Documents += counts.Documents
	col.report.Unchanged += counts.Unchanged
	col.report.Empty += counts.Empty
	col.report.EmptyDocuments = append(col.report.EmptyDocuments, counts.EmptyDocuments...)
	col.report.Removed += counts.Removed
	for _, p := range ready {
		col.report.Indexed++
		col.report.Chunks += len(p.chunks)
		s.c.Metrics.Document(StatusIndexed)
		s.c.Metrics.Chunks(len(p.chunks))
		if rebuild {
			col.embedded = append(col.embedded, p.chunks...)
		}
		s.log.Debug().Str("doc", p.doc.ID).Int("chunks", len(p.chunks)).Msg("document ready")
	}
	return nil
}

func (s *RAGService) embed(ctx context.Context, chunks []domain.Chunk) ([]domain.EmbeddedChunk, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	out := make([]domain.EmbeddedChunk, 0, len(chunks))
	for _, batch := range embedding.Batches(texts, s.cfg.BatchSize) {
		vecs, err := s.c.Embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, v := range vecs {
			out = append(out, domain.EmbeddedChunk{Chunk: chunks[len(out)], Vector: v})
		}
	}
	return out, nil
}

func (s *RAGService) save(ctx context.Context) error {
	p, ok := s.c.Index.(domain.Persister)
	if !ok {
		return nil
	}
	return p.Save(ctx)
}

// documentsOf returns the indexed ids read from the file with id base: the
// base itself and any "base#n" records.
func documentsOf(existing map[string]string, base string) []string {
	var ids []string
	for id := range existing {
		if id == base || strings.HasPrefix(id, base+"#") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
