package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"groundedqa/internal/domain"
)

// RemoteExtractor posts binary documents to an extraction sidecar and reads
// back either per-page text or a single text body.
type RemoteExtractor struct {
	serviceURL string
	client     *http.Client
}

func NewRemoteExtractor(serviceURL string) *RemoteExtractor {
	return &RemoteExtractor{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (*RemoteExtractor) Formats() []string { return []string{domain.FormatPDF, domain.FormatDOCX} }

type remoteResponse struct {
	Pages []string `json:"pages"`
	Text  string   `json:"text"`
	Error string   `json:"error,omitempty"`
}

func (e *RemoteExtractor) Extract(ctx context.Context, path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL+"/extract", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filepath.Base(path))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extractor: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var result remoteResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != "" || resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor: status %d: %s", resp.StatusCode, result.Error)
	}

	doc := domain.Document{
		ID:         path,
		Format:     FormatOf(path),
		Source:     path,
		Version:    version(data),
		IngestedAt: time.Now(),
	}
	if len(result.Pages) > 0 {
		var b strings.Builder
		offset := 0
		for i, page := range result.Pages {
			if i > 0 {
				b.WriteString("\n\n")
				offset += 2
			}
			doc.PageOffsets = append(doc.PageOffsets, offset)
			b.WriteString(page)
			offset += utf8.RuneCountInString(page)
		}
		doc.Text = b.String()
	} else {
		doc.Text = result.Text
	}
	return []domain.Document{doc}, nil
}
