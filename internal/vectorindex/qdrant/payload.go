package qdrant

import (
	qd "github.com/qdrant/go-client/qdrant"

	"groundedqa/internal/domain"
)

const (
	keyDocumentID      = "document_id"
	keyDocumentVersion = "document_version"
	keyIndex           = "index"
	keyStart           = "start"
	keyEnd             = "end"
	keyText            = "text"
	keyPage            = "page"
	keySource          = "source"
	keyFormat          = "format"
)

func payload(c domain.Chunk) map[string]any {
	return map[string]any{
		keyDocumentID:      c.DocumentID,
		keyDocumentVersion: c.DocumentVersion,
		keyIndex:           int64(c.Index),
		keyStart:           int64(c.Start),
		keyEnd:             int64(c.End),
		keyText:            c.Text,
		keyPage:            int64(c.Page),
		keySource:          c.Source,
		keyFormat:          c.Format,
	}
}

func chunkFromPayload(p map[string]*qd.Value) domain.Chunk {
	return domain.Chunk{
		DocumentID:      p[keyDocumentID].GetStringValue(),
		DocumentVersion: p[keyDocumentVersion].GetStringValue(),
		Index:           int(p[keyIndex].GetIntegerValue()),
		Start:           int(p[keyStart].GetIntegerValue()),
		End:             int(p[keyEnd].GetIntegerValue()),
		Text:            p[keyText].GetStringValue(),
		Page:            int(p[keyPage].GetIntegerValue()),
		Source:          p[keySource].GetStringValue(),
		Format:          p[keyFormat].GetStringValue(),
	}
}
