package domain

import "errors"

var (
	ErrConfiguration     = errors.New("invalid configuration")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrEmbeddingService  = errors.New("embedding service unavailable")
	ErrGenerationService = errors.New("generation service unavailable")
	ErrIndexCorruption   = errors.New("index corrupted")
	ErrEmptyDocument     = errors.New("document has no text")
	ErrUnsupportedFormat = errors.New("unsupported document format")
)
