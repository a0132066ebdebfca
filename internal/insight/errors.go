package insight

import "errors"

var (
	// ErrEmbeddingsUnavailable is returned when no embedding backend is
	// configured or reachable.
	ErrEmbeddingsUnavailable = errors.New("embeddings unavailable")

	// ErrEmptyText is returned when asked to embed empty text.
	ErrEmptyText = errors.New("cannot embed empty text")
)
