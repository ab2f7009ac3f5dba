package vectorstore

import (
	"fmt"
	"strconv"
)

// Well-known metadata keys. These are reserved: Metadata.Payload always emits
// them and MetadataFromPayload always consumes them, so caller-supplied extras
// under the same names are overwritten.
const (
	KeyChunkIndex     = "chunk_index"
	KeyPosition       = "position"
	KeyUserID         = "user_id"
	KeySource         = "source"
	KeyTimestamp      = "timestamp"
	KeyEmbeddingModel = "embedding_model"
	KeyDimension      = "dimension"
	keyText           = "text"
)

// Metadata is the chunk metadata carried alongside every stored vector.
//
// The well-known fields are typed; anything else a caller supplies travels in
// Extra. At the storage boundary everything is coerced to strings, since the
// backends only index scalar payload values.
type Metadata struct {
	// ChunkIndex is the zero-based emission order within the source document.
	ChunkIndex int `json:"chunk_index"`

	// Position is "<index+1>/<total paragraph blocks>". The denominator counts
	// paragraph blocks, not chunks; it is a deliberate approximation.
	Position string `json:"position"`

	// UserID is the owning identity. It is the sole tenant-isolation
	// mechanism at the storage layer.
	UserID string `json:"user_id"`

	// Source names where the text came from (e.g. "transcription").
	Source string `json:"source,omitempty"`

	// Timestamp is the RFC3339 ingestion time.
	Timestamp string `json:"timestamp,omitempty"`

	// EmbeddingModel and Dimension record which model produced the vector.
	EmbeddingModel string `json:"embedding_model,omitempty"`
	Dimension      int    `json:"dimension,omitempty"`

	// Extra holds caller-supplied keys outside the reserved set.
	Extra map[string]string `json:"extra,omitempty"`
}

// Payload flattens the metadata into a string map for the storage backend.
// Extra keys are emitted first so reserved keys win on collision.
func (m Metadata) Payload() map[string]string {
	p := make(map[string]string, len(m.Extra)+7)
	for k, v := range m.Extra {
		p[k] = v
	}
	p[KeyChunkIndex] = strconv.Itoa(m.ChunkIndex)
	p[KeyPosition] = m.Position
	p[KeyUserID] = m.UserID
	if m.Source != "" {
		p[KeySource] = m.Source
	}
	if m.Timestamp != "" {
		p[KeyTimestamp] = m.Timestamp
	}
	if m.EmbeddingModel != "" {
		p[KeyEmbeddingModel] = m.EmbeddingModel
	}
	if m.Dimension != 0 {
		p[KeyDimension] = strconv.Itoa(m.Dimension)
	}
	return p
}

// MetadataFromPayload rebuilds Metadata from a stored string payload.
// Unknown keys land in Extra; the redundant text copy is dropped.
func MetadataFromPayload(p map[string]string) Metadata {
	m := Metadata{}
	for k, v := range p {
		switch k {
		case KeyChunkIndex:
			m.ChunkIndex, _ = strconv.Atoi(v)
		case KeyPosition:
			m.Position = v
		case KeyUserID:
			m.UserID = v
		case KeySource:
			m.Source = v
		case KeyTimestamp:
			m.Timestamp = v
		case KeyEmbeddingModel:
			m.EmbeddingModel = v
		case KeyDimension:
			m.Dimension, _ = strconv.Atoi(v)
		case keyText:
			// stored document body, not metadata
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = v
		}
	}
	return m
}

// SetExtra coerces an arbitrary caller-supplied value to its string
// representation and files it under Extra, skipping reserved keys.
func (m *Metadata) SetExtra(key string, value any) {
	switch key {
	case KeyChunkIndex, KeyPosition, KeyUserID, KeySource, KeyTimestamp, KeyEmbeddingModel, KeyDimension, keyText:
		return
	}
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[key] = coerceString(value)
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ContentChunk is a bounded slice of a longer document, tagged with position
// metadata, suitable for independent embedding and retrieval.
type ContentChunk struct {
	// ID is the upsert key. Immutable once created; re-upserting the same id
	// overwrites in place.
	ID string `json:"id"`

	// Text is the non-empty chunk body.
	Text string `json:"text"`

	// Metadata tags the chunk for filtering and reconstruction.
	Metadata Metadata `json:"metadata"`

	// Embedding is absent until computed. When present it must have exactly
	// the configured dimension.
	Embedding []float32 `json:"embedding,omitempty"`

	// Score is populated only on query results, never on upsert. Its
	// direction (higher-is-closer vs lower-is-closer) is backend-relative
	// and passed through unnormalized.
	Score *float32 `json:"score,omitempty"`
}

// Validate checks the fields required for an upsert.
func (c *ContentChunk) Validate() error {
	if c.ID == "" || c.Text == "" {
		return ErrEmptyChunk
	}
	return nil
}

// validateDimension enforces the dimension invariant before any network call.
func validateDimension(embedding []float32, want int) error {
	if len(embedding) != want {
		return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, want, len(embedding))
	}
	return nil
}
