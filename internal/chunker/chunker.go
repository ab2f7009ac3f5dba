// Package chunker splits arbitrary-length text into overlapping, bounded-size
// chunks with positional metadata, ready for embedding and upsert.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cramdeck/cramd/internal/vectorstore"
)

// Default chunking parameters, in characters.
const (
	DefaultChunkSize = 3000
	DefaultOverlap   = 200
)

// blockSplitter matches one or more blank lines (lines that are empty or
// whitespace-only) separating paragraph blocks.
var blockSplitter = regexp.MustCompile(`\n[ \t]*\n+`)

// Chunker produces ContentChunks from raw text. The embedding model name and
// dimension are stamped into every chunk's metadata so stored vectors record
// what produced them.
type Chunker struct {
	// ModelName is the embedding model recorded in chunk metadata.
	ModelName string

	// Dimension is the embedding dimension recorded in chunk metadata.
	Dimension int
}

// New creates a Chunker that tags chunks with the given embedding model.
func New(modelName string, dimension int) *Chunker {
	return &Chunker{ModelName: modelName, Dimension: dimension}
}

// Chunk splits text into chunks of at most chunkSize characters, carrying
// overlap trailing characters of each chunk into the next one. base supplies
// the metadata copied into every chunk.
//
// The text is first split into paragraph blocks on blank-line boundaries;
// chunk boundaries never fall inside a block except when a single block
// alone exceeds chunkSize, in which case the block is sliced into
// size-bounded windows. Overlap is character-based and may cut mid-word.
//
// Empty text yields an empty slice, not an error. chunkSize and overlap fall
// back to the defaults when non-positive or negative respectively.
func (c *Chunker) Chunk(text string, chunkSize, overlap int, base vectorstore.Metadata) []vectorstore.ContentChunk {
	if text == "" {
		return []vectorstore.ContentChunk{}
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}

	blocks := splitBlocks(text)
	if len(blocks) == 0 {
		return []vectorstore.ContentChunk{}
	}

	var chunks []vectorstore.ContentChunk
	var buf string
	// seedOnly marks a buffer holding nothing but carried-over overlap;
	// such a buffer is never emitted on its own.
	seedOnly := false
	totalBlocks := len(blocks)

	for _, block := range blocks {
		// A block that alone exceeds chunkSize cannot respect the
		// paragraph-boundary rule; it is sliced into size-bounded windows,
		// each window after the first starting with the previous window's
		// trailing overlap.
		if len(block) > chunkSize {
			if !seedOnly && strings.TrimSpace(buf) != "" {
				chunks = append(chunks, c.emit(buf, len(chunks), totalBlocks, base))
			}
			var last string
			for _, piece := range sliceOversized(block, chunkSize, overlap) {
				chunks = append(chunks, c.emit(piece, len(chunks), totalBlocks, base))
				last = piece
			}
			buf = overlapTail(last, overlap)
			seedOnly = true
			continue
		}

		// +2 accounts for the blank-line join.
		if buf != "" && !seedOnly && len(buf)+len(block)+2 > chunkSize {
			chunks = append(chunks, c.emit(buf, len(chunks), totalBlocks, base))

			// Seed the next buffer with the tail of the chunk just closed.
			if seed := overlapTail(buf, overlap); seed != "" {
				buf = seed + "\n\n" + block
			} else {
				buf = block
			}
			continue
		}

		if buf == "" {
			buf = block
		} else {
			buf += "\n\n" + block
		}
		seedOnly = false
	}

	if !seedOnly && strings.TrimSpace(buf) != "" {
		chunks = append(chunks, c.emit(buf, len(chunks), totalBlocks, base))
	}
	if chunks == nil {
		return []vectorstore.ContentChunk{}
	}
	return chunks
}

// emit builds a chunk with fresh id and positional metadata. The position
// denominator is the paragraph block count, not the chunk count.
func (c *Chunker) emit(text string, index, totalBlocks int, base vectorstore.Metadata) vectorstore.ContentChunk {
	meta := base
	meta.ChunkIndex = index
	meta.Position = fmt.Sprintf("%d/%d", index+1, totalBlocks)
	meta.EmbeddingModel = c.ModelName
	meta.Dimension = c.Dimension
	return vectorstore.ContentChunk{
		ID:       "chunk-" + uuid.New().String(),
		Text:     strings.TrimSpace(text),
		Metadata: meta,
	}
}

// sliceOversized slices a block longer than chunkSize into windows of at
// most chunkSize characters with stride chunkSize-overlap, so every window
// after the first begins with the previous window's trailing overlap.
func sliceOversized(block string, chunkSize, overlap int) []string {
	stride := chunkSize - overlap
	if stride <= 0 {
		stride = chunkSize
	}
	var pieces []string
	for start := 0; start < len(block); start += stride {
		end := start + chunkSize
		if end >= len(block) {
			pieces = append(pieces, block[start:])
			break
		}
		pieces = append(pieces, block[start:end])
	}
	return pieces
}

// overlapTail returns the last overlap characters of text, left-trimmed.
func overlapTail(text string, overlap int) string {
	if overlap <= 0 || text == "" {
		return ""
	}
	if len(text) > overlap {
		text = text[len(text)-overlap:]
	}
	return strings.TrimLeft(text, " \t\n")
}

// splitBlocks splits text into trimmed paragraph blocks. Text with no
// blank-line boundaries comes back as a single block.
func splitBlocks(text string) []string {
	parts := blockSplitter.Split(text, -1)
	blocks := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			blocks = append(blocks, trimmed)
		}
	}
	if len(blocks) == 0 {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}
	return blocks
}
