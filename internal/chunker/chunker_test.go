package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cramdeck/cramd/internal/vectorstore"
)

func testChunker() *Chunker {
	return New("test-model", 8)
}

func TestChunk(t *testing.T) {
	t.Run("empty text yields empty slice", func(t *testing.T) {
		chunks := testChunker().Chunk("", 3000, 200, vectorstore.Metadata{})
		require.NotNil(t, chunks)
		assert.Empty(t, chunks)
	})

	t.Run("whitespace-only text yields empty slice", func(t *testing.T) {
		chunks := testChunker().Chunk("  \n\n \t\n", 3000, 200, vectorstore.Metadata{})
		assert.Empty(t, chunks)
	})

	t.Run("short text yields single chunk", func(t *testing.T) {
		chunks := testChunker().Chunk("hello world", 3000, 200, vectorstore.Metadata{UserID: "u1"})
		require.Len(t, chunks, 1)
		assert.Equal(t, "hello world", chunks[0].Text)
		assert.Equal(t, 0, chunks[0].Metadata.ChunkIndex)
		assert.Equal(t, "1/1", chunks[0].Metadata.Position)
		assert.Equal(t, "u1", chunks[0].Metadata.UserID)
		assert.Equal(t, "test-model", chunks[0].Metadata.EmbeddingModel)
		assert.Equal(t, 8, chunks[0].Metadata.Dimension)
		assert.True(t, strings.HasPrefix(chunks[0].ID, "chunk-"))
	})

	t.Run("paragraphs that fit stay in one chunk", func(t *testing.T) {
		text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
		chunks := testChunker().Chunk(text, 3000, 200, vectorstore.Metadata{})
		require.Len(t, chunks, 1)
		assert.Equal(t, text, chunks[0].Text)
	})

	t.Run("chunk closes on paragraph boundary", func(t *testing.T) {
		a := strings.Repeat("a", 10)
		b := strings.Repeat("b", 10)
		chunks := testChunker().Chunk(a+"\n\n"+b, 20, 5, vectorstore.Metadata{})
		require.Len(t, chunks, 2)
		assert.Equal(t, a, chunks[0].Text)
		// The second chunk opens with the first chunk's trailing overlap.
		assert.Equal(t, "aaaaa\n\n"+b, chunks[1].Text)
	})

	t.Run("no chunk exceeds the size limit", func(t *testing.T) {
		var blocks []string
		for i := 0; i < 40; i++ {
			blocks = append(blocks, strings.Repeat("x", 250))
		}
		text := strings.Join(blocks, "\n\n")
		require.Greater(t, len(text), 3000)

		chunks := testChunker().Chunk(text, 3000, 200, vectorstore.Metadata{})
		require.Greater(t, len(chunks), 1)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len(chunk.Text), 3000)
			assert.NotEmpty(t, chunk.Text)
		}
	})

	t.Run("chunk indices are sequential", func(t *testing.T) {
		var blocks []string
		for i := 0; i < 40; i++ {
			blocks = append(blocks, strings.Repeat("y", 250))
		}
		chunks := testChunker().Chunk(strings.Join(blocks, "\n\n"), 3000, 200, vectorstore.Metadata{})
		require.Greater(t, len(chunks), 1)
		for i, chunk := range chunks {
			assert.Equal(t, i, chunk.Metadata.ChunkIndex)
		}
	})

	t.Run("chunk ids are unique", func(t *testing.T) {
		var blocks []string
		for i := 0; i < 40; i++ {
			blocks = append(blocks, strings.Repeat("z", 250))
		}
		chunks := testChunker().Chunk(strings.Join(blocks, "\n\n"), 3000, 200, vectorstore.Metadata{})
		seen := make(map[string]bool)
		for _, chunk := range chunks {
			assert.False(t, seen[chunk.ID], "duplicate id %s", chunk.ID)
			seen[chunk.ID] = true
		}
	})

	t.Run("caller extras survive chunking", func(t *testing.T) {
		base := vectorstore.Metadata{UserID: "u1", Source: "transcription"}
		base.SetExtra("course", "biology")

		chunks := testChunker().Chunk("some notes", 3000, 200, base)
		require.Len(t, chunks, 1)
		assert.Equal(t, "biology", chunks[0].Metadata.Extra["course"])
		assert.Equal(t, "transcription", chunks[0].Metadata.Source)
	})

	t.Run("non-positive parameters fall back to defaults", func(t *testing.T) {
		chunks := testChunker().Chunk("hello", 0, -1, vectorstore.Metadata{})
		require.Len(t, chunks, 1)
		assert.Equal(t, "hello", chunks[0].Text)
	})
}

func TestChunkOversizedBlock(t *testing.T) {
	// A single 7000-char paragraph with chunk_size 3000 and overlap 200
	// slices into windows of stride 2800: [0,3000), [2800,5800), [5600,7000).
	block := strings.Repeat("abcdefghij", 700)
	require.Len(t, block, 7000)

	chunks := testChunker().Chunk(block, 3000, 200, vectorstore.Metadata{})
	require.Len(t, chunks, 3)

	assert.Equal(t, block[0:3000], chunks[0].Text)
	assert.Equal(t, block[2800:5800], chunks[1].Text)
	assert.Equal(t, block[5600:7000], chunks[2].Text)

	// Each window after the first opens with the previous window's tail.
	assert.Equal(t, chunks[0].Text[2800:], chunks[1].Text[:200])
	assert.Equal(t, chunks[1].Text[2800:], chunks[2].Text[:200])

	// Stitching the windows back together minus overlap restores the block.
	restored := chunks[0].Text + chunks[1].Text[200:] + chunks[2].Text[200:]
	assert.Equal(t, block, restored)

	// The position denominator counts paragraph blocks, not chunks.
	assert.Equal(t, "1/1", chunks[0].Metadata.Position)
	assert.Equal(t, "3/1", chunks[2].Metadata.Position)
}

func TestChunkOversizedBlockFollowedByParagraph(t *testing.T) {
	// The overlap carried out of an oversized block must not surface as its
	// own chunk; it only seeds the next paragraph's chunk.
	block := strings.Repeat("q", 50)
	text := block + "\n\ntail paragraph"

	chunks := testChunker().Chunk(text, 20, 5, vectorstore.Metadata{})
	require.Greater(t, len(chunks), 1)

	last := chunks[len(chunks)-1]
	assert.Contains(t, last.Text, "tail paragraph")
	for _, chunk := range chunks[:len(chunks)-1] {
		assert.NotContains(t, chunk.Text, "tail")
	}
}

func TestSplitBlocks(t *testing.T) {
	t.Run("splits on blank lines", func(t *testing.T) {
		blocks := splitBlocks("one\n\ntwo\n\n\nthree")
		assert.Equal(t, []string{"one", "two", "three"}, blocks)
	})

	t.Run("whitespace-only separator lines split too", func(t *testing.T) {
		blocks := splitBlocks("one\n  \ntwo")
		assert.Equal(t, []string{"one", "two"}, blocks)
	})

	t.Run("single newlines do not split", func(t *testing.T) {
		blocks := splitBlocks("line one\nline two")
		assert.Equal(t, []string{"line one\nline two"}, blocks)
	})
}

func TestOverlapTail(t *testing.T) {
	assert.Equal(t, "cdef", overlapTail("abcdef", 4))
	assert.Equal(t, "ab", overlapTail("ab", 4))
	assert.Equal(t, "", overlapTail("abcdef", 0))
	// Leading whitespace in the tail is dropped so seeded chunks do not
	// start mid-gap.
	assert.Equal(t, "xy", overlapTail("abc xy", 3))
}
