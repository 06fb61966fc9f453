package extract

import "strings"

// Default chunking parameters, in words.
const (
	DefaultChunkSize = 1500
	DefaultOverlap   = 200
	DefaultMaxChunks = 5
)

// Chunk splits text into up-to-maxChunks windows of size words, each
// repeating overlap words from the previous window. Text that fits in one
// window is returned whole.
func Chunk(text string, size, overlap, maxChunks int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}

	words := strings.Fields(text)
	if len(words) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(words) && len(chunks) < maxChunks {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		start = end - overlap
	}
	return chunks
}
