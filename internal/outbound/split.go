package outbound

import "strings"

// ChunkLimit is the platform's per-message length ceiling.
const ChunkLimit = 2000

// SplitMessage splits text into chunks of at most ChunkLimit code
// points, preferring to cut at the last newline before the limit, then
// the last space, then a hard cut. Whitespace at the cut edges is
// dropped, and chunks that end up all-whitespace are discarded.
func SplitMessage(text string) []string {
	runes := []rune(text)
	var chunks []string

	for len(runes) > 0 {
		var chunk []rune
		if len(runes) <= ChunkLimit {
			chunk = runes
			runes = nil
		} else {
			window := runes[:ChunkLimit]
			cut := lastBoundary(window, '\n')
			if cut <= 0 {
				cut = lastBoundary(window, ' ')
			}
			if cut <= 0 {
				// No boundary in the window: hard cut.
				chunk = runes[:ChunkLimit]
				runes = runes[ChunkLimit:]
			} else {
				chunk = runes[:cut]
				runes = runes[cut+1:] // drop the boundary character
			}
		}

		trimmed := strings.TrimSpace(string(chunk))
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
	}
	return chunks
}

// lastBoundary returns the index of the last occurrence of sep in
// window, or -1.
func lastBoundary(window []rune, sep rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == sep {
			return i
		}
	}
	return -1
}
