package ingest

import (
	"strings"
	"unicode"
)

// Split cuts text into chunks of at most size runes, with overlap runes
// shared between consecutive chunks. Cut points back up to the nearest
// whitespace within the overlap window so words stay whole; when no
// whitespace is close enough the cut is hard.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = backtrackToSpace(runes, start, end, overlap)
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// backtrackToSpace moves a cut point left to the nearest whitespace, at most
// limit runes. Backtracking never exceeds the overlap, so the next chunk's
// start is always covered.
func backtrackToSpace(runes []rune, start, end, limit int) int {
	for i := end; i > end-limit && i > start; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
