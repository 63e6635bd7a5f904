package telegram

import (
	"strings"
	"unicode/utf8"
)

// chunkMessage splits text into pieces of at most maxLen bytes. Cuts prefer
// a newline in the second half of the window and never fall inside a
// multi-byte rune, so every chunk is valid UTF-8 when text is.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := runeBoundary(text, maxLen)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl >= maxLen/2 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// runeBoundary returns the largest offset <= n that starts a rune. A window
// narrower than the first rune yields that whole rune.
func runeBoundary(text string, n int) int {
	for i := n; i > 0; i-- {
		if utf8.RuneStart(text[i]) {
			return i
		}
	}
	_, size := utf8.DecodeRuneInString(text)
	return size
}
