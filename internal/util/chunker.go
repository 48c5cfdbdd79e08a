package util

import "strings"

// ChunkWords splits text on whitespace and returns windows of windowSize words
// starting every windowSize-overlap words. The final window may be shorter.
func ChunkWords(text string, windowSize, overlap int) ([]string, error) {
	if windowSize <= 0 || overlap < 0 || overlap >= windowSize {
		return nil, ErrInvalidWindow
	}
	words := strings.Fields(text)
	step := windowSize - overlap
	out := make([]string, 0, len(words)/step+1)
	for i := 0; i < len(words); i += step {
		end := i + windowSize
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], " "))
	}
	return out, nil
}
