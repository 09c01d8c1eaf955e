package channel

import (
	"strings"
	"unicode/utf8"
)

// SplitText breaks text into pieces of at most limit runes. It prefers
// paragraph breaks, then line breaks, then spaces; a single word longer than
// limit is cut. limit <= 0 disables splitting.
func SplitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	return splitOn(text, limit, []string{"\n\n", "\n", " "})
}

func splitOn(text string, limit int, separators []string) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	if len(separators) == 0 {
		return splitRunes(text, limit)
	}
	sep, rest := separators[0], separators[1:]
	sepLen := utf8.RuneCountInString(sep)

	var (
		chunks []string
		buf    strings.Builder
		bufLen int
	)
	flush := func() {
		if piece := strings.TrimSpace(buf.String()); piece != "" {
			chunks = append(chunks, piece)
		}
		buf.Reset()
		bufLen = 0
	}
	for _, part := range strings.Split(text, sep) {
		partLen := utf8.RuneCountInString(part)
		if bufLen > 0 && bufLen+sepLen+partLen <= limit {
			buf.WriteString(sep)
			buf.WriteString(part)
			bufLen += sepLen + partLen
			continue
		}
		flush()
		if partLen <= limit {
			buf.WriteString(part)
			bufLen = partLen
			continue
		}
		chunks = append(chunks, splitOn(part, limit, rest)...)
	}
	flush()
	return chunks
}

func splitRunes(text string, limit int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		if segment := strings.TrimSpace(string(runes[start:end])); segment != "" {
			chunks = append(chunks, segment)
		}
	}
	return chunks
}
