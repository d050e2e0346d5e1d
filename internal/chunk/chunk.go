// Package chunk splits part text into request-sized pieces for the speech service.
package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/grafana/regexp"
)

// DefaultMaxChars keeps requests under the service's 5000 byte input limit
// for typical prose.
const DefaultMaxChars = 4800

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Split returns text unchanged (trimmed) when it is shorter than maxChars.
// Otherwise it packs whole sentences greedily while a chunk, including its
// joining space, stays below maxChars. A single sentence longer than
// maxChars is emitted on its own and is not split further.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if utf8.RuneCountInString(text) < maxChars {
		return []string{strings.TrimSpace(text)}
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		if size+n+1 < maxChars {
			current.WriteString(sentence)
			current.WriteByte(' ')
			size += n + 1
			continue
		}
		if size > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
		}
		current.Reset()
		current.WriteString(sentence)
		current.WriteByte(' ')
		size = n + 1
	}
	if size > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

// Sentences splits trimmed text after each '.', '!' or '?' that is
// followed by whitespace. The whitespace itself is dropped.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[start:loc[0]+1])
		start = loc[1]
	}
	return append(out, text[start:])
}
