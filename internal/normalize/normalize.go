// Package normalize prepares extracted script text for the speech engine.
package normalize

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grafana/regexp"
	"golang.org/x/text/language"
)

var (
	markupReplacer = strings.NewReplacer("’", "'", "\r", "\n", "<", "", ">", "")
	// RE2's \s is ASCII only; the class adds Unicode separators such as NBSP.
	lineBreakRun   = regexp.MustCompile(`[\s\p{Z}\x{85}\x{1c}-\x{1f}]*\n[\s\p{Z}\x{85}\x{1c}-\x{1f}]*`)
	digitRun       = regexp.MustCompile(`[0-9]+`)
)

// Clean replaces typographic apostrophes, strips angle-bracket markup
// characters, folds every whitespace run containing a line break into a
// single space and trims the result. Clean(Clean(s)) == Clean(s).
func Clean(raw string) string {
	text := markupReplacer.Replace(raw)
	text = lineBreakRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Speller spells a non-negative integer as words.
type Speller func(n uint64) string

var spellers = map[string]Speller{
	"en": English,
}

// SpellerFor resolves a BCP-47 tag such as "en" or "en-US" to a Speller.
func SpellerFor(tag string) (Speller, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, false
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return nil, false
	}
	base, _ := parsed.Base()
	s, ok := spellers[base.String()]
	return s, ok
}

// ExpandNumbers replaces every standalone run of ASCII digits with its
// spoken form in the language named by tag. An empty or unsupported tag
// leaves the text unchanged, as do runs too large for uint64.
func ExpandNumbers(text, tag string) string {
	spell, ok := SpellerFor(tag)
	if !ok {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range digitRun.FindAllStringIndex(text, -1) {
		if !standalone(text, loc[0], loc[1]) {
			continue
		}
		n, err := strconv.ParseUint(text[loc[0]:loc[1]], 10, 64)
		if err != nil {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(spell(n))
		last = loc[1]
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// standalone reports whether text[start:end] is bounded by non-word
// characters, with letters and numbers from any script counting as word
// characters.
func standalone(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWord(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWord(r) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// Prepare runs Clean followed by ExpandNumbers.
func Prepare(raw, tag string) string {
	return ExpandNumbers(Clean(raw), tag)
}
