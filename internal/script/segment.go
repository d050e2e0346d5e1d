// Package script splits a narration script into ordered segments and parts.
package script

import (
	"errors"
	"strings"

	"github.com/grafana/regexp"
)

// PartKind is the narrative role of a Part.
type PartKind string

const (
	KindTitle PartKind = "title"
	KindBody  PartKind = "body"
	KindCTA   PartKind = "cta"
)

const (
	UntitledScript    = "Untitled Script"
	IntroductionTitle = "Introduction"
)

// ErrNoSegments reports a script without any narratable content.
var ErrNoSegments = errors.New("no narratable segments found in script")

// Part is one narratable piece of a segment.
type Part struct {
	Kind PartKind
	Text string
}

// Segment is an introduction or a chapter.
type Segment struct {
	Title string
	Parts []Part
}

// Markers is the marker vocabulary used by Segment.
type Markers struct {
	// End truncates the script; everything after it is discarded.
	End string
	// Mid truncates each chapter body.
	Mid string
	// Chapter matches chapter heading lines.
	Chapter *regexp.Regexp
	// CTAIntro lists call-to-action openers searched for in the introduction.
	CTAIntro []string
}

// CompileChapterPattern builds the default chapter heading pattern from a
// keyword list, e.g. "Chapter 2 - The Road" or "Conclusion:".
func CompileChapterPattern(keywords []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}
	if len(quoted) == 0 {
		return nil, errors.New("no chapter keywords")
	}
	return regexp.Compile(`(?im)^\s*(` + strings.Join(quoted, "|") + `)\s*[\d:]*\s*[–—\-:]*\s*.*`)
}

// CompilePattern compiles a user supplied chapter pattern, forcing
// case-insensitive, line-anchored matching.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?im)` + pattern)
}

// Parse partitions fullText into a title and ordered segments. It never
// touches the network or the filesystem.
func Parse(fullText string, m Markers) (string, []Segment) {
	content := fullText
	if m.End != "" {
		if idx := strings.Index(content, m.End); idx >= 0 {
			content = content[:idx]
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return UntitledScript, nil
	}

	title, _, _ := strings.Cut(content, "\n")
	title = strings.TrimSpace(title)

	var markers [][]int
	if m.Chapter != nil {
		markers = m.Chapter.FindAllStringIndex(content, -1)
	}

	var segments []Segment

	firstMarker := len(content)
	if len(markers) > 0 {
		firstMarker = markers[0][0]
	}
	if intro, ok := introduction(content[:firstMarker], m.CTAIntro); ok {
		segments = append(segments, intro)
	}

	for i, loc := range markers {
		chapterTitle := strings.TrimSpace(content[loc[0]:loc[1]])
		end := len(content)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		body := strings.TrimSpace(content[loc[1]:end])
		if m.Mid != "" {
			if idx := strings.Index(body, m.Mid); idx >= 0 {
				body = body[:idx]
			}
		}
		body = strings.TrimSpace(body)

		seg := Segment{Title: chapterTitle}
		if chapterTitle != "" {
			seg.Parts = append(seg.Parts, Part{Kind: KindTitle, Text: chapterTitle})
		}
		if body != "" {
			seg.Parts = append(seg.Parts, Part{Kind: KindBody, Text: body})
		}
		if len(seg.Parts) > 0 {
			segments = append(segments, seg)
		}
	}
	return title, segments
}

// introduction builds the segment preceding the first chapter marker. Its
// first line doubles as the script title and is dropped when more lines
// follow it.
func introduction(raw string, ctaMarkers []string) (Segment, bool) {
	full := strings.TrimSpace(raw)
	if full == "" {
		return Segment{}, false
	}
	body := full
	if _, rest, found := strings.Cut(full, "\n"); found {
		body = strings.TrimSpace(rest)
	}
	if body == "" {
		return Segment{}, false
	}

	seg := Segment{Title: IntroductionTitle}
	if at := findCTA(body, ctaMarkers); at >= 0 {
		if lead := strings.TrimSpace(body[:at]); lead != "" {
			seg.Parts = append(seg.Parts, Part{Kind: KindBody, Text: lead})
		}
		if cta := strings.TrimSpace(body[at:]); cta != "" {
			seg.Parts = append(seg.Parts, Part{Kind: KindCTA, Text: cta})
		}
	} else {
		seg.Parts = append(seg.Parts, Part{Kind: KindBody, Text: body})
	}
	return seg, len(seg.Parts) > 0
}

// findCTA returns the byte offset where the call to action starts, or -1.
// Markers are tried in list order; the first one present wins and the
// split happens at its first case-insensitive occurrence.
func findCTA(text string, markers []string) int {
	for _, marker := range markers {
		if strings.TrimSpace(marker) == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(marker))
		if loc := re.FindStringIndex(text); loc != nil {
			return loc[0]
		}
	}
	return -1
}
