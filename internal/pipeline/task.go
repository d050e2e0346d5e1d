// Package pipeline turns segmented script parts into per-part audio files.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/loqalabs/loqa-narrator/internal/script"
)

// Key is the position of a part within the script. It totally orders parts
// no matter which worker finishes first.
type Key struct {
	Segment int `json:"segment"`
	Part    int `json:"part"`
}

func (k Key) String() string {
	return fmt.Sprintf("%02d_%02d", k.Segment, k.Part)
}

// ParseKey recovers a Key from a part filename such as "03_01_intro_body.wav".
func ParseKey(filename string) (Key, error) {
	fields := strings.SplitN(filename, "_", 3)
	if len(fields) < 2 {
		return Key{}, fmt.Errorf("filename %q has no position prefix", filename)
	}
	seg, err := strconv.Atoi(fields[0])
	if err != nil {
		return Key{}, fmt.Errorf("parse segment index: %w", err)
	}
	part, err := strconv.Atoi(fields[1])
	if err != nil {
		return Key{}, fmt.Errorf("parse part index: %w", err)
	}
	return Key{Segment: seg, Part: part}, nil
}

// Task is one part's text-to-audio conversion.
type Task struct {
	SegmentIndex int
	PartIndex    int
	SegmentTitle string
	Kind         script.PartKind
	Text         string
}

func (t Task) Key() Key {
	return Key{Segment: t.SegmentIndex, Part: t.PartIndex}
}

// Filename is the part's output name and its sort key.
func (t Task) Filename() string {
	return Filename(t.Key(), t.SegmentTitle, t.Kind)
}

var slugPattern = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// Slug lowercases title and replaces every run of non-word characters with
// an underscore.
func Slug(title string) string {
	return strings.ToLower(slugPattern.ReplaceAllString(title, "_"))
}

func Filename(k Key, title string, kind script.PartKind) string {
	return fmt.Sprintf("%02d_%02d_%s_%s.wav", k.Segment, k.Part, Slug(title), kind)
}

// TasksFrom assigns position keys to every part of segments. It returns
// script.ErrNoSegments when there is nothing to narrate.
func TasksFrom(segments []script.Segment) ([]Task, error) {
	var tasks []Task
	for i, seg := range segments {
		for j, part := range seg.Parts {
			tasks = append(tasks, Task{
				SegmentIndex: i,
				PartIndex:    j,
				SegmentTitle: seg.Title,
				Kind:         part.Kind,
				Text:         part.Text,
			})
		}
	}
	if len(tasks) == 0 {
		return nil, script.ErrNoSegments
	}
	return tasks, nil
}
