package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/script"
)

// PartResult is the merged audio of one part.
type PartResult struct {
	Key          Key             `json:"key"`
	SegmentTitle string          `json:"segment_title"`
	Kind         script.PartKind `json:"kind"`
	Text         string          `json:"text"`
	AudioPath    string          `json:"audio_path"`
	Duration     time.Duration   `json:"duration"`
	Filename     string          `json:"filename"`
	Approved     bool            `json:"approved"`
}

// Task rebuilds the task that produced p, for regeneration.
func (p PartResult) Task() Task {
	return Task{
		SegmentIndex: p.Key.Segment,
		PartIndex:    p.Key.Part,
		SegmentTitle: p.SegmentTitle,
		Kind:         p.Kind,
		Text:         p.Text,
	}
}

// TaskError records why a task produced no audio.
type TaskError struct {
	Key          Key    `json:"key"`
	SegmentTitle string `json:"segment_title"`
	Message      string `json:"message"`
	Err          error  `json:"-"`
}

func (e TaskError) String() string {
	return fmt.Sprintf("- Failure in '%s': %s", e.SegmentTitle, e.Message)
}

// Result is the outcome of a batch.
type Result struct {
	Parts  []PartResult `json:"parts"`
	Errors []TaskError  `json:"errors,omitempty"`
}

// Replace swaps in p for the part with the same key. It reports whether a
// part was replaced.
func (r *Result) Replace(p PartResult) bool {
	for i := range r.Parts {
		if r.Parts[i].Key == p.Key {
			r.Parts[i] = p
			return true
		}
	}
	return false
}

// Report lists every failed task, one per line.
func (r Result) Report() string {
	lines := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		lines = append(lines, e.String())
	}
	return strings.Join(lines, "\n")
}

// SortParts orders parts by filename.
func SortParts(parts []PartResult) {
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Filename < parts[j].Filename })
}

// Progress is reported after every finished task.
type Progress struct {
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Remaining estimates the time left from the average time per task so far.
func (p Progress) Remaining() time.Duration {
	if p.Completed == 0 || p.Completed >= p.Total {
		return 0
	}
	perTask := p.Elapsed / time.Duration(p.Completed)
	return perTask * time.Duration(p.Total-p.Completed)
}

func (p Progress) String() string {
	line := fmt.Sprintf("Generating audio %d/%d (%.1f%%)...", p.Completed, p.Total, p.Percent())
	if rem := p.Remaining(); rem > 0 {
		secs := int(rem.Seconds())
		line += fmt.Sprintf(" ~%dm %ds remaining", secs/60, secs%60)
	}
	return line
}
