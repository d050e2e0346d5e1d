package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/script"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
	"github.com/spf13/afero"
)

const chunkAudio = 100 * time.Millisecond

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  []synth.ChunkRef
	delay  func(ref synth.ChunkRef) time.Duration
	empty  bool
	gate   chan struct{}
	inside chan struct{}
}

func (f *fakeEngine) Synthesize(ctx context.Context, ref synth.ChunkRef, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	f.mu.Unlock()
	if f.inside != nil {
		f.inside <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay != nil {
		time.Sleep(f.delay(ref))
	}
	if strings.Contains(text, "FAIL") {
		return nil, &synth.Error{Chunk: ref, Attempts: 3, Err: errors.New("service unavailable")}
	}
	if f.empty {
		return nil, nil
	}
	return audio.Silence(chunkAudio, audio.SampleRate, 1), nil
}

func newTestScheduler(t *testing.T, engine ChunkSynthesizer, cfg Config) (*Scheduler, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(filepath.Join(t.TempDir(), "work"), discardLogger(), workspace.WithRemoveRetry(0, 0))
	asm := NewAssembler(ws, audio.Native{}, discardLogger())
	return NewScheduler(cfg, engine, asm, ws, discardLogger()), ws
}

func makeTasks(texts ...string) []Task {
	var tasks []Task
	for i, text := range texts {
		tasks = append(tasks, Task{SegmentIndex: i, PartIndex: 0, SegmentTitle: "Segment", Kind: script.KindBody, Text: text})
	}
	return tasks
}

func near(got, want time.Duration) bool {
	diff := got - want
	return diff > -time.Millisecond && diff < time.Millisecond
}

func TestTasksFromAssignsKeys(t *testing.T) {
	segments := []script.Segment{
		{Title: "Introduction", Parts: []script.Part{{Kind: script.KindBody, Text: "Hi."}, {Kind: script.KindCTA, Text: "Comment below."}}},
		{Title: "Chapter 1", Parts: []script.Part{{Kind: script.KindTitle, Text: "Chapter 1"}}},
	}
	tasks, err := TasksFrom(segments)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[1].Key() != (Key{Segment: 0, Part: 1}) || tasks[1].Kind != script.KindCTA {
		t.Fatalf("unexpected second task %+v", tasks[1])
	}
	if tasks[2].Filename() != "01_00_chapter_1_title.wav" {
		t.Fatalf("unexpected filename %q", tasks[2].Filename())
	}

	if _, err := TasksFrom(nil); !errors.Is(err, script.ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func TestFilenameSlug(t *testing.T) {
	got := Filename(Key{Segment: 3, Part: 12}, "Chapter 1: The Start!", script.KindTitle)
	if got != "03_12_chapter_1_the_start__title.wav" {
		t.Fatalf("unexpected filename %q", got)
	}
	if Slug("Café Olé") != "café_olé" {
		t.Fatalf("expected letters kept, got %q", Slug("Café Olé"))
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("03_12_chapter_1_title.wav")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key != (Key{Segment: 3, Part: 12}) {
		t.Fatalf("unexpected key %+v", key)
	}
	if _, err := ParseKey("intro.wav"); err == nil {
		t.Fatal("expected error for filename without prefix")
	}
}

func TestProgressRemaining(t *testing.T) {
	p := Progress{Completed: 2, Total: 5, Elapsed: time.Minute}
	if p.Remaining() != 90*time.Second {
		t.Fatalf("expected 90s remaining, got %s", p.Remaining())
	}
	if p.String() != "Generating audio 2/5 (40.0%)... ~1m 30s remaining" {
		t.Fatalf("unexpected progress line %q", p.String())
	}
	done := Progress{Completed: 5, Total: 5, Elapsed: time.Minute}
	if done.Remaining() != 0 || strings.Contains(done.String(), "remaining") {
		t.Fatalf("expected no estimate when done, got %q", done.String())
	}
}

func TestRunPartialFailure(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEngine{}, Config{Workers: 3})
	tasks := makeTasks("One.", "FAIL two.", "Three.", "FAIL four.", "Five.")

	result := s.Run(context.Background(), tasks, nil)
	if len(result.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(result.Parts))
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(result.Errors))
	}
	var synthErr *synth.Error
	if !errors.As(result.Errors[0].Err, &synthErr) {
		t.Fatalf("expected synthesis error, got %v", result.Errors[0].Err)
	}
	if result.Errors[0].Key != (Key{Segment: 1}) || result.Errors[1].Key != (Key{Segment: 3}) {
		t.Fatalf("unexpected error keys %+v", result.Errors)
	}
	report := result.Report()
	if !strings.HasPrefix(report, "- Failure in 'Segment': ") || strings.Count(report, "\n") != 1 {
		t.Fatalf("unexpected report %q", report)
	}
	for _, part := range result.Parts {
		if _, err := os.Stat(part.AudioPath); err != nil {
			t.Fatalf("part audio missing: %v", err)
		}
		if !part.Approved {
			t.Fatalf("parts must default to approved")
		}
	}
}

func TestRunOrdersByFilenameRegardlessOfCompletion(t *testing.T) {
	engine := &fakeEngine{delay: func(ref synth.ChunkRef) time.Duration {
		key, _ := ParseKey(ref.Task)
		return time.Duration(6-key.Segment) * 5 * time.Millisecond
	}}
	s, _ := newTestScheduler(t, engine, Config{Workers: 6})

	result := s.Run(context.Background(), makeTasks("a.", "b.", "c.", "d.", "e.", "f."), nil)
	if len(result.Parts) != 6 {
		t.Fatalf("expected 6 parts, got %d", len(result.Parts))
	}
	for i, part := range result.Parts {
		if part.Key.Segment != i {
			t.Fatalf("part %d has key %+v", i, part.Key)
		}
	}
}

func TestRunReportsProgress(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEngine{}, Config{Workers: 2})
	var seen []Progress
	result := s.Run(context.Background(), makeTasks("a.", "FAIL b.", "c.", "d."), func(p Progress) {
		seen = append(seen, p)
	})
	if len(seen) != 4 {
		t.Fatalf("expected 4 progress reports, got %d", len(seen))
	}
	for i, p := range seen {
		if p.Completed != i+1 || p.Total != 4 {
			t.Fatalf("unexpected progress %d: %+v", i, p)
		}
	}
	if len(result.Parts)+len(result.Errors) != 4 {
		t.Fatalf("every task must be accounted for: %+v", result)
	}
}

func TestRunAssemblesMultipleChunks(t *testing.T) {
	s, ws := newTestScheduler(t, &fakeEngine{}, Config{Workers: 1, MaxChars: 20})
	result := s.Run(context.Background(), makeTasks("One. Two. Three. Four."), nil)
	if len(result.Parts) != 1 {
		t.Fatalf("expected 1 part, errors: %s", result.Report())
	}
	part := result.Parts[0]
	if !near(part.Duration, 2*chunkAudio) {
		t.Fatalf("expected two chunks of audio, got %s", part.Duration)
	}
	if part.Filename != "00_00_segment_body.wav" || part.AudioPath != ws.Path(part.Filename) {
		t.Fatalf("unexpected output %+v", part)
	}
	if ws.Exists(ws.Path("chunks_0_0")) {
		t.Fatal("chunk directory must be removed after assembly")
	}
}

func TestRunExpandsNumbersBeforeSynthesis(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEngine{}, Config{Workers: 1, NumberLanguage: "en"})
	result := s.Run(context.Background(), makeTasks("Chapter 3\r\nbegins."), nil)
	if len(result.Parts) != 1 {
		t.Fatalf("expected 1 part, got %+v", result)
	}
	if result.Parts[0].Text != "Chapter three begins." {
		t.Fatalf("unexpected prepared text %q", result.Parts[0].Text)
	}
}

func TestRunSkipsSilentTasks(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEngine{empty: true}, Config{Workers: 2})
	result := s.Run(context.Background(), makeTasks("a.", "<>"), nil)
	if len(result.Parts) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected neither parts nor errors, got %+v", result)
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := s.Run(ctx, makeTasks("a.", "b.", "c."), nil)
	if len(result.Errors) != 3 || len(engine.calls) != 0 {
		t.Fatalf("expected all tasks to be skipped, got %+v", result)
	}
	if !errors.Is(result.Errors[0].Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", result.Errors[0].Err)
	}
}

func TestRegenerateReplacesInPlace(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEngine{}, Config{Workers: 2, MaxChars: 20})
	result := s.Run(context.Background(), makeTasks("First.", "Second."), nil)
	if len(result.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %+v", result)
	}
	prev := result.Parts[1]
	prev.Approved = false

	fresh, err := s.Regenerate(context.Background(), prev, "Second take. With more words.")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if fresh.Key != prev.Key || fresh.Filename != prev.Filename || fresh.AudioPath != prev.AudioPath {
		t.Fatalf("regenerated part must keep its identity: %+v", fresh)
	}
	if fresh.Approved {
		t.Fatal("regeneration must keep the approval flag")
	}
	if !near(fresh.Duration, 2*chunkAudio) {
		t.Fatalf("expected new audio, got %s", fresh.Duration)
	}
	if !result.Replace(fresh) || result.Parts[1].Text != "Second take. With more words." {
		t.Fatalf("replace failed: %+v", result.Parts)
	}
	if result.Parts[0].Filename != "00_00_segment_body.wav" {
		t.Fatalf("other parts must be untouched: %+v", result.Parts[0])
	}
}

func TestRegenerateRejectsConcurrentSameKey(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{}), inside: make(chan struct{}, 1)}
	s, _ := newTestScheduler(t, engine, Config{Workers: 1})
	part := PartResult{Key: Key{Segment: 2}, SegmentTitle: "Segment", Kind: script.KindBody, Text: "Again.", Filename: "02_00_segment_body.wav"}

	done := make(chan error, 1)
	go func() {
		_, err := s.Regenerate(context.Background(), part, "")
		done <- err
	}()
	<-engine.inside

	if _, err := s.Regenerate(context.Background(), part, ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(engine.gate)
	if err := <-done; err != nil {
		t.Fatalf("first regenerate: %v", err)
	}
}

type failingConcat struct{}

func (failingConcat) Concat(ctx context.Context, inputs []string, output string) error {
	return errors.New("ffmpeg exited with status 1")
}

func (failingConcat) Reencode(ctx context.Context, inputs []string, output string, rate, ch int) error {
	return errors.New("ffmpeg exited with status 1")
}

func TestAssemblerReportsConcatFailure(t *testing.T) {
	root := t.TempDir()
	ws := workspace.New(root, discardLogger(), workspace.WithRemoveRetry(0, 0))
	dir, err := ws.Create("chunks_0_0")
	if err != nil {
		t.Fatal(err)
	}
	asm := NewAssembler(ws, failingConcat{}, discardLogger())

	_, err = asm.Assemble(context.Background(), dir, []string{filepath.Join(dir, "chunk_0.wav"), filepath.Join(dir, "chunk_1.wav")}, ws.Path("out.wav"))
	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) {
		t.Fatalf("expected AssemblyError, got %v", err)
	}
	if ws.Exists(dir) {
		t.Fatal("chunk directory must be removed even on failure")
	}
}

func TestAssemblerReadsDurationThroughWorkspaceFs(t *testing.T) {
	ws := workspace.New("/ws", discardLogger(), workspace.WithFs(afero.NewMemMapFs()), workspace.WithRemoveRetry(0, 0))
	dir, err := ws.Create("chunks_0_0")
	if err != nil {
		t.Fatal(err)
	}
	chunkPath := filepath.Join(dir, "chunk_0.wav")
	f, err := ws.OpenFile(chunkPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.WriteWAV(f, audio.Silence(chunkAudio, audio.SampleRate, 1), audio.SampleRate, 1); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	f.Close()

	asm := NewAssembler(ws, audio.Native{}, discardLogger())
	got, err := asm.Assemble(context.Background(), dir, []string{chunkPath}, ws.Path("out.wav"))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got.Duration != chunkAudio {
		t.Fatalf("expected %s, got %s", chunkAudio, got.Duration)
	}
	if ws.Exists(dir) || !ws.Exists(ws.Path("out.wav")) {
		t.Fatal("expected chunk dir removed and output in place")
	}
}
