package narrator

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
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/finalize"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/script"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

const sampleScript = "My Script\nIntro text.\nChapter 1 Start\nBody one.\nChapter 2 Else\nBody two.[CTA FIM AQUI]Outro"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type silentSynth struct {
	mu    sync.Mutex
	texts []string
}

func (s *silentSynth) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, req.Text)
	s.mu.Unlock()
	if strings.Contains(req.Text, "FAIL") {
		return nil, errors.New("service unavailable")
	}
	return audio.Silence(100*time.Millisecond, req.SampleRate, req.Channels), nil
}

func newService(t *testing.T) (*Service, *silentSynth) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.Tool = "native"
	cfg.Synthesis.Mode = "mock"
	cfg.Synthesis.MaxRetries = 1
	cfg.Synthesis.BackoffStepMS = 0
	cfg.Pipeline.WorkspaceDir = filepath.Join(dir, "work")
	cfg.Pipeline.RemoveRetries = 0
	cfg.Store.Path = filepath.Join(dir, "narrator.db")
	cfg.Output.Directory = filepath.Join(dir, "out")

	st, err := store.Open(context.Background(), cfg.Store, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := &silentSynth{}
	svc, err := New(cfg, Deps{Store: st, Synthesizer: fake}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, fake
}

func TestGenerateReviewFinalize(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	var last pipeline.Progress
	sess, result, err := svc.GenerateText(ctx, "script.txt", sampleScript, func(p pipeline.Progress) { last = p })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sess.Title != "My Script" {
		t.Fatalf("unexpected title %q", sess.Title)
	}
	if len(result.Parts) != 5 || len(result.Errors) != 0 {
		t.Fatalf("expected 5 parts, got %+v", result)
	}

	if last.Completed != 5 || last.Total != 5 {
		t.Fatalf("expected final progress 5/5, got %+v", last)
	}

	_, parts, err := svc.Parts(ctx, "")
	if err != nil {
		t.Fatalf("parts: %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("expected 5 stored parts, got %d", len(parts))
	}
	wantOrder := []string{
		"00_00_introduction_body.wav",
		"01_00_chapter_1_start_title.wav",
		"01_01_chapter_1_start_body.wav",
		"02_00_chapter_2_else_title.wav",
		"02_01_chapter_2_else_body.wav",
	}
	for i, p := range parts {
		if p.Filename != wantOrder[i] {
			t.Fatalf("part %d: got %q want %q", i, p.Filename, wantOrder[i])
		}
	}

	if err := svc.Approve(ctx, "", "01_00", false); err != nil {
		t.Fatalf("approve: %v", err)
	}

	out, err := svc.Finalize(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(out.Files) != 4 {
		t.Fatalf("expected 4 approved files, got %v", out.Files)
	}
	if filepath.Base(out.MasterPath) != "My Script_final_en.wav" {
		t.Fatalf("unexpected master %q", out.MasterPath)
	}
	d, err := audio.Duration(out.MasterPath)
	if err != nil || d < 399*time.Millisecond || d > 401*time.Millisecond {
		t.Fatalf("unexpected master duration %s %v", d, err)
	}

	events, err := svc.Events(ctx, sess.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Type != protocol.SubjectBatchDone || events[1].Type != protocol.SubjectFinalized {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestGenerateWithoutContentFailsBeforeSynthesis(t *testing.T) {
	svc, fake := newService(t)
	_, _, err := svc.GenerateText(context.Background(), "empty.txt", "   [CTA FIM AQUI] ignored", nil)
	if !errors.Is(err, script.ErrNoSegments) {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
	if len(fake.texts) != 0 {
		t.Fatal("no synthesis may happen for an empty script")
	}
	if _, _, err := svc.Parts(context.Background(), ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no session, got %v", err)
	}
}

func TestGeneratePartialFailureIsPersisted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	text := "T\nIntro.\nChapter 1 One\nFAIL body.\nChapter 2 Two\nGood body."
	sess, result, err := svc.GenerateText(ctx, "script.txt", text, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].SegmentTitle != "Chapter 1 One" {
		t.Fatalf("expected one failure in chapter 1, got %+v", result.Errors)
	}
	var synthErr *synth.Error
	if !errors.As(result.Errors[0].Err, &synthErr) {
		t.Fatalf("expected synthesis error, got %v", result.Errors[0].Err)
	}
	_, parts, err := svc.Parts(ctx, sess.ID)
	if err != nil || len(parts) != 4 {
		t.Fatalf("expected 4 stored parts, got %d %v", len(parts), err)
	}
}

func TestRegenerateAndExport(t *testing.T) {
	ctx := context.Background()
	svc, fake := newService(t)
	sess, _, err := svc.GenerateText(ctx, "script.txt", sampleScript, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	fresh, err := svc.Regenerate(ctx, sess.ID, "01_01", "Body one, read again.")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if fresh.Filename != "01_01_chapter_1_start_body.wav" {
		t.Fatalf("regeneration must keep the filename, got %q", fresh.Filename)
	}
	if last := fake.texts[len(fake.texts)-1]; last != "Body one, read again." {
		t.Fatalf("unexpected synthesized text %q", last)
	}
	_, parts, _ := svc.Parts(ctx, sess.ID)
	if len(parts) != 5 || parts[2].Text != "Body one, read again." {
		t.Fatalf("part not replaced in place: %+v", parts)
	}

	dst := t.TempDir()
	part, err := svc.Export(ctx, sess.ID, fresh.Filename, dst)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, part.Filename)); err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	if _, err := svc.Export(ctx, sess.ID, "09_09", dst); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeNothingApproved(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	sess, result, err := svc.GenerateText(ctx, "script.txt", "Only line.", nil)
	if err != nil || len(result.Parts) != 1 {
		t.Fatalf("generate: %+v %v", result, err)
	}
	if err := svc.Approve(ctx, sess.ID, result.Parts[0].Filename, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Finalize(ctx, sess.ID, t.TempDir()); !errors.Is(err, finalize.ErrNothingApproved) {
		t.Fatalf("expected ErrNothingApproved, got %v", err)
	}
}

func TestMarkersFromPattern(t *testing.T) {
	m, err := MarkersFrom(config.ScriptConfig{ChapterPattern: `^kapitel\s+\d+.*`})
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	if !m.Chapter.MatchString("Intro\nKapitel 2 Weiter") {
		t.Fatal("expected case-insensitive multi-line pattern")
	}
	if _, err := MarkersFrom(config.ScriptConfig{}); err == nil {
		t.Fatal("expected error without keywords or pattern")
	}
}

func TestCloseReleasesOwnedCache(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.Tool = "native"
	cfg.Synthesis.Mode = "mock"
	cfg.Synthesis.CacheDir = filepath.Join(dir, "cache")
	cfg.Store.Path = filepath.Join(dir, "narrator.db")
	st, err := store.Open(context.Background(), cfg.Store, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := New(cfg, Deps{Store: st}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	cache, ok := svc.deps.Synthesizer.(*synth.Cache)
	if !ok {
		t.Fatalf("expected cached synthesizer, got %T", svc.deps.Synthesizer)
	}
	svc.Close()
	if _, err := cache.Synthesize(context.Background(), synth.Request{Text: "Hi."}); !errors.Is(err, synth.ErrCacheClosed) {
		t.Fatalf("expected cache closed by service, got %v", err)
	}
	svc.Close()
}

func TestCloseLeavesInjectedSynthesizer(t *testing.T) {
	svc, fake := newService(t)
	svc.Close()
	if _, err := svc.deps.Synthesizer.Synthesize(context.Background(), synth.Request{Text: "Hi.", SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("injected synthesizer must stay usable: %v", err)
	}
	if len(fake.texts) != 1 {
		t.Fatalf("expected one call, got %d", len(fake.texts))
	}
}
