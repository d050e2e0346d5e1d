package finalize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/script"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePart(t *testing.T, ws *workspace.Workspace, key pipeline.Key, d time.Duration, approved bool) pipeline.PartResult {
	t.Helper()
	name := pipeline.Filename(key, "Segment", script.KindBody)
	path := ws.Path(name)
	f, err := ws.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.WriteWAV(f, audio.Silence(d, audio.SampleRate, 1), audio.SampleRate, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return pipeline.PartResult{Key: key, SegmentTitle: "Segment", Kind: script.KindBody, AudioPath: path, Duration: d, Filename: name, Approved: approved}
}

type recordingConcat struct {
	audio.Native
	inputs []string
	fail   bool
}

func (r *recordingConcat) Reencode(ctx context.Context, inputs []string, output string, rate, ch int) error {
	r.inputs = inputs
	if r.fail {
		return errors.New("ffmpeg exited with status 1")
	}
	return r.Native.Reencode(ctx, inputs, output, rate, ch)
}

func TestFinalizeWritesApprovedInOrder(t *testing.T) {
	ws := workspace.New(filepath.Join(t.TempDir(), "work"), discardLogger(), workspace.WithRemoveRetry(0, 0))
	parts := []pipeline.PartResult{
		writePart(t, ws, pipeline.Key{Segment: 2}, 300*time.Millisecond, true),
		writePart(t, ws, pipeline.Key{Segment: 0, Part: 1}, 100*time.Millisecond, true),
		writePart(t, ws, pipeline.Key{Segment: 1}, 200*time.Millisecond, false),
	}
	concat := &recordingConcat{}
	f := New(Config{}, concat, ws, discardLogger())
	outDir := t.TempDir()

	out, err := f.Finalize(context.Background(), parts, "My Script: Part 1?", outDir)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if filepath.Base(out.MasterPath) != "My Script_ Part 1__final_en.wav" {
		t.Fatalf("unexpected master name %q", out.MasterPath)
	}
	if len(concat.inputs) != 2 || concat.inputs[0] != parts[1].AudioPath || concat.inputs[1] != parts[0].AudioPath {
		t.Fatalf("master inputs not in filename order: %v", concat.inputs)
	}
	d, err := audio.Duration(out.MasterPath)
	if err != nil {
		t.Fatalf("master duration: %v", err)
	}
	if d < 399*time.Millisecond || d > 401*time.Millisecond {
		t.Fatalf("expected 400ms master, got %s", d)
	}
	if len(out.Files) != 2 {
		t.Fatalf("expected 2 individual files, got %v", out.Files)
	}
	for _, file := range out.Files {
		if _, err := os.Stat(file); err != nil {
			t.Fatalf("individual file missing: %v", err)
		}
	}
	if ws.Exists(ws.Root()) {
		t.Fatal("workspace must be purged after finalization")
	}
}

func TestFinalizeNothingApproved(t *testing.T) {
	ws := workspace.New(filepath.Join(t.TempDir(), "work"), discardLogger())
	part := writePart(t, ws, pipeline.Key{}, 100*time.Millisecond, false)
	f := New(Config{}, &recordingConcat{}, ws, discardLogger())

	_, err := f.Finalize(context.Background(), []pipeline.PartResult{part}, "T", t.TempDir())
	if !errors.Is(err, ErrNothingApproved) {
		t.Fatalf("expected ErrNothingApproved, got %v", err)
	}
	var finErr *Error
	if errors.As(err, &finErr) {
		t.Fatal("nothing approved must not be a finalization error")
	}
}

func TestFinalizeFailureKeepsWorkspace(t *testing.T) {
	ws := workspace.New(filepath.Join(t.TempDir(), "work"), discardLogger())
	part := writePart(t, ws, pipeline.Key{}, 100*time.Millisecond, true)
	f := New(Config{}, &recordingConcat{fail: true}, ws, discardLogger())

	_, err := f.Finalize(context.Background(), []pipeline.PartResult{part}, "T", t.TempDir())
	var finErr *Error
	if !errors.As(err, &finErr) || finErr.Step != "master track" {
		t.Fatalf("expected master track error, got %v", err)
	}
	if !ws.Exists(part.AudioPath) {
		t.Fatal("part audio must survive a failed finalization")
	}
}

func TestSafeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Plain Title", "Plain Title"},
		{"a/b\\c:d", "a_b_c_d"},
		{"v1.2-final_cut", "v1.2-final_cut"},
		{"Ação!", "Ação_"},
	}
	for _, tc := range cases {
		if got := SafeTitle(tc.in); got != tc.want {
			t.Fatalf("SafeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExport(t *testing.T) {
	ws := workspace.New(t.TempDir(), discardLogger())
	part := writePart(t, ws, pipeline.Key{}, 100*time.Millisecond, true)
	dst := filepath.Join(t.TempDir(), "nested", part.Filename)
	if err := Export(part, dst); err != nil {
		t.Fatalf("export: %v", err)
	}
	d, err := audio.Duration(dst)
	if err != nil || d < 99*time.Millisecond || d > 101*time.Millisecond {
		t.Fatalf("exported audio unreadable: %s %v", d, err)
	}
}
