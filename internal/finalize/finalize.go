// Package finalize writes the approved parts out as a master track plus
// individual files.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/grafana/regexp"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
)

// ErrNothingApproved is returned when no part is approved. Nothing is
// written in that case.
var ErrNothingApproved = errors.New("no approved parts to finalize")

// Error is a failed finalization step. Part audio in the workspace is left
// untouched so the operation can be retried.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Output describes what Finalize wrote.
type Output struct {
	MasterPath    string
	IndividualDir string
	Files         []string
	Duration      time.Duration
}

type Config struct {
	Suffix     string
	SampleRate int
	Channels   int
}

type Finalizer struct {
	cfg    Config
	concat audio.Concatenator
	ws     *workspace.Workspace
	log    *slog.Logger
}

func New(cfg Config, concat audio.Concatenator, ws *workspace.Workspace, log *slog.Logger) *Finalizer {
	if cfg.Suffix == "" {
		cfg.Suffix = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Finalizer{
		cfg:    cfg,
		concat: concat,
		ws:     ws,
		log:    log.With(slog.String("component", "finalizer")),
	}
}

var unsafeTitle = regexp.MustCompile(`[^\p{L}\p{N}_\-. ]`)

// SafeTitle replaces every character unfit for a file name with "_".
func SafeTitle(title string) string {
	return unsafeTitle.ReplaceAllString(title, "_")
}

// Approved returns the approved parts sorted by filename.
func Approved(parts []pipeline.PartResult) []pipeline.PartResult {
	var approved []pipeline.PartResult
	for _, p := range parts {
		if p.Approved {
			approved = append(approved, p)
		}
	}
	pipeline.SortParts(approved)
	return approved
}

// Finalize concatenates the approved parts into
// "{title}_final_{suffix}.wav" and copies each of them into
// "{title}_individual_audios". The workspace is purged only after both
// steps succeed.
func (f *Finalizer) Finalize(ctx context.Context, parts []pipeline.PartResult, title, outputDir string) (Output, error) {
	approved := Approved(parts)
	if len(approved) == 0 {
		return Output{}, ErrNothingApproved
	}
	safe := SafeTitle(title)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Output{}, &Error{Step: "output directory", Err: err}
	}

	out := Output{
		MasterPath:    filepath.Join(outputDir, fmt.Sprintf("%s_final_%s.wav", safe, f.cfg.Suffix)),
		IndividualDir: filepath.Join(outputDir, safe+"_individual_audios"),
	}
	inputs := make([]string, 0, len(approved))
	for _, p := range approved {
		inputs = append(inputs, p.AudioPath)
		out.Duration += p.Duration
	}

	f.log.Info("creating master track", slog.Int("parts", len(approved)), slog.String("path", out.MasterPath))
	if err := f.concat.Reencode(ctx, inputs, out.MasterPath, f.cfg.SampleRate, f.cfg.Channels); err != nil {
		return Output{}, &Error{Step: "master track", Err: err}
	}

	if err := os.MkdirAll(out.IndividualDir, 0o755); err != nil {
		return Output{}, &Error{Step: "individual files", Err: err}
	}
	for _, p := range approved {
		dst := filepath.Join(out.IndividualDir, p.Filename)
		if err := copyFile(p.AudioPath, dst); err != nil {
			return Output{}, &Error{Step: "individual files", Err: fmt.Errorf("copy %s: %w", p.Filename, err)}
		}
		out.Files = append(out.Files, dst)
	}

	if err := f.ws.Purge(); err != nil {
		f.log.Warn("cleanup failed", slog.String("dir", f.ws.Root()), slog.String("error", err.Error()))
	}
	return out, nil
}

// Export copies one part's audio to dst.
func Export(part pipeline.PartResult, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(part.AudioPath, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
