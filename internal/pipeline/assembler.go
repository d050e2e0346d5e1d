package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
)

// AssemblyError is a failed merge or duration read for one part.
type AssemblyError struct {
	Output string
	Err    error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble %s: %v", filepath.Base(e.Output), e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Assembled is a part's merged audio.
type Assembled struct {
	Path     string
	Duration time.Duration
}

// Assembler merges a part's chunk files into its output file.
type Assembler struct {
	ws     *workspace.Workspace
	concat audio.Concatenator
	log    *slog.Logger
}

func NewAssembler(ws *workspace.Workspace, concat audio.Concatenator, log *slog.Logger) *Assembler {
	return &Assembler{
		ws:     ws,
		concat: concat,
		log:    log.With(slog.String("component", "assembler")),
	}
}

// Assemble moves a single chunk into place or stream-copies several chunks,
// in order, into output. chunkDir is removed afterwards either way; a
// removal failure is logged and does not fail the part.
func (a *Assembler) Assemble(ctx context.Context, chunkDir string, chunks []string, output string) (Assembled, error) {
	defer a.ws.Cleanup(chunkDir)

	if len(chunks) == 0 {
		return Assembled{}, &AssemblyError{Output: output, Err: fmt.Errorf("no chunk audio")}
	}
	src := chunks[0]
	if len(chunks) > 1 {
		src = filepath.Join(chunkDir, "merged.wav")
		if err := a.concat.Concat(ctx, chunks, src); err != nil {
			return Assembled{}, &AssemblyError{Output: output, Err: err}
		}
	}
	if err := a.ws.Move(src, output); err != nil {
		return Assembled{}, &AssemblyError{Output: output, Err: err}
	}

	d, err := a.duration(output)
	if err != nil {
		return Assembled{}, &AssemblyError{Output: output, Err: fmt.Errorf("read duration: %w", err)}
	}
	a.log.Debug("part assembled",
		slog.String("output", filepath.Base(output)),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", d))
	return Assembled{Path: output, Duration: d}, nil
}

func (a *Assembler) duration(path string) (time.Duration, error) {
	f, err := a.ws.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return audio.ReadDuration(f)
}
