package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Concatenator joins WAV files in order.
type Concatenator interface {
	// Concat joins inputs without re-encoding.
	Concat(ctx context.Context, inputs []string, output string) error
	// Reencode joins inputs and writes 16-bit PCM at the given rate.
	Reencode(ctx context.Context, inputs []string, output string, sampleRate, channels int) error
}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// FFmpeg drives the ffmpeg concat demuxer.
type FFmpeg struct {
	cmd    []string
	runner Runner
}

// NewFFmpeg parses command (e.g. "ffmpeg -hide_banner") into an argv. A nil
// runner executes the real binary.
func NewFFmpeg(command string, runner Runner) (*FFmpeg, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &FFmpeg{cmd: args, runner: runner}, nil
}

func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	return f.run(ctx, inputs, output, "-c", "copy")
}

func (f *FFmpeg) Reencode(ctx context.Context, inputs []string, output string, sampleRate, channels int) error {
	return f.run(ctx, inputs, output,
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-c:a", "pcm_s16le")
}

func (f *FFmpeg) run(ctx context.Context, inputs []string, output string, codec ...string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs to concatenate")
	}
	list, err := os.CreateTemp(filepath.Dir(output), ".concat_*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(ConcatList(inputs)); err != nil {
		list.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("close concat list: %w", err)
	}

	args := append([]string{}, f.cmd[1:]...)
	args = append(args, "-y", "-f", "concat", "-safe", "0", "-i", list.Name())
	args = append(args, codec...)
	args = append(args, output)
	return f.runner.Run(ctx, f.cmd[0], args...)
}

// ConcatList renders the concat demuxer file list with absolute paths.
func ConcatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		if abs, err := filepath.Abs(in); err == nil {
			in = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(in, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// Native concatenates WAV files in-process. Inputs must share one format;
// it never resamples.
type Native struct{}

func (Native) Concat(ctx context.Context, inputs []string, output string) error {
	return nativeConcat(ctx, inputs, output, 0, 0)
}

func (Native) Reencode(ctx context.Context, inputs []string, output string, sampleRate, channels int) error {
	return nativeConcat(ctx, inputs, output, sampleRate, channels)
}

func nativeConcat(ctx context.Context, inputs []string, output string, wantRate, wantChannels int) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs to concatenate")
	}
	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	var enc *wav.Encoder
	for _, path := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		dec := wav.NewDecoder(in)
		buf, err := dec.FullPCMBuffer()
		in.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		rate, chans, depth := int(dec.SampleRate), int(dec.NumChans), int(dec.BitDepth)
		if wantRate > 0 && rate != wantRate {
			return fmt.Errorf("%s: sample rate %d, want %d", filepath.Base(path), rate, wantRate)
		}
		if wantChannels > 0 && chans != wantChannels {
			return fmt.Errorf("%s: %d channels, want %d", filepath.Base(path), chans, wantChannels)
		}
		if enc == nil {
			enc = wav.NewEncoder(out, rate, depth, chans, 1)
		} else if enc.SampleRate != rate || enc.NumChans != chans || enc.BitDepth != depth {
			return fmt.Errorf("%s: format differs from first input", filepath.Base(path))
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return out.Close()
}
