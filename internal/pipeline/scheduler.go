package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunk"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/normalize"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

// ErrBusy is returned when a part is already being regenerated.
var ErrBusy = errors.New("part is already being regenerated")

// ChunkSynthesizer produces audio for one chunk of a task.
type ChunkSynthesizer interface {
	Synthesize(ctx context.Context, ref synth.ChunkRef, text string) ([]byte, error)
}

// Publisher receives batch events, typically to fan them out on the bus.
type Publisher interface {
	Progress(ctx context.Context, p Progress)
	PartReady(ctx context.Context, p PartResult)
	BatchDone(ctx context.Context, r Result)
}

// ProgressFunc is called after every finished task, successful or not.
type ProgressFunc func(Progress)

// Config holds the scheduler limits.
type Config struct {
	Workers        int
	MaxChars       int
	NumberLanguage string
	SampleRate     int
	Channels       int
	BatchTimeout   time.Duration
}

// ConfigFrom maps the runtime config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Workers:        cfg.Pipeline.Workers,
		MaxChars:       cfg.Synthesis.MaxChars,
		NumberLanguage: cfg.Script.NumberLanguage,
		SampleRate:     cfg.Synthesis.SampleRate,
		Channels:       cfg.Synthesis.Channels,
		BatchTimeout:   cfg.Pipeline.BatchTimeout(),
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.pub = p }
}

// Scheduler runs tasks over a bounded worker pool.
type Scheduler struct {
	cfg    Config
	engine ChunkSynthesizer
	asm    *Assembler
	ws     *workspace.Workspace
	pub    Publisher
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu   sync.Mutex
	busy map[Key]struct{}

	completed metric.Int64Counter
	failed    metric.Int64Counter
}

func NewScheduler(cfg Config, engine ChunkSynthesizer, asm *Assembler, ws *workspace.Workspace, log *slog.Logger, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = chunk.DefaultMaxChars
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	s := &Scheduler{
		cfg:    cfg,
		engine: engine,
		asm:    asm,
		ws:     ws,
		log:    log.With(slog.String("component", "scheduler")),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		busy:   make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s
}

func (s *Scheduler) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.completed, err = meter.Int64Counter("narrator.tasks.completed", metric.WithDescription("Parts synthesized and assembled")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if s.failed, err = meter.Int64Counter("narrator.tasks.failed", metric.WithDescription("Parts that produced no audio because of an error")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Run processes every task and returns the parts sorted by filename. A task
// failure is recorded in Result.Errors and never stops the others. Tasks
// that have not started when ctx ends are recorded as failed.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, onProgress ProgressFunc) Result {
	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "pipeline.batch", trace.WithAttributes(attribute.Int("narrator.tasks", len(tasks))))
	defer span.End()

	start := s.now()
	var (
		mu        sync.Mutex
		result    Result
		completed int
	)
	finish := func(t Task, part *PartResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		completed++
		switch {
		case err != nil:
			result.Errors = append(result.Errors, TaskError{
				Key:          t.Key(),
				SegmentTitle: t.SegmentTitle,
				Message:      err.Error(),
				Err:          err,
			})
			s.count(ctx, s.failed)
			s.log.Warn("task failed",
				slog.String("task", t.Key().String()),
				slog.String("segment", t.SegmentTitle),
				slog.String("error", err.Error()))
		case part != nil:
			result.Parts = append(result.Parts, *part)
			s.count(ctx, s.completed)
			if s.pub != nil {
				s.pub.PartReady(ctx, *part)
			}
		}
		p := Progress{Completed: completed, Total: len(tasks), Elapsed: s.now().Sub(start)}
		if onProgress != nil {
			onProgress(p)
		}
		if s.pub != nil {
			s.pub.Progress(ctx, p)
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, t := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(t, nil, fmt.Errorf("not started: %w", err))
				return nil
			}
			part, err := s.process(ctx, t, false)
			finish(t, part, err)
			return nil
		})
	}
	_ = g.Wait()

	SortParts(result.Parts)
	sortErrors(result.Errors)
	span.SetAttributes(attribute.Int("narrator.parts", len(result.Parts)), attribute.Int("narrator.errors", len(result.Errors)))
	if len(result.Errors) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d task(s) failed", len(result.Errors)))
	}
	s.log.Info("batch finished",
		slog.Int("parts", len(result.Parts)),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("elapsed", s.now().Sub(start)))
	if s.pub != nil {
		s.pub.BatchDone(ctx, result)
	}
	return result
}

// Regenerate synthesizes part again, outside any batch, and returns the
// replacement with the same key and filename. An empty text reuses the
// part's own text. The previous audio is kept if regeneration fails.
func (s *Scheduler) Regenerate(ctx context.Context, part PartResult, text string) (PartResult, error) {
	key := part.Key
	s.mu.Lock()
	if _, ok := s.busy[key]; ok {
		s.mu.Unlock()
		return PartResult{}, ErrBusy
	}
	s.busy[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
	}()

	t := part.Task()
	if strings.TrimSpace(text) != "" {
		t.Text = text
	}
	fresh, err := s.process(synth.Fresh(ctx), t, true)
	if err != nil {
		return PartResult{}, err
	}
	if fresh == nil {
		return PartResult{}, fmt.Errorf("regenerate %s: no audio produced", part.Filename)
	}
	fresh.Approved = part.Approved
	if s.pub != nil {
		s.pub.PartReady(ctx, *fresh)
	}
	return *fresh, nil
}

// process runs one task: normalize, chunk, synthesize each chunk in order,
// then assemble. A nil part with a nil error means the task had nothing
// audible to say.
func (s *Scheduler) process(ctx context.Context, t Task, regenerate bool) (*PartResult, error) {
	key := t.Key()
	ctx, span := s.tracer.Start(ctx, "pipeline.task", trace.WithAttributes(
		attribute.String("narrator.task", key.String()),
		attribute.String("narrator.kind", string(t.Kind)),
		attribute.Bool("narrator.regenerate", regenerate),
	))
	defer span.End()

	text := normalize.Prepare(t.Text, s.cfg.NumberLanguage)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	chunks := chunk.Split(text, s.cfg.MaxChars)

	dir, err := s.ws.Create(fmt.Sprintf("chunks_%d_%d", t.SegmentIndex, t.PartIndex))
	if err != nil {
		return nil, err
	}
	var paths []string
	for idx, c := range chunks {
		if strings.TrimSpace(c) == "" {
			continue
		}
		data, err := s.engine.Synthesize(ctx, synth.ChunkRef{Task: key.String(), Index: idx}, c)
		if err != nil {
			s.ws.Cleanup(dir)
			span.RecordError(err)
			span.SetStatus(codes.Error, "synthesis failed")
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("chunk_%d.wav", idx))
		if err := s.writeChunk(path, data); err != nil {
			s.ws.Cleanup(dir)
			return nil, err
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		s.ws.Cleanup(dir)
		return nil, nil
	}

	filename := t.Filename()
	assembled, err := s.asm.Assemble(ctx, dir, paths, s.ws.Path(filename))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assembly failed")
		return nil, err
	}
	return &PartResult{
		Key:          key,
		SegmentTitle: t.SegmentTitle,
		Kind:         t.Kind,
		Text:         text,
		AudioPath:    assembled.Path,
		Duration:     assembled.Duration,
		Filename:     filename,
		Approved:     true,
	}, nil
}

func (s *Scheduler) writeChunk(path string, data []byte) error {
	f, err := s.ws.OpenFile(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	if err := audio.WriteWAV(f, data, s.cfg.SampleRate, s.cfg.Channels); err != nil {
		f.Close()
		return fmt.Errorf("write chunk audio: %w", err)
	}
	return f.Close()
}

func (s *Scheduler) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func sortErrors(errs []TaskError) {
	sort.Slice(errs, func(i, j int) bool {
		a, b := errs[i].Key, errs[j].Key
		if a.Segment != b.Segment {
			return a.Segment < b.Segment
		}
		return a.Part < b.Part
	})
}
