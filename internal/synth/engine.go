package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/synth"

// EngineConfig holds the voice and request limits applied to every chunk.
type EngineConfig struct {
	Voice          string
	LanguageCode   string
	SampleRate     int
	Channels       int
	RequestTimeout time.Duration
	Policy         retry.Policy
}

// EngineConfigFrom maps the synthesis section of the runtime config.
func EngineConfigFrom(cfg config.SynthesisConfig) EngineConfig {
	return EngineConfig{
		Voice:          cfg.Voice,
		LanguageCode:   cfg.LanguageCode,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		RequestTimeout: cfg.RequestTimeout(),
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			Backoff:     retry.Linear(cfg.BackoffStep()),
		},
	}
}

// Engine turns one chunk of text into audio, retrying transient failures.
type Engine struct {
	synth  Synthesizer
	cfg    EngineConfig
	log    *slog.Logger
	tracer trace.Tracer

	attempts metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewEngine(s Synthesizer, cfg EngineConfig, log *slog.Logger) *Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.Default()
	}
	if cfg.Policy.MaxElapsed == 0 {
		cfg.Policy.MaxElapsed = budget(cfg.Policy, cfg.RequestTimeout)
	}
	e := &Engine{
		synth:  s,
		cfg:    cfg,
		log:    log.With(slog.String("component", "synth-engine")),
		tracer: otel.Tracer(instrumentationName),
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if e.attempts, err = meter.Int64Counter("narrator.synth.attempts", metric.WithDescription("Synthesis requests sent")); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if e.failures, err = meter.Int64Counter("narrator.synth.failures", metric.WithDescription("Chunks that exhausted their retries")); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if e.latency, err = meter.Float64Histogram("narrator.synth.latency", metric.WithUnit("s"), metric.WithDescription("Synthesis request latency")); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Synthesize returns the audio for text. Every attempt gets its own request
// timeout; a failure after the last attempt is reported as *Error.
func (e *Engine) Synthesize(ctx context.Context, ref ChunkRef, text string) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "synth.chunk", trace.WithAttributes(
		attribute.String("narrator.task", ref.Task),
		attribute.Int("narrator.chunk", ref.Index),
		attribute.Int("narrator.chars", len(text)),
	))
	defer span.End()

	req := Request{
		Text:         text,
		Voice:        e.cfg.Voice,
		LanguageCode: e.cfg.LanguageCode,
		SampleRate:   e.cfg.SampleRate,
		Channels:     e.cfg.Channels,
	}

	var attempts int
	data, err := retry.Do(ctx, e.cfg.Policy, func(attempt int) ([]byte, error) {
		attempts = attempt
		return e.attempt(ctx, req)
	}, func(attempt int, err error, wait time.Duration) {
		e.log.Warn("synthesis attempt failed",
			slog.String("chunk", ref.String()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
	})
	if err != nil {
		if e.failures != nil {
			e.failures.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, &Error{Chunk: ref, Attempts: attempts, Err: err}
	}
	span.SetAttributes(attribute.Int("narrator.attempts", attempts), attribute.Int("narrator.bytes", len(data)))
	return data, nil
}

func (e *Engine) attempt(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	data, err := e.synth.Synthesize(ctx, req)
	if e.attempts != nil {
		e.attempts.Add(ctx, 1)
	}
	if e.latency != nil {
		e.latency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("request timed out after %s: %w", e.cfg.RequestTimeout, err)
	}
	return data, err
}

// budget is the longest a full retry sequence can legitimately take.
func budget(p retry.Policy, timeout time.Duration) time.Duration {
	total := time.Duration(p.MaxAttempts) * timeout
	if p.Backoff != nil {
		for n := 1; n < p.MaxAttempts; n++ {
			total += p.Backoff(n)
		}
	}
	return total + time.Minute
}

// New builds the Synthesizer selected by cfg.Mode, wrapped in a disk cache
// when cache_dir is set.
func New(cfg config.SynthesisConfig, log *slog.Logger) (Synthesizer, error) {
	var (
		s   Synthesizer
		err error
	)
	switch cfg.Mode {
	case "google":
		s = NewGoogleSynth(GoogleConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.RequestTimeout(),
			RequestsPerMinute: cfg.RequestsPerMinute,
		})
	case "exec":
		s, err = NewExecSynth(cfg.Command)
		if err != nil {
			return nil, err
		}
	case "mock":
		s = NewMockSynth()
	default:
		return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
	if cfg.CacheDir != "" {
		cache, err := NewCache(s, cfg.CacheDir, cfg.CacheLevel, log)
		if err != nil {
			return nil, err
		}
		return cache, nil
	}
	return s, nil
}
