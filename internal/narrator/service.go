// Package narrator ties the pipeline stages to the session store and the
// bus. It backs every CLI subcommand.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/grafana/regexp"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/finalize"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/script"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
)

// Deps are the collaborators owned by the caller.
type Deps struct {
	Store       *store.Store
	Bus         *bus.Client
	Synthesizer synth.Synthesizer
	Concat      audio.Concatenator
}

// Service runs generate, review and finalize operations for sessions.
type Service struct {
	cfg     config.Config
	deps    Deps
	markers script.Markers
	engine  *synth.Engine
	log     *slog.Logger
	// closers release resources New created itself, such as the cache.
	closers []func()

	mu         sync.Mutex
	schedulers map[string]*pipeline.Scheduler
}

func New(cfg config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("narrator: store is required")
	}
	markers, err := MarkersFrom(cfg.Script)
	if err != nil {
		return nil, err
	}
	var closers []func()
	if deps.Synthesizer == nil {
		if deps.Synthesizer, err = synth.New(cfg.Synthesis, log); err != nil {
			return nil, fmt.Errorf("create synthesizer: %w", err)
		}
		if c, ok := deps.Synthesizer.(interface{ Close() }); ok {
			closers = append(closers, c.Close)
		}
	}
	if deps.Concat == nil {
		if deps.Concat, err = NewConcatenator(cfg.Audio); err != nil {
			return nil, err
		}
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		markers: markers,
		engine:  synth.NewEngine(deps.Synthesizer, synth.EngineConfigFrom(cfg.Synthesis), log),
		log:     log.With(slog.String("component", "narrator")),
		closers: closers,

		schedulers: make(map[string]*pipeline.Scheduler),
	}, nil
}

// Close releases what New created. Collaborators passed in Deps stay
// open.
func (s *Service) Close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

// MarkersFrom compiles the segmenter vocabulary.
func MarkersFrom(cfg config.ScriptConfig) (script.Markers, error) {
	var (
		chapter *regexp.Regexp
		err     error
	)
	if cfg.ChapterPattern != "" {
		chapter, err = script.CompilePattern(cfg.ChapterPattern)
	} else {
		chapter, err = script.CompileChapterPattern(cfg.ChapterKeywords)
	}
	if err != nil {
		return script.Markers{}, fmt.Errorf("compile chapter pattern: %w", err)
	}
	return script.Markers{
		End:      cfg.EndMarker,
		Mid:      cfg.MidMarker,
		Chapter:  chapter,
		CTAIntro: cfg.CTAIntroMarkers,
	}, nil
}

// NewConcatenator selects the audio tool.
func NewConcatenator(cfg config.AudioConfig) (audio.Concatenator, error) {
	if cfg.Tool == "native" {
		return audio.Native{}, nil
	}
	ff, err := audio.NewFFmpeg(cfg.FFmpegCommand, nil)
	if err != nil {
		return nil, err
	}
	return ff, nil
}

func (s *Service) workspace(sessionID string) *workspace.Workspace {
	return workspace.New(
		filepath.Join(s.cfg.Pipeline.WorkspaceDir, sessionID),
		s.log,
		workspace.WithRemoveRetry(s.cfg.Pipeline.RemoveRetries, s.cfg.Pipeline.RemoveDelay()),
	)
}

// scheduler returns the session's scheduler, created on first use so
// concurrent regenerations of one part share a busy guard.
func (s *Service) scheduler(sessionID string) *pipeline.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedulers[sessionID]; ok {
		return sched
	}
	var opts []pipeline.Option
	if s.deps.Bus != nil {
		opts = append(opts, pipeline.WithPublisher(bus.NewPublisher(s.deps.Bus, sessionID, s.log)))
	}
	ws := s.workspace(sessionID)
	asm := pipeline.NewAssembler(ws, s.deps.Concat, s.log)
	sched := pipeline.NewScheduler(pipeline.ConfigFrom(s.cfg), s.engine, asm, ws, s.log, opts...)
	s.schedulers[sessionID] = sched
	return sched
}

// Generate reads a script file and narrates it.
func (s *Service) Generate(ctx context.Context, path string, onProgress pipeline.ProgressFunc) (store.Session, pipeline.Result, error) {
	text, err := document.Read(path)
	if err != nil {
		return store.Session{}, pipeline.Result{}, err
	}
	return s.GenerateText(ctx, path, text, onProgress)
}

// GenerateText segments text and runs the batch. Parsing fails before any
// synthesis request when there is nothing to narrate.
func (s *Service) GenerateText(ctx context.Context, source, text string, onProgress pipeline.ProgressFunc) (store.Session, pipeline.Result, error) {
	title, segments := script.Parse(text, s.markers)
	tasks, err := pipeline.TasksFrom(segments)
	if err != nil {
		return store.Session{}, pipeline.Result{}, err
	}

	sess, err := s.deps.Store.CreateSession(ctx, title, source)
	if err != nil {
		return store.Session{}, pipeline.Result{}, err
	}
	s.log.Info("generating narration",
		slog.String("session", sess.ID),
		slog.String("title", title),
		slog.Int("segments", len(segments)),
		slog.Int("tasks", len(tasks)))

	result := s.scheduler(sess.ID).Run(ctx, tasks, onProgress)

	if err := s.deps.Store.SaveParts(ctx, sess.ID, result.Parts...); err != nil {
		return sess, result, fmt.Errorf("save parts: %w", err)
	}
	s.record(ctx, sess.ID, protocol.SubjectBatchDone, bus.BatchMessage(sess.ID, result, time.Now()))
	return sess, result, nil
}

// Parts returns a session and its parts. An empty id selects the latest
// session.
func (s *Service) Parts(ctx context.Context, sessionID string) (store.Session, []pipeline.PartResult, error) {
	sess, err := s.deps.Store.Session(ctx, sessionID)
	if err != nil {
		return store.Session{}, nil, err
	}
	parts, err := s.deps.Store.Parts(ctx, sess.ID)
	return sess, parts, err
}

// Approve sets the approval flag of the part addressed by ref, a filename
// or its "SS_PP" key.
func (s *Service) Approve(ctx context.Context, sessionID, ref string, approved bool) error {
	sess, err := s.deps.Store.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	part, err := s.deps.Store.Part(ctx, sess.ID, ref)
	if err != nil {
		return err
	}
	return s.deps.Store.SetApproved(ctx, sess.ID, part.Key, approved)
}

// Regenerate synthesizes one part again and replaces it in place. text
// overrides the stored text when not empty.
func (s *Service) Regenerate(ctx context.Context, sessionID, ref, text string) (pipeline.PartResult, error) {
	sess, err := s.deps.Store.Session(ctx, sessionID)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	part, err := s.deps.Store.Part(ctx, sess.ID, ref)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	fresh, err := s.scheduler(sess.ID).Regenerate(ctx, part, text)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	if err := s.deps.Store.SaveParts(ctx, sess.ID, fresh); err != nil {
		return fresh, fmt.Errorf("save part: %w", err)
	}
	s.record(ctx, sess.ID, protocol.SubjectPartReady, bus.PartMessage(sess.ID, fresh, time.Now()))
	return fresh, nil
}

// Finalize writes the master track and the individual files of the
// approved parts into outputDir.
func (s *Service) Finalize(ctx context.Context, sessionID, outputDir string) (finalize.Output, error) {
	sess, parts, err := s.Parts(ctx, sessionID)
	if err != nil {
		return finalize.Output{}, err
	}
	if outputDir == "" {
		outputDir = s.cfg.Output.Directory
	}
	f := finalize.New(finalize.Config{
		Suffix:     s.cfg.Output.Suffix,
		SampleRate: s.cfg.Synthesis.SampleRate,
		Channels:   s.cfg.Synthesis.Channels,
	}, s.deps.Concat, s.workspace(sess.ID), s.log)
	out, err := f.Finalize(ctx, parts, sess.Title, outputDir)
	if err != nil {
		return finalize.Output{}, err
	}

	msg := protocol.Finalized{
		SessionID:     sess.ID,
		MasterPath:    out.MasterPath,
		IndividualDir: out.IndividualDir,
		Files:         len(out.Files),
		DurationMS:    out.Duration.Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
	if s.deps.Bus != nil {
		bus.NewPublisher(s.deps.Bus, sess.ID, s.log).Finalized(msg)
	}
	s.record(ctx, sess.ID, protocol.SubjectFinalized, msg)
	return out, nil
}

// Export copies one part's audio to dst. A dst without extension is
// treated as a directory.
func (s *Service) Export(ctx context.Context, sessionID, ref, dst string) (pipeline.PartResult, error) {
	sess, err := s.deps.Store.Session(ctx, sessionID)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	part, err := s.deps.Store.Part(ctx, sess.ID, ref)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	if filepath.Ext(dst) == "" {
		dst = filepath.Join(dst, part.Filename)
	}
	return part, finalize.Export(part, dst)
}

// Events returns the recorded timeline of a session.
func (s *Service) Events(ctx context.Context, sessionID string) ([]store.Event, error) {
	sess, err := s.deps.Store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.deps.Store.Events(ctx, sess.ID, 0)
}

func (s *Service) record(ctx context.Context, sessionID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Store.AppendEvent(ctx, store.Event{SessionID: sessionID, Type: eventType, Payload: data}); err != nil {
		s.log.Warn("failed to record event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
