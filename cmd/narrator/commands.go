package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narrator"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/store"
)

type command func(ctx context.Context, args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"generate":   runGenerate,
	"list":       runList,
	"approve":    runApprove,
	"regenerate": runRegenerate,
	"export":     runExport,
	"finalize":   runFinalize,
	"events":     runEvents,
}

// errUsage marks a bad invocation, reported as exit code 2.
var errUsage = errors.New("usage")

type app struct {
	cfg config.Config
	log *slog.Logger
	rt  *runtime.Runtime
	svc *narrator.Service
}

func start(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Telemetry, stderr)

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	svc, err := narrator.New(cfg, narrator.Deps{Store: rt.Store(), Bus: rt.Bus()}, logger)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	return &app{cfg: cfg, log: logger, rt: rt, svc: svc}, nil
}

func (a *app) close() {
	a.svc.Close()
	a.rt.Close(context.Background())
}

// flags are the options every subcommand shares.
type flags struct {
	set     *flag.FlagSet
	config  string
	session string
}

func newFlags(name string, stderr io.Writer) *flags {
	f := &flags{set: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.set.SetOutput(stderr)
	f.set.StringVar(&f.config, "config", "", "Path to configuration file")
	f.set.StringVar(&f.session, "session", "", "Session id (default: latest session)")
	return f
}

// parse parses args and checks the positional argument count.
func (f *flags) parse(args []string, positional int) error {
	if err := f.set.Parse(args); err != nil {
		return errUsage
	}
	if f.set.NArg() != positional {
		fmt.Fprintf(f.set.Output(), "%s expects %d argument(s), got %d\n", f.set.Name(), positional, f.set.NArg())
		return errUsage
	}
	return nil
}

// withApp parses flags, starts the runtime and runs fn.
func withApp(ctx context.Context, f *flags, args []string, positional int, stderr io.Writer, fn func(*app) error) int {
	if err := f.parse(args, positional); err != nil {
		return 2
	}
	a, err := start(ctx, f.config, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer a.close()
	if err := fn(a); err != nil {
		a.log.Error(f.set.Name()+" failed", slog.String("error", err.Error()))
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runGenerate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("generate", stderr)
	quiet := f.set.Bool("quiet", false, "Do not print progress")
	return withApp(ctx, f, args, 1, stderr, func(a *app) error {
		a.rt.SetBusy(true)
		defer a.rt.SetBusy(false)

		onProgress := func(p pipeline.Progress) {
			if !*quiet {
				fmt.Fprintln(stderr, p.String())
			}
		}
		sess, result, err := a.svc.Generate(ctx, f.set.Arg(0), onProgress)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "session %s: %q\n", sess.ID, sess.Title)
		printParts(stdout, result.Parts)
		if len(result.Errors) > 0 {
			fmt.Fprintf(stderr, "%d of %d parts failed:\n%s\n",
				len(result.Errors), len(result.Errors)+len(result.Parts), result.Report())
		}
		if len(result.Parts) == 0 && len(result.Errors) > 0 {
			return errors.New("no audio was generated")
		}
		return ctx.Err()
	})
}

func runList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("list", stderr)
	return withApp(ctx, f, args, 0, stderr, func(a *app) error {
		sess, parts, err := a.svc.Parts(ctx, f.session)
		if err != nil {
			return err
		}
		printSession(stdout, sess)
		printParts(stdout, parts)
		return nil
	})
}

func runApprove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("approve", stderr)
	reject := f.set.Bool("reject", false, "Exclude the part from the final output")
	return withApp(ctx, f, args, 1, stderr, func(a *app) error {
		if err := a.svc.Approve(ctx, f.session, f.set.Arg(0), !*reject); err != nil {
			return err
		}
		state := "approved"
		if *reject {
			state = "rejected"
		}
		fmt.Fprintf(stdout, "%s %s\n", f.set.Arg(0), state)
		return nil
	})
}

func runRegenerate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("regenerate", stderr)
	text := f.set.String("text", "", "Replacement text (default: the stored text)")
	textFile := f.set.String("text-file", "", "Read the replacement text from a file")
	return withApp(ctx, f, args, 1, stderr, func(a *app) error {
		replacement := *text
		if *textFile != "" {
			data, err := os.ReadFile(*textFile)
			if err != nil {
				return fmt.Errorf("read text file: %w", err)
			}
			replacement = strings.TrimSpace(string(data))
		}
		a.rt.SetBusy(true)
		defer a.rt.SetBusy(false)

		part, err := a.svc.Regenerate(ctx, f.session, f.set.Arg(0), replacement)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "regenerated %s (%s)\n", part.Filename, formatDuration(part.Duration))
		return nil
	})
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("export", stderr)
	return withApp(ctx, f, args, 2, stderr, func(a *app) error {
		part, err := a.svc.Export(ctx, f.session, f.set.Arg(0), f.set.Arg(1))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "exported %s to %s\n", part.Filename, f.set.Arg(1))
		return nil
	})
}

func runFinalize(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("finalize", stderr)
	outDir := f.set.String("out", "", "Output directory (default: output.directory)")
	return withApp(ctx, f, args, 0, stderr, func(a *app) error {
		out, err := a.svc.Finalize(ctx, f.session, *outDir)
		if err != nil {
			return err
		}
		size := "unknown size"
		if info, err := os.Stat(out.MasterPath); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(stdout, "master: %s (%s, %s)\n", out.MasterPath, formatDuration(out.Duration), size)
		fmt.Fprintf(stdout, "individual files: %s (%d)\n", out.IndividualDir, len(out.Files))
		return nil
	})
}

func runEvents(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags("events", stderr)
	return withApp(ctx, f, args, 0, stderr, func(a *app) error {
		events, err := a.svc.Events(ctx, f.session)
		if err != nil {
			return err
		}
		for _, evt := range events {
			fmt.Fprintf(stdout, "%s  %-22s %s\n", evt.CreatedAt.Local().Format(time.DateTime), evt.Type, evt.Payload)
		}
		return nil
	})
}

func printSession(w io.Writer, sess store.Session) {
	fmt.Fprintf(w, "session %s: %q (created %s)\n", sess.ID, sess.Title, humanize.Time(sess.CreatedAt))
}

func printParts(w io.Writer, parts []pipeline.PartResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tFILE\tDURATION\tAPPROVED")
	var total time.Duration
	for _, p := range parts {
		mark := "yes"
		if !p.Approved {
			mark = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Key, p.Filename, formatDuration(p.Duration), mark)
		total += p.Duration
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d parts, %s total\n", len(parts), formatDuration(total))
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}
