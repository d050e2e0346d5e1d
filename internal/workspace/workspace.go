// Package workspace manages the temporary directory that holds chunk and
// part audio between synthesis and finalization.
package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Workspace is a directory tree addressed by position-derived names.
type Workspace struct {
	fs      afero.Fs
	root    string
	retries int
	delay   time.Duration
	log     *slog.Logger
	sleep   func(time.Duration)
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithFs swaps the filesystem, mainly for tests. Moves, reads and cleanup
// go through fs; multi-chunk merges run an external Concatenator that only
// sees the OS filesystem, so a non-OS fs supports single-chunk parts only.
func WithFs(fs afero.Fs) Option {
	return func(w *Workspace) { w.fs = fs }
}

// WithRemoveRetry sets how often Remove retries and how long it waits.
func WithRemoveRetry(retries int, delay time.Duration) Option {
	return func(w *Workspace) {
		w.retries = retries
		w.delay = delay
	}
}

// New returns a workspace rooted at root. The directory is created lazily.
func New(root string, log *slog.Logger, opts ...Option) *Workspace {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Workspace{
		fs:      afero.NewOsFs(),
		root:    root,
		retries: 5,
		delay:   200 * time.Millisecond,
		log:     log.With(slog.String("component", "workspace")),
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.root}, elem...)...)
}

// Create makes dir (relative to the root) and returns its full path.
func (w *Workspace) Create(dir string) (string, error) {
	full := w.Path(dir)
	if err := w.fs.MkdirAll(full, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return full, nil
}

// Write stores data at path, creating parent directories.
func (w *Workspace) Write(path string, data []byte) error {
	if err := w.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return afero.WriteFile(w.fs, path, data, 0o644)
}

// OpenFile creates or truncates path for writing.
func (w *Workspace) OpenFile(path string) (afero.File, error) {
	if err := w.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	return w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
}

// Open opens path for reading.
func (w *Workspace) Open(path string) (afero.File, error) {
	return w.fs.Open(path)
}

// Move renames src to dst, replacing dst.
func (w *Workspace) Move(src, dst string) error {
	if err := w.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	return nil
}

// Remove deletes dir and everything below it. Failures are retried with a
// fixed delay; after the retries one final attempt is made and its error
// is returned as is.
func (w *Workspace) Remove(dir string) error {
	for attempt := 0; attempt < w.retries; attempt++ {
		err := w.fs.RemoveAll(dir)
		if err == nil {
			return nil
		}
		w.log.Debug("remove failed, retrying",
			slog.String("dir", dir),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		w.sleep(w.delay)
	}
	return w.fs.RemoveAll(dir)
}

// Cleanup removes dir and logs, rather than returns, a failure. Callers use
// it where the produced audio stays valid regardless.
func (w *Workspace) Cleanup(dir string) {
	if err := w.Remove(dir); err != nil {
		w.log.Warn("cleanup failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

// Purge removes the whole workspace.
func (w *Workspace) Purge() error {
	return w.Remove(w.root)
}

// Exists reports whether path exists.
func (w *Workspace) Exists(path string) bool {
	ok, err := afero.Exists(w.fs, path)
	return err == nil && ok
}
