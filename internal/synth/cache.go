package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrCacheClosed is returned by a Cache used after Close.
var ErrCacheClosed = errors.New("synthesis cache closed")

type freshKey struct{}

// Fresh marks ctx so cached audio is ignored and replaced. Regeneration uses
// it to ask the service for a new take of the same text.
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

func isFresh(ctx context.Context) bool {
	v, _ := ctx.Value(freshKey{}).(bool)
	return v
}

// Cache stores synthesized audio on disk, zstd compressed, keyed by the
// request contents.
type Cache struct {
	next Synthesizer
	dir  string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewCache(next Synthesizer, dir string, level int, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{
		next: next,
		dir:  dir,
		enc:  enc,
		dec:  dec,
		log:  log.With(slog.String("component", "synth-cache")),
	}, nil
}

func (c *Cache) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	path := c.path(req)
	if !isFresh(ctx) {
		if data, err := c.load(path); err == nil {
			return data, nil
		} else if !os.IsNotExist(err) {
			c.log.Warn("discarding unreadable cache entry", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	data, err := c.next.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := c.store(path, data); err != nil {
			c.log.Warn("failed to write cache entry", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return data, nil
}

// Close stops the encoder and decoder goroutines once in-flight requests
// finish. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.enc.Close()
	c.dec.Close()
}

func (c *Cache) path(req Request) string {
	h := sha256.New()
	for _, field := range []string{req.Voice, req.LanguageCode, strconv.Itoa(req.SampleRate), strconv.Itoa(req.Channels), req.Text} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return filepath.Join(c.dir, sum[:2], sum+".zst")
}

func (c *Cache) load(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.dec.DecodeAll(compressed, nil)
}

func (c *Cache) store(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(c.enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
