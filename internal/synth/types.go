package synth

import (
	"context"
	"fmt"
)

// Request contains parameters to synthesize one chunk of speech.
type Request struct {
	Text         string
	Voice        string
	LanguageCode string
	SampleRate   int
	Channels     int
}

// Synthesizer is the contract for producing audio. Implementations return
// either a complete WAV file or raw 16-bit little-endian PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ChunkRef identifies a chunk within its task.
type ChunkRef struct {
	Task  string
	Index int
}

func (c ChunkRef) String() string {
	return fmt.Sprintf("%s#%d", c.Task, c.Index)
}

// Error is returned once the retry budget for a chunk is spent.
type Error struct {
	Chunk    ChunkRef
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesis of chunk %s failed after %d attempts: %v", e.Chunk, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
