package synth

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

type mockSynth struct {
	perRune time.Duration
}

// NewMockSynth returns silence sized to the text, roughly a narrator's pace.
func NewMockSynth() Synthesizer {
	return &mockSynth{perRune: 60 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := time.Duration(utf8.RuneCountInString(req.Text)) * m.perRune
	rate, channels := req.SampleRate, req.Channels
	if rate <= 0 {
		rate = audio.SampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return audio.Silence(d, rate, channels), nil
}
