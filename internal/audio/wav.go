// Package audio handles the 16-bit PCM WAV files produced by the pipeline.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// SampleRate is the fixed output rate of every synthesized file.
	SampleRate = 24000
	BitDepth   = 16
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// WriteWAV writes data to w. Data that already carries a WAV header is
// written verbatim; anything else is treated as raw little-endian 16-bit PCM
// and wrapped in a header.
func WriteWAV(w io.WriteSeeker, data []byte, sampleRate, channels int) error {
	if IsWAV(data) {
		_, err := w.Write(data)
		return err
	}
	return EncodePCM(w, data, sampleRate, channels)
}

// EncodePCM wraps raw 16-bit PCM in a WAV container.
func EncodePCM(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: BitDepth,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, BitDepth, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Silence returns d worth of zeroed 16-bit PCM.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	frames := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return make([]byte, frames*channels*2)
}

// Duration reads the playing time from a WAV file header.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ReadDuration(f)
}

// ReadDuration reads the playing time of a WAV stream from the size of
// its data chunk. Header and metadata chunks do not count.
func ReadDuration(r io.ReadSeeker) (time.Duration, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("find wav data: %w", err)
	}
	frameSize := int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if frameSize <= 0 || dec.SampleRate == 0 {
		return 0, fmt.Errorf("wav format missing channels, depth or rate")
	}
	frames := dec.PCMLen() / frameSize
	return time.Duration(frames * int64(time.Second) / int64(dec.SampleRate)), nil
}
