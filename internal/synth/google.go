package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// GoogleConfig configures the Cloud Text-to-Speech REST client.
type GoogleConfig struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

type googleSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

type googleRequest struct {
	Input       googleInput       `json:"input"`
	Voice       googleVoice       `json:"voice"`
	AudioConfig googleAudioConfig `json:"audioConfig"`
}

type googleInput struct {
	Text string `json:"text"`
}

type googleVoice struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type googleAudioConfig struct {
	AudioEncoding   string `json:"audioEncoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
}

type googleResponse struct {
	AudioContent string `json:"audioContent"`
}

// NewGoogleSynth returns a Synthesizer backed by texttospeech.googleapis.com.
// LINEAR16 responses already carry a WAV header.
func NewGoogleSynth(cfg GoogleConfig) Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	g := &googleSynth{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return g
}

func (g *googleSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(googleRequest{
		Input: googleInput{Text: req.Text},
		Voice: googleVoice{LanguageCode: req.LanguageCode, Name: req.Voice},
		AudioConfig: googleAudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: req.SampleRate,
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := g.endpoint
	if g.apiKey != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "key=" + url.QueryEscape(g.apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts service returned status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode tts response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(decoded.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio content: %w", err)
	}
	return audio, nil
}
