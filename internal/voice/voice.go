// Package voice turns assistant replies into spoken audio.
package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nugget/mimir/internal/httpkit"
)

const googleTTSURL = "https://texttospeech.googleapis.com/v1/text:synthesize"

// Synthesizer renders text as audio.
type Synthesizer interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Options selects the voice.
type Options struct {
	APIKey       string
	Voice        string
	LanguageCode string
	Pitch        float64
	SpeakingRate float64
}

// Google synthesises MP3 audio with the Google Cloud Text-to-Speech
// REST API.
type Google struct {
	opts     Options
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewGoogle creates a Google synthesiser.
func NewGoogle(opts Options, client *http.Client, logger *slog.Logger) *Google {
	if client == nil {
		client = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SpeakingRate == 0 {
		opts.SpeakingRate = 1.0
	}
	return &Google{
		opts:     opts,
		endpoint: googleTTSURL,
		http:     client,
		logger:   logger.With("component", "voice"),
	}
}

type ttsRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		Pitch         float64 `json:"pitch"`
		SpeakingRate  float64 `json:"speakingRate"`
	} `json:"audioConfig"`
}

type ttsResponse struct {
	AudioContent string `json:"audioContent"`
}

// Speak returns MP3 audio for text after markdown is reduced to plain
// prose. Text with nothing speakable yields no audio and no error.
func (g *Google) Speak(ctx context.Context, text string) ([]byte, error) {
	plain := SpeechText(text)
	if plain == "" {
		return nil, nil
	}

	var req ttsRequest
	req.Input.Text = plain
	req.Voice.LanguageCode = g.opts.LanguageCode
	req.Voice.Name = g.opts.Voice
	req.AudioConfig.AudioEncoding = "MP3"
	req.AudioConfig.Pitch = g.opts.Pitch
	req.AudioConfig.SpeakingRate = g.opts.SpeakingRate

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", g.opts.APIKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, &httpkit.StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}

	var out ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tts response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("tts returned no audio")
	}
	g.logger.Debug("speech synthesised", "chars", len(plain), "bytes", len(audio))
	return audio, nil
}

// Silent is a Synthesizer that never produces audio.
type Silent struct{}

// Speak implements Synthesizer.
func (Silent) Speak(context.Context, string) ([]byte, error) { return nil, nil }

var _ Synthesizer = (*Google)(nil)
var _ Synthesizer = Silent{}
