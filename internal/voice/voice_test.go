package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/mimir/internal/httpkit"
)

func TestSpeechText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hail, traveller.", "Hail, traveller."},
		{"emphasis", "This is **very** _important_.", "This is very important."},
		{"heading", "## Today's runes\nAll is well.", "Today's runes\nAll is well."},
		{"inline code", "Run `mimir serve` now.", "Run mimir serve now."},
		{"link", "See [the saga](https://example.com/saga).", "See the saga."},
		{"image dropped", "Look ![a raven](raven.png) here.", "Look here."},
		{"list", "- mead\n- bread", "mead\nbread"},
		{"soft break", "first line\nsecond line", "first line second line"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpeechText(tt.in); got != tt.want {
				t.Errorf("SpeechText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGoogleSpeak(t *testing.T) {
	var got ttsRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-Goog-Api-Key")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ttsResponse{AudioContent: base64.StdEncoding.EncodeToString([]byte("ID3-mp3"))})
	}))
	defer srv.Close()

	g := NewGoogle(Options{APIKey: "k", Voice: "en-GB-Wavenet-D", LanguageCode: "en-GB", Pitch: -10}, srv.Client(), nil)
	g.endpoint = srv.URL

	audio, err := g.Speak(context.Background(), "**Hail!**")
	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "ID3-mp3" {
		t.Errorf("audio = %q", audio)
	}
	if key != "k" {
		t.Errorf("api key header = %q", key)
	}
	if got.Input.Text != "Hail!" || got.Voice.Name != "en-GB-Wavenet-D" || got.AudioConfig.Pitch != -10 ||
		got.AudioConfig.AudioEncoding != "MP3" || got.AudioConfig.SpeakingRate != 1.0 {
		t.Errorf("request = %+v", got)
	}
}

func TestGoogleSpeak_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("API key not valid"))
	}))
	defer srv.Close()

	g := NewGoogle(Options{}, srv.Client(), nil)
	g.endpoint = srv.URL
	_, err := g.Speak(context.Background(), "hello")
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Errorf("err = %v, want 403 StatusError", err)
	}

	audio, err := g.Speak(context.Background(), "![only an image](x.png)")
	if err != nil || audio != nil {
		t.Errorf("unspeakable text = %v, %v; want no audio and no error", audio, err)
	}
}
