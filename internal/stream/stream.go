// Package stream relays a turn's events to a client and voices the
// reply sentence by sentence as it streams in.
package stream

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mimir/internal/agent"
	"github.com/nugget/mimir/internal/marker"
	"github.com/nugget/mimir/internal/voice"
)

// DefaultMaxInflight bounds concurrent synthesis jobs when Options leaves
// it unset.
const DefaultMaxInflight = 3

// Options configures a Coordinator.
type Options struct {
	// Muted disables audio entirely.
	Muted bool

	// MaxInflight bounds the synthesis jobs running at once.
	MaxInflight int
}

// Coordinator forwards events unchanged and in order, and interleaves
// audio_chunk events for each completed sentence. Audio chunks always
// appear in sentence order, numbered from zero, no matter which
// synthesis finishes first.
type Coordinator struct {
	voice  voice.Synthesizer
	opts   Options
	logger *slog.Logger
}

// New creates a coordinator. A nil synth behaves as muted.
func New(synth voice.Synthesizer, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = DefaultMaxInflight
	}
	if synth == nil {
		opts.Muted = true
	}
	return &Coordinator{voice: synth, opts: opts, logger: logger.With("component", "stream")}
}

// job is one sentence being synthesised.
type job struct {
	text  string
	audio []byte
	err   error
	done  chan struct{}
}

// relay is the state of one Relay call. Only the Relay goroutine touches
// it; synthesis goroutines communicate through job.done.
type relay struct {
	c       *Coordinator
	ctx     context.Context
	out     func(agent.Event) error
	sem     chan struct{}
	muted   bool
	buf     strings.Builder
	pending []*job
	seq     int
}

// Relay reads events from in until a terminal event has been forwarded,
// in is closed, out fails, or ctx is done. tool_call and response events
// are held back until the audio for all text before them has been
// forwarded. Audio failures are logged and the chunk is skipped.
func (c *Coordinator) Relay(ctx context.Context, in <-chan agent.Event, out func(agent.Event) error) error {
	return c.relay(ctx, in, out, c.opts.Muted)
}

// RelayMuted is Relay with audio disabled for this call.
func (c *Coordinator) RelayMuted(ctx context.Context, in <-chan agent.Event, out func(agent.Event) error) error {
	return c.relay(ctx, in, out, true)
}

func (c *Coordinator) relay(ctx context.Context, in <-chan agent.Event, out func(agent.Event) error, muted bool) error {
	r := &relay{
		c:     c,
		ctx:   ctx,
		out:   out,
		sem:   make(chan struct{}, c.opts.MaxInflight),
		muted: muted || c.opts.Muted,
	}

	for {
		var head <-chan struct{}
		if len(r.pending) > 0 {
			head = r.pending[0].done
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-head:
			if err := r.emitHead(); err != nil {
				return err
			}

		case e, ok := <-in:
			if !ok {
				return r.drain()
			}
			if err := r.handle(e); err != nil {
				return err
			}
			if e.Terminal() {
				return nil
			}
		}
	}
}

func (r *relay) handle(e agent.Event) error {
	switch e.Type {
	case agent.EventResponseChunk:
		if err := r.out(e); err != nil {
			return err
		}
		r.buf.WriteString(e.Text)
		r.submitSentences()
		return nil

	case agent.EventToolCall, agent.EventResponse:
		r.submit(r.buf.String())
		r.buf.Reset()
		if err := r.drain(); err != nil {
			return err
		}
		return r.out(e)

	case agent.EventError:
		// The turn failed; text already spoken stays, nothing more is voiced.
		r.buf.Reset()
		return r.out(e)

	default:
		return r.out(e)
	}
}

// submitSentences queues every complete sentence in the buffer and keeps
// the unfinished remainder.
func (r *relay) submitSentences() {
	text := r.buf.String()
	end := lastSentenceEnd(text)
	if end < 0 {
		return
	}
	for _, s := range splitSentences(text[:end]) {
		r.submit(s)
	}
	r.buf.Reset()
	r.buf.WriteString(text[end:])
}

// submit starts synthesis of text unless there is nothing to say.
func (r *relay) submit(text string) {
	if r.muted {
		return
	}
	speech := voice.SpeechText(marker.Strip(text))
	if strings.TrimSpace(speech) == "" {
		return
	}
	j := &job{text: speech, done: make(chan struct{})}
	r.pending = append(r.pending, j)
	go r.synthesize(j)
}

func (r *relay) synthesize(j *job) {
	defer close(j.done)
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.ctx.Done():
		j.err = r.ctx.Err()
		return
	}
	start := time.Now()
	j.audio, j.err = r.c.voice.Speak(r.ctx, j.text)
	r.c.logger.Debug("sentence synthesised",
		"chars", len(j.text),
		"bytes", len(j.audio),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// emitHead forwards the oldest job, which must be done.
func (r *relay) emitHead() error {
	j := r.pending[0]
	r.pending = r.pending[1:]
	if j.err != nil {
		r.c.logger.Warn("speech synthesis failed, chunk skipped", "chars", len(j.text), "error", j.err)
		return nil
	}
	if len(j.audio) == 0 {
		return nil
	}
	e := agent.Event{
		Type:  agent.EventAudioChunk,
		Audio: base64.StdEncoding.EncodeToString(j.audio),
		Seq:   r.seq,
	}
	r.seq++
	return r.out(e)
}

// drain waits for every pending job and forwards them in order.
func (r *relay) drain() error {
	for len(r.pending) > 0 {
		select {
		case <-r.pending[0].done:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
		if err := r.emitHead(); err != nil {
			return err
		}
	}
	return nil
}

// lastSentenceEnd returns the index just past the whitespace that
// follows the last sentence terminator in text, or -1 when text holds no
// complete sentence.
func lastSentenceEnd(text string) int {
	end := -1
	for i := 0; i+1 < len(text); i++ {
		if isTerminator(text[i]) && isSpace(text[i+1]) {
			end = i + 2
		}
	}
	return end
}

// splitSentences splits text after each terminator that is followed by
// whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		if isTerminator(text[i]) && isSpace(text[i+1]) {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if rest := text[start:]; strings.TrimSpace(rest) != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isSpace(c byte) bool { return c == ' ' || c == '\n' || c == '\t' || c == '\r' }
