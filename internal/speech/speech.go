// Package speech defines the TTS/STT collaborator interfaces (A4) and
// ships local reference providers so the engine runs standalone without a
// cloud speech vendor wired in. The stub TTS renders a tone through
// internal/codec instead of calling out to a real synthesizer; the stub
// STT always returns an empty transcript. Both exist only to give callers
// something to build and test against — a real deployment swaps in a
// vendor-backed provider behind the same interfaces.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/callengine/callengine/internal/codec"
)

// TTS renders text to speech audio bytes for the given voice/language.
type TTS interface {
	Speak(ctx context.Context, text, voice, lang string) (audio []byte, err error)
}

// STT transcribes caller audio, returning the best-guess text and a
// confidence score in [0,1].
type STT interface {
	Transcribe(ctx context.Context, audio []byte) (text string, confidence float64, err error)
}

var ErrSynthesisFailed = errors.New("speech: synthesis failed")

// ToneTTS is a reference TTS provider that renders a short tone instead of
// real speech, long enough to roughly match the spoken text's length. It
// lets the dispatcher and mediastream bridge be exercised end-to-end
// without a network call.
type ToneTTS struct {
	Encoding codec.Encoding
}

// Speak returns a tone scaled to the length of text, ignoring voice and
// lang.
func (t ToneTTS) Speak(ctx context.Context, text, voice, lang string) ([]byte, error) {
	if text == "" {
		return nil, ErrSynthesisFailed
	}
	durationMS := 200 + 60*len(text)
	if durationMS > 8000 {
		durationMS = 8000
	}
	return codec.Tone(t.Encoding, 440, 0.6, durationMS), nil
}

// SilentSTT is a reference STT provider that never recognizes speech; it
// always returns an empty transcript with zero confidence. Useful as a
// safe default until a real recognizer is wired in, since the dialog
// falls back to DTMF when STT yields no usable text.
type SilentSTT struct{}

func (SilentSTT) Transcribe(ctx context.Context, audio []byte) (string, float64, error) {
	return "", 0, nil
}

// WithTimeout wraps a TTS/STT call with the spec's fixed per-call budget,
// returning ctx.Err() if the provider doesn't respond in time.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
