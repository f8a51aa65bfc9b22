package speech

import (
	"context"
	"testing"

	"github.com/callengine/callengine/internal/codec"
)

func TestToneTTSSpeakProducesAudio(t *testing.T) {
	tts := ToneTTS{Encoding: codec.ULaw}
	audio, err := tts.Speak(context.Background(), "press one to continue", "default", "en-AU")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if len(audio) == 0 {
		t.Error("Speak() returned no audio")
	}
}

func TestToneTTSRejectsEmptyText(t *testing.T) {
	tts := ToneTTS{Encoding: codec.ULaw}
	if _, err := tts.Speak(context.Background(), "", "default", "en-AU"); err != ErrSynthesisFailed {
		t.Errorf("error = %v, want ErrSynthesisFailed", err)
	}
}

func TestToneTTSCapsDuration(t *testing.T) {
	tts := ToneTTS{Encoding: codec.ULaw}
	longText := make([]byte, 500)
	for i := range longText {
		longText[i] = 'a'
	}
	audio, err := tts.Speak(context.Background(), string(longText), "default", "en-AU")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	maxBytes := codec.SampleRate * 8
	if len(audio) > maxBytes {
		t.Errorf("audio len = %d, want <= %d (8s cap)", len(audio), maxBytes)
	}
}

func TestSilentSTTAlwaysEmpty(t *testing.T) {
	var stt SilentSTT
	text, confidence, err := stt.Transcribe(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "" || confidence != 0 {
		t.Errorf("Transcribe() = (%q, %v), want (\"\", 0)", text, confidence)
	}
}
