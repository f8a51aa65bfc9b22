// Package mediastream is the MediaStream Server (C6): the WebSocket
// endpoint a carrier's <Connect><Stream> verb dials back into for
// bidirectional, low-latency audio. It buffers inbound speech by silence
// (vadBuffer), transcribes finished utterances, feeds them into the same
// FSM effect loop the Webhook Dispatcher drives, and speaks the FSM's next
// prompt back over the wire until the dialog needs a carrier verb the
// dispatcher already knows how to render (DTMF gather, transfer, enqueue,
// hangup), at which point it pushes that verb to the live call and closes
// the stream.
//
// Connection handling (upgrade, single read loop, one writer goroutine
// draining a channel) is grounded on the teacher's chat websocket handler
// (internal/ws/handler.go in the pack), generalized from a JSON chat
// protocol to the carrier's media-stream envelope.
package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/callengine/callengine/internal/codec"
	"github.com/callengine/callengine/internal/fsm"
	"github.com/callengine/callengine/internal/speech"
)

const writeTimeout = 5 * time.Second

// Advancer drives a call forward from a transcribed speech result. The
// Webhook Dispatcher implements this; accepted as a narrow interface so
// this package does not depend on the dispatcher's full surface.
type Advancer interface {
	Advance(ctx context.Context, callSid string, input fsm.Input) (fsm.CallState, fsm.Output, error)
	RenderOutput(ctx context.Context, callSid string, state fsm.CallState, out fsm.Output) ([]byte, error)
}

// CallUpdater pushes a fresh TwiML-style document to an in-progress call,
// the carrier-side primitive that lets the stream hand control back to a
// verb rendered outside the stream (transfer, enqueue, hangup) without
// waiting for the carrier to hit a webhook URL on its own. New in this
// module: the teacher only originates and tears down raw SIP legs, it has
// no mid-call "replace this leg's instructions" verb to generalize from.
type CallUpdater interface {
	UpdateCall(ctx context.Context, callSid string, twiml []byte) error
}

// Config bundles the Server's externally configured knobs.
type Config struct {
	Encoding           codec.Encoding
	Voice              string
	Lang               string
	VADSilence         time.Duration // trailing silence before an utterance closes
	VADEnergyThreshold float64
	SpeakTimeout       time.Duration // per-call budget for one STT transcribe or TTS synthesis round trip
}

func (c Config) silenceFrames() int {
	n := int(c.VADSilence / (codec.FrameDurationMS * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

// Server implements C6.
type Server struct {
	dispatcher Advancer
	updater    CallUpdater // optional: nil disables the transfer/enqueue/hangup hand-off, logging instead
	tts        speech.TTS
	stt        speech.STT
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	cfg        Config
	active     int64
}

func New(dispatcher Advancer, updater CallUpdater, tts speech.TTS, stt speech.STT, logger *slog.Logger, cfg Config) *Server {
	return &Server{
		dispatcher: dispatcher,
		updater:    updater,
		tts:        tts,
		stt:        stt,
		logger:     logger.With("subsystem", "mediastream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		cfg: cfg,
	}
}

// Routes mounts the carrier-facing websocket endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/media", s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.serveConn(conn)
}

// connection holds the per-call state of one live stream. All writes to
// the carrier go through out, a buffered channel drained by a single
// goroutine, which is the channel-based equivalent of a mutex-protected
// writer: it serializes frame order without every producer taking a lock.
type connection struct {
	callSid   string
	streamSid string
	out       chan any

	vad *vadBuffer

	mu          sync.Mutex
	speaking    bool
	speakCancel context.CancelFunc
	holdCancel  context.CancelFunc
}

// ActiveCount returns the number of live media-stream websocket
// connections, for the media-stream connection-count gauge.
func (s *Server) ActiveCount() int {
	return int(atomic.LoadInt64(&s.active))
}

func (s *Server) serveConn(conn *websocket.Conn) {
	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	c := &connection{out: make(chan any, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn, c)
	}()
	defer wg.Wait()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("media stream unexpected close", "callSid", c.callSid, "error", err)
			}
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			s.logger.Warn("media stream malformed frame", "error", err)
			continue
		}
		if done := s.handleFrame(ctx, c, in); done {
			return
		}
	}
}

// handleFrame processes one inbound protocol event and reports whether
// the connection should terminate.
func (s *Server) handleFrame(ctx context.Context, c *connection, in inboundFrame) (done bool) {
	switch in.Event {
	case "connected":
		return false

	case "start":
		if in.Start == nil {
			return true
		}
		c.streamSid = in.Start.StreamSid
		c.callSid = in.Start.CustomParameters["callSid"]
		c.vad = newVADBuffer(s.cfg.VADEnergyThreshold, s.cfg.silenceFrames())
		s.logger.Info("media stream started", "callSid", c.callSid, "streamSid", c.streamSid)
		if prompt := in.Start.CustomParameters["prompt"]; prompt != "" {
			go s.speak(ctx, c, prompt)
		}
		return false

	case "media":
		if in.Media == nil || in.Media.Track != "inbound" || c.vad == nil {
			return false
		}
		s.handleMedia(ctx, c, in.Media.Payload)
		return false

	case "mark":
		return false

	case "stop":
		s.logger.Debug("media stream stopped", "callSid", c.callSid)
		return true

	default:
		s.logger.Warn("media stream unknown event", "event", in.Event, "callSid", c.callSid)
		return false
	}
}

func (s *Server) handleMedia(ctx context.Context, c *connection, payloadB64 string) {
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		s.logger.Warn("media stream bad payload", "callSid", c.callSid, "error", err)
		return
	}
	samples := codec.Decode(s.cfg.Encoding, raw)

	if c.vad.speechPresent(samples) {
		s.bargeIn(ctx, c)
	}

	utterance, closed := c.vad.push(samples, raw)
	if !closed {
		return
	}
	go s.handleUtterance(ctx, c, utterance)
}

// bargeIn stops any in-flight outbound playback and flushes the
// carrier's playback buffer the instant inbound speech is detected,
// leaving the current utterance to keep being transcribed as normal.
func (s *Server) bargeIn(ctx context.Context, c *connection) {
	c.mu.Lock()
	cancel := c.speakCancel
	hold := c.holdCancel
	wasSpeaking := c.speaking
	c.mu.Unlock()

	if hold != nil {
		hold()
	}
	if !wasSpeaking {
		return
	}
	if cancel != nil {
		cancel()
	}
	send(ctx, c, outboundClear{Event: "clear", StreamSid: c.streamSid})
}

func (s *Server) handleUtterance(ctx context.Context, c *connection, utterance []byte) {
	s.startHoldMusic(ctx, c)

	sttCtx, cancel := speech.WithTimeout(ctx, s.cfg.SpeakTimeout)
	defer cancel()
	text, _, err := s.stt.Transcribe(sttCtx, utterance)
	if err != nil {
		s.logger.Warn("transcription failed", "callSid", c.callSid, "error", err)
		return
	}
	if text == "" {
		s.stopHoldMusic(c)
		return
	}

	state, out, err := s.dispatcher.Advance(ctx, c.callSid, fsm.Input{Kind: fsm.InSpeech, Speech: text})
	s.stopHoldMusic(c)
	if err != nil {
		s.logger.Error("advancing call from speech failed", "callSid", c.callSid, "error", err)
		return
	}
	s.renderOutput(ctx, c, state, out)
}

// renderOutput keeps the dialog on the stream for another speech gather,
// or hands it off to the dispatcher's own TwiML rendering and ends the
// stream for every other, terminal Output kind.
func (s *Server) renderOutput(ctx context.Context, c *connection, state fsm.CallState, out fsm.Output) {
	if out.Kind == fsm.OutGatherSpeech {
		s.speak(ctx, c, out.Prompt)
		return
	}

	doc, err := s.dispatcher.RenderOutput(ctx, c.callSid, state, out)
	if err != nil {
		s.logger.Error("rendering hand-off output failed", "callSid", c.callSid, "error", err)
		return
	}
	if s.updater == nil {
		s.logger.Warn("no call updater wired, cannot hand off stream to carrier verb", "callSid", c.callSid, "kind", out.Kind)
		return
	}
	if err := s.updater.UpdateCall(ctx, c.callSid, doc); err != nil {
		s.logger.Error("updating live call failed", "callSid", c.callSid, "error", err)
	}
}

// speak renders text to audio and paces it onto the wire as 20ms frames,
// cancellable mid-flight by bargeIn.
func (s *Server) speak(ctx context.Context, c *connection, text string) {
	speakCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.speaking = true
	c.speakCancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.speaking = false
		c.speakCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	ttsCtx, ttsCancel := speech.WithTimeout(ctx, s.cfg.SpeakTimeout)
	defer ttsCancel()
	audio, err := s.tts.Speak(ttsCtx, text, s.cfg.Voice, s.cfg.Lang)
	if err != nil {
		s.logger.Warn("speech synthesis failed", "callSid", c.callSid, "error", err)
		return
	}

	ticker := time.NewTicker(codec.FrameDurationMS * time.Millisecond)
	defer ticker.Stop()
	for _, frame := range codec.Frames(s.cfg.Encoding, audio) {
		select {
		case <-speakCtx.Done():
			return
		case <-ticker.C:
			send(ctx, c, outboundMediaFrame{
				Event:     "media",
				StreamSid: c.streamSid,
				Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
			})
		}
	}
	send(ctx, c, outboundMark{Event: "mark", StreamSid: c.streamSid, Mark: markPayload{Name: "prompt-end"}})
}

// startHoldMusic loops hold-music frames while an utterance is in
// transcription and the FSM round trip that follows, so the caller never
// hears dead air waiting on an upstream lookup.
func (s *Server) startHoldMusic(ctx context.Context, c *connection) {
	holdCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.holdCancel = cancel
	c.mu.Unlock()

	loop := codec.Frames(s.cfg.Encoding, codec.HoldMusic(s.cfg.Encoding, 2000))
	go func() {
		ticker := time.NewTicker(codec.FrameDurationMS * time.Millisecond)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				send(ctx, c, outboundMediaFrame{
					Event:     "media",
					StreamSid: c.streamSid,
					Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(loop[i%len(loop)])},
				})
				i++
			}
		}
	}()
}

func (s *Server) stopHoldMusic(c *connection) {
	c.mu.Lock()
	cancel := c.holdCancel
	c.holdCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// writeLoop is the connection's single carrier-facing writer: every
// outbound frame, whether from the TTS pacer, the hold-music loop, or a
// barge-in clear, is serialized through this one goroutine. It never
// ranges over c.out directly so that other goroutines can always select
// on ctx instead of risking a send on a channel closed out from under
// them.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("media stream write failed", "callSid", c.callSid, "error", err)
				return
			}
		}
	}
}

// send delivers one outbound frame, dropping it instead of blocking or
// panicking if the connection is already tearing down.
func send(ctx context.Context, c *connection, msg any) {
	select {
	case c.out <- msg:
	case <-ctx.Done():
	}
}
