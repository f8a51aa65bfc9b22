package mediastream

// inboundFrame is the JSON envelope the carrier sends over a
// <Connect><Stream> websocket. Fields are populated according to Event;
// the handler never reads a field outside the active event.
type inboundFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 G.711
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	CallSid string `json:"callSid,omitempty"`
}

// outboundMediaFrame sends one paced 20ms frame back to the carrier.
type outboundMediaFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

// outboundMark requests a sync point echoed back by the carrier once its
// playback buffer drains to this point.
type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

// outboundClear discards whatever audio the carrier has buffered for
// playback, the wire-level primitive barge-in is built on.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}
