// Package twiml builds the carrier instruction documents (C4) the Webhook
// Dispatcher returns from each webhook: Say, Gather, Dial, Play, Connect
// with a nested Stream, Redirect, and Hangup. Structures carry XML tags so
// encoding/xml renders the document, matching the typed-struct idiom used
// elsewhere in this module over hand-built string concatenation; the
// element shape itself (Response/Say/Connect/Stream) is grounded on the
// Twilio-style webhook reference in the pack.
package twiml

import "encoding/xml"

// Response is the document root. Verbs are appended in call order.
type Response struct {
	Verbs []any
}

// MarshalXML flattens Verbs as direct children of <Response>, since each
// verb is a distinct Go type and encoding/xml cannot marshal []any as a
// homogeneous element list without help.
func (r Response) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start = xml.StartElement{Name: xml.Name{Local: "Response"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range r.Verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Gather struct {
	XMLName     xml.Name `xml:"Gather"`
	Input       string   `xml:"input,attr"` // "dtmf" or "dtmf speech"
	NumDigits   int      `xml:"numDigits,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	Timeout     int      `xml:"timeout,attr,omitempty"`
	Action      string   `xml:"action,attr"`
	Method      string   `xml:"method,attr,omitempty"`
	Say         *Say     `xml:"Say,omitempty"`
}

type Dial struct {
	XMLName    xml.Name `xml:"Dial"`
	Action     string   `xml:"action,attr,omitempty"`
	Method     string   `xml:"method,attr,omitempty"`
	Timeout    int      `xml:"timeout,attr,omitempty"`
	Record     string   `xml:"record,attr,omitempty"`
	CallerID   string   `xml:"callerId,attr,omitempty"`
	Number     string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream   `xml:"Stream"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Builder accumulates verbs in call order, then renders the document.
type Builder struct {
	verbs []any
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Say(text string) *Builder {
	b.verbs = append(b.verbs, Say{Text: text})
	return b
}

// GatherDigits appends a <Gather> that collects up to maxDigits DTMF
// digits (0 means variable-length, terminated by '#'), speaking prompt
// first, and posts the result to action. It is always followed by a
// fallback Say+Redirect to the same action so a silent Gather (the
// carrier never POSTs) still re-enters the dialog instead of stalling.
func (b *Builder) GatherDigits(prompt, action string, maxDigits, timeoutSecs int) *Builder {
	g := Gather{
		Input:       "dtmf",
		FinishOnKey: "#",
		Timeout:     timeoutSecs,
		Action:      action,
		Method:      "POST",
		Say:         &Say{Text: prompt},
	}
	if maxDigits > 0 {
		g.NumDigits = maxDigits
	}
	b.verbs = append(b.verbs, g)
	return b.fallbackTo(action)
}

// GatherSpeech appends a <Gather> configured for speech input, with the
// same fallback Redirect as GatherDigits.
func (b *Builder) GatherSpeech(prompt, action string, timeoutSecs int) *Builder {
	b.verbs = append(b.verbs, Gather{
		Input:   "dtmf speech",
		Timeout: timeoutSecs,
		Action:  action,
		Method:  "POST",
		Say:     &Say{Text: prompt},
	})
	return b.fallbackTo(action)
}

// fallbackTo appends the Say+Redirect pair that runs only if the
// preceding Gather falls through without posting (the carrier treats a
// Gather with no nested Say reached past as "continue to next verb").
func (b *Builder) fallbackTo(action string) *Builder {
	b.verbs = append(b.verbs, Say{Text: "Sorry, I didn't receive that."})
	b.verbs = append(b.verbs, Redirect{Method: "POST", URL: action})
	return b
}

// DialNumber appends a <Dial> with a status callback action and an
// optional recording of the dialed leg.
func (b *Builder) DialNumber(number, action string, timeoutSecs int, record bool) *Builder {
	d := Dial{
		Action:  action,
		Method:  "POST",
		Timeout: timeoutSecs,
	}
	if record {
		d.Record = "record-from-answer"
	}
	d.Number = number
	b.verbs = append(b.verbs, d)
	return b
}

// ConnectStream appends a <Connect><Stream> pointing at the MediaStream
// Server's WebSocket URL, with the given custom parameters forwarded in
// the "start" event.
func (b *Builder) ConnectStream(streamURL string, params map[string]string) *Builder {
	c := Connect{Stream: Stream{URL: streamURL}}
	for k, v := range params {
		c.Stream.Parameters = append(c.Stream.Parameters, Parameter{Name: k, Value: v})
	}
	b.verbs = append(b.verbs, c)
	return b
}

func (b *Builder) Play(url string) *Builder {
	b.verbs = append(b.verbs, Play{URL: url})
	return b
}

func (b *Builder) Redirect(url string) *Builder {
	b.verbs = append(b.verbs, Redirect{Method: "POST", URL: url})
	return b
}

func (b *Builder) Hangup() *Builder {
	b.verbs = append(b.verbs, Hangup{})
	return b
}

// Bytes renders the accumulated verbs as an XML document with the
// standard declaration, ready to write with Content-Type: application/xml.
func (b *Builder) Bytes() ([]byte, error) {
	resp := Response{Verbs: b.verbs}
	out, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
