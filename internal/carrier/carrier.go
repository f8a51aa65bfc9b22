// Package carrier is the HTTP client for the voice carrier's REST API:
// originating outbound calls for the wave scheduler (C9) and pushing
// fresh call instructions to an in-progress call for the media stream
// server (C6). Grounded on the shape of internal/push.Client (a thin
// authenticated JSON/form HTTP client with a single timeout-bound
// http.Client), generalized from the push gateway's JSON envelope to the
// carrier's REST calls.
package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client originates and updates calls via the carrier's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSid string
	authToken  string
}

// NewClient creates a carrier API client. baseURL is the carrier REST
// endpoint (e.g. "https://api.carrier.example/2010-04-01"); accountSid
// and authToken authenticate every request.
func NewClient(baseURL, accountSid, authToken string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		accountSid: accountSid,
		authToken:  authToken,
	}
}

// createCallResponse is the subset of the carrier's call-creation
// response this client needs.
type createCallResponse struct {
	Sid   string `json:"sid"`
	Error string `json:"error,omitempty"`
}

// CreateCall places an outbound call to "to", instructing the carrier to
// fetch TwiML from answerURL once answered and to report the dial
// outcome to statusCallbackURL. Implements wave.CallOriginator.
func (c *Client) CreateCall(ctx context.Context, to, answerURL, statusCallbackURL string) (string, error) {
	form := url.Values{
		"To":           {to},
		"Url":          {answerURL},
		"StatusCallback": {statusCallbackURL},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Calls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("carrier: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSid, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("carrier: creating call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("carrier: reading create-call response: %w", err)
	}
	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("carrier: decoding create-call response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("carrier: create-call returned status %d: %s", resp.StatusCode, out.Error)
	}
	if out.Sid == "" {
		return "", fmt.Errorf("carrier: create-call response missing sid")
	}
	return out.Sid, nil
}

// UpdateCall pushes a fresh instruction document to a live call, the
// carrier's way of handing a call back to a rendered verb (transfer,
// enqueue, hangup) from outside the original request/response cycle.
// Implements mediastream.CallUpdater.
func (c *Client) UpdateCall(ctx context.Context, callSid string, twiml []byte) error {
	form := url.Values{"Twiml": {string(twiml)}}
	u := fmt.Sprintf("%s/Calls/%s", c.baseURL, callSid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("carrier: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSid, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carrier: updating call %s: %w", callSid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("carrier: update-call %s returned status %d", callSid, resp.StatusCode)
	}
	return nil
}

// Configured reports whether the client has enough credentials to reach
// the carrier API.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accountSid != "" && c.authToken != ""
}
