package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnreachable means the request never produced an HTTP response.
	ErrUnreachable = errors.New("agent unreachable")
	// ErrInvalidJSON means the upstream answered with a body that is not JSON.
	ErrInvalidJSON = errors.New("invalid json from agent")
	// ErrNoResponse means the upstream JSON carried no usable `response` field.
	ErrNoResponse = errors.New("no response from agent")
	// ErrMalformedResponse means a 2xx answer could not be decoded.
	ErrMalformedResponse = errors.New("malformed agent response")
)

// QueryRequest is the wire shape of both the gateway request and the upstream
// query request.
type QueryRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Output struct {
	FinalOutput *string `json:"final_output,omitempty"`
}

type QueryResponse struct {
	Response *Output `json:"response,omitempty"`
}

// FinalOutput returns response.final_output, or "" when any level is absent.
func (r *QueryResponse) FinalOutput() string {
	if r == nil || r.Response == nil || r.Response.FinalOutput == nil {
		return ""
	}
	return *r.Response.FinalOutput
}

// StatusError is returned for non-2xx answers. Detail holds the `error` (or
// FastAPI `detail`) string when the body carried one.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent returned status %d", e.Status)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Status, e.Detail)
}

// Asker is what the exchange coordinator needs from the gateway.
type Asker interface {
	Ask(ctx context.Context, req QueryRequest) (*QueryResponse, error)
}

type Client struct {
	url  string
	http *http.Client
}

var _ Asker = &Client{}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds every request. Zero keeps the transport default.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d, Transport: cl.http.Transport}
		}
	}
}

func New(url string, opts ...Option) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("agent client: empty url")
	}
	c := &Client{url: url, http: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) post(ctx context.Context, req QueryRequest) (int, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "agent client: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "agent client: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrUnreachable, "%s: %v", c.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(ErrUnreachable, "read body: %v", err)
	}
	return resp.StatusCode, raw, nil
}

// Ask posts to the gateway. Non-2xx answers become *StatusError; a 2xx answer
// that is not a JSON object wraps ErrMalformedResponse.
func (c *Client) Ask(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	status, raw, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "agentclient").Int("status", status).Str("session_id", req.SessionID).Msg("ask answered")
	if status < 200 || status > 299 {
		return nil, &StatusError{Status: status, Detail: errorDetail(raw)}
	}
	var out QueryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(ErrMalformedResponse, "%v", err)
	}
	return &out, nil
}

// Forward posts to the upstream query service and returns its raw `response`
// value. The upstream status code is not inspected: an error answer simply has
// no `response` field.
func (c *Client) Forward(ctx context.Context, req QueryRequest) (json.RawMessage, error) {
	status, raw, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		// JSON that is not an object still parses, it just has no response.
		if !json.Valid(raw) {
			return nil, errors.Wrapf(ErrInvalidJSON, "status %d", status)
		}
		return nil, errors.Wrapf(ErrNoResponse, "status %d", status)
	}
	resp, ok := data["response"]
	if !ok || isFalsy(resp) {
		return nil, errors.Wrapf(ErrNoResponse, "status %d: %s", status, errorDetail(raw))
	}
	return resp, nil
}

func isFalsy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

func errorDetail(raw []byte) string {
	var body struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, field := range []json.RawMessage{body.Error, body.Detail} {
		if len(field) == 0 || isFalsy(field) {
			continue
		}
		var s string
		if err := json.Unmarshal(field, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, field); err == nil {
			return buf.String()
		}
	}
	return ""
}
