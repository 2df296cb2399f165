package termclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edurange/termbridge/internal/wire"
)

// Client calls the bridge's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the bridge at baseURL. A nil httpClient
// uses http.DefaultClient; it must not set a global Timeout, since event
// streams are long-lived.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) sessionPath(id, suffix string) string {
	p := "/api/v1/sessions/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *Client) Create(ctx context.Context, req wire.CreateRequest) (wire.SessionInfo, error) {
	var info wire.SessionInfo
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", req, &info)
	return info, err
}

// Status never returns ErrSessionNotFound: an unknown session reports
// Alive false.
func (c *Client) Status(ctx context.Context, id string) (wire.SessionInfo, error) {
	var info wire.SessionInfo
	err := c.doJSON(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &info)
	return info, err
}

func (c *Client) Input(ctx context.Context, id string, p []byte) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(id, "input"), "application/octet-stream", bytes.NewReader(p), nil)
}

func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	return c.doJSON(ctx, http.MethodPost, c.sessionPath(id, "resize"), wire.ResizeRequest{Cols: cols, Rows: rows}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(id, "heartbeat"), "", nil, nil)
}

// Ping returns the server's clock reading.
func (c *Client) Ping(ctx context.Context, id string) (time.Time, error) {
	var pong wire.PingResponse
	if err := c.doJSON(ctx, http.MethodPost, c.sessionPath(id, "ping"), nil, &pong); err != nil {
		return time.Time{}, err
	}
	return wire.FromUnixMillis(pong.ServerTime), nil
}

func (c *Client) Report(ctx context.Context, id string, m wire.Measurement) error {
	return c.doJSON(ctx, http.MethodPost, c.sessionPath(id, "measurements"), m, nil)
}

// Close is idempotent on the server; the error only reflects transport
// failures.
func (c *Client) Close(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath(id, ""), "", nil, nil)
}

func (c *Client) AttachResize(ctx context.Context, connID string, cols, rows int) error {
	path := "/api/v1/attach/" + url.PathEscape(connID) + "/resize"
	return c.doJSON(ctx, http.MethodPost, path, wire.ResizeRequest{Cols: cols, Rows: rows}, nil)
}

// EventStream is an open output subscription.
type EventStream struct {
	body   io.ReadCloser
	reader *wire.EventReader
	cancel context.CancelFunc
}

// Next returns the next frame. It returns io.EOF when the server ends the
// stream.
func (s *EventStream) Next() (wire.Frame, error) {
	return s.reader.Next()
}

// LastSeq is the sequence of the newest output frame read.
func (s *EventStream) LastSeq() uint64 {
	return s.reader.LastID()
}

func (s *EventStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// Events subscribes to the session's output, replaying retained output
// after sequence from. ctx bounds only the wait for the response headers;
// the stream lives until Close.
func (c *Client) Events(ctx context.Context, id string, from uint64) (*EventStream, error) {
	path := c.sessionPath(id, "events")
	if from > 0 {
		path += "?from=" + strconv.FormatUint(from, 10)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.http.Do(req)
	if !stop() {
		// ctx ended while the request was in flight.
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return &EventStream{body: resp.Body, reader: wire.NewEventReader(resp.Body), cancel: cancel}, nil
}

// AttachURL is the websocket URL for a Direct Attach connection.
func (c *Client) AttachURL(target, container string, cols, rows int) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("target", target)
	if container != "" {
		q.Set("container", container)
	}
	q.Set("cols", strconv.Itoa(cols))
	q.Set("rows", strconv.Itoa(rows))
	return base + "/api/v1/attach?" + q.Encode()
}
