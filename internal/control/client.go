package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/cronus/pkg/protocol"
)

// ErrNotRunning reports that nothing is listening on the control socket.
var ErrNotRunning = errors.New("control: daemon not running")

// requestTimeout bounds one request/reply round trip. Watch streams are
// exempt and live until canceled.
const requestTimeout = 10 * time.Second

// The host is a placeholder: the transport dials the unix socket regardless.
const baseURL = "http://cronus"

// Client talks to a running daemon over its control socket.
type Client struct {
	socket    string
	transport *http.Transport
	http      *http.Client
}

// NewClient creates a client for the given control socket path.
func NewClient(socket string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		socket:    socket,
		transport: transport,
		http:      &http.Client{Transport: transport, Timeout: requestTimeout},
	}
}

// Add registers a new job and returns its assigned id.
func (c *Client) Add(ctx context.Context, req protocol.AddRequest) (protocol.AddResponse, error) {
	var resp protocol.AddResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp)
	return resp, err
}

// Delete removes a job by id. Found reports whether it existed.
func (c *Client) Delete(ctx context.Context, id string) (protocol.DeleteResponse, error) {
	var resp protocol.DeleteResponse
	err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+id, nil, &resp)
	return resp, err
}

// List returns all registered jobs in insertion order.
func (c *Client) List(ctx context.Context) (protocol.ListResponse, error) {
	var resp protocol.ListResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &resp)
	return resp, err
}

// Stop asks the daemon to shut down. The reply arrives before the daemon
// exits.
func (c *Client) Stop(ctx context.Context) (protocol.StopResponse, error) {
	var resp protocol.StopResponse
	err := c.do(ctx, http.MethodPost, "/v1/stop", nil, &resp)
	return resp, err
}

// Status probes daemon liveness and returns its counters.
func (c *Client) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp)
	return resp, err
}

// Watch subscribes to the daemon's event stream. The returned channel closes
// when the daemon shuts down, the connection drops, or stop is called.
func (c *Client) Watch(ctx context.Context) (<-chan protocol.Event, func(), error) {
	// The websocket library refuses clients with a Timeout set; the stream
	// is bounded by ctx instead.
	wsClient := &http.Client{Transport: c.transport}
	conn, _, err := websocket.Dial(ctx, "ws://cronus/v1/events", &websocket.DialOptions{
		HTTPClient: wsClient,
	})
	if err != nil {
		return nil, nil, c.mapErr(err)
	}

	events := make(chan protocol.Event, 16)
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(wctx)
			if err != nil {
				return
			}
			var ev protocol.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-wctx.Done():
				return
			}
		}
	}()
	return events, cancel, nil
}

// do performs one request/reply exchange. Non-200 replies are decoded as
// ErrorResponse and surfaced as errors carrying the daemon's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("control: marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("control: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.mapErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			return fmt.Errorf("control: %s", er.Error)
		}
		return fmt.Errorf("control: unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("control: decode response: %w", err)
		}
	}
	return nil
}

// mapErr folds transport-level failures into ErrNotRunning: a missing socket
// file and a connection refusal both mean no daemon is there.
func (c *Client) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w (socket %s)", ErrNotRunning, c.socket)
	}
	return err
}
