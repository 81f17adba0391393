package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// CommandError is a failed response returned by the daemon.
type CommandError struct {
	Command string
	Detail  json.RawMessage
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	var msg string
	if err := json.Unmarshal(e.Detail, &msg); err == nil {
		return fmt.Sprintf("%s: %s", e.Command, msg)
	}

	var detail map[string]interface{}
	if err := json.Unmarshal(e.Detail, &detail); err == nil {
		if m, ok := detail["error"].(string); ok {
			return fmt.Sprintf("%s: %s", e.Command, m)
		}
	}
	return fmt.Sprintf("%s: %s", e.Command, string(e.Detail))
}

// Client talks to a daemon over its remote control socket. Calls are
// serialised.
type Client struct {
	conn    net.Conn
	enc     *Encoder
	dec     *Decoder
	version string

	mu sync.Mutex
}

// Dial connects to the socket and reads the greeting.
func Dial(ctx context.Context, socket string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socket, err)
	}

	c := &Client{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var greeting Greeting
	if err := c.dec.Decode(&greeting); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.version = greeting.Version
	return c, nil
}

// Version returns the version the daemon announced.
func (c *Client) Version() string {
	return c.version
}

// Call runs command with params and decodes the response into out, which
// may be nil. A failed response is returned as *CommandError.
func (c *Client) Call(ctx context.Context, command string, params, out interface{}) error {
	resp, err := c.Do(ctx, command, params)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommandError{Command: command, Detail: resp.Error}
	}
	if out == nil || len(resp.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Response, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", command, err)
	}
	return nil
}

// Do sends one request and returns the raw response.
func (c *Client) Do(ctx context.Context, command string, params interface{}) (*Response, error) {
	req := &Request{Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.enc.Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
