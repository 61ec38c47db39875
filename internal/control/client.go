package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dokzlo13/alsd/internal/protocol"
)

// Client is a synchronous protocol client for one connection.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to a daemon over "tcp" or "unix".
func Dial(network, addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s %s: %w", network, addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

// Do sends a request and waits for the next response line.
func (c *Client) Do(req protocol.Request) (protocol.Response, error) {
	if req.Version == "" {
		req.Version = protocol.Version
	}
	line, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.Raw(line)
}

// Raw sends one line as-is and decodes the response.
func (c *Client) Raw(line []byte) (protocol.Response, error) {
	var resp protocol.Response

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return resp, fmt.Errorf("failed to send request: %w", err)
	}
	reply, err := c.r.ReadBytes('\n')
	if err != nil {
		return resp, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
