package control

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrRemote wraps an error reported by the hypervisor.
	ErrRemote = errors.New("remote error")

	errUnexpectedMessageType = errors.New("unexpected message type")
)

// Client talks to a control socket.
type Client struct {
	conn net.Conn
	s    *Sender
	r    *Receiver
}

// Dial connects to the control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return &Client{conn: conn, s: NewSender(conn), r: NewReceiver(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(send func() error, want MsgType) ([]byte, error) {
	if err := send(); err != nil {
		return nil, err
	}

	t, payload, err := c.r.Next()
	if err != nil {
		return nil, err
	}

	switch t {
	case want:
		return payload, nil
	case MsgError:
		return nil, fmt.Errorf("%w: %s", ErrRemote, payload)
	}

	return nil, fmt.Errorf("got %v, want %v: %w", t, want, errUnexpectedMessageType)
}

// Request forwards a platform request and returns its status.
func (c *Client) Request(code, arg1, arg2 uint64) (uint64, error) {
	payload, err := c.roundTrip(func() error { return c.s.SendRequest(code, arg1, arg2) }, MsgStatus)
	if err != nil {
		return 0, err
	}

	return DecodeStatus(payload)
}

// Dump returns the debug ring.
func (c *Client) Dump() (string, error) {
	payload, err := c.roundTrip(func() error { return c.s.Send(MsgDump, nil) }, MsgDumpText)

	return string(payload), err
}

// Stats returns the per-core statistics.
func (c *Client) Stats() (*Stats, error) {
	payload, err := c.roundTrip(func() error { return c.s.Send(MsgStats, nil) }, MsgStatsReply)
	if err != nil {
		return nil, err
	}

	return DecodeStats(payload)
}
