// Package client implements the privd wire protocol for unprivileged
// callers. It shares the message framing with the service so both sides
// agree on headers, chunking, and size limits.
package client

import (
	"errors"
	"fmt"
	"net"

	"github.com/privd/privd/internal/protocol"
)

var (
	// ErrAccessDenied is returned when the service refuses an operation.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidMessage is returned when the service rejects a request as
	// malformed; the connection is no longer usable afterwards.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInternal is returned for service-side failures.
	ErrInternal = errors.New("internal service error")
	// ErrProtocol is returned when the service response cannot be decoded.
	ErrProtocol = errors.New("protocol error")
)

// Client is one connection to the privd service.
type Client struct {
	conn net.Conn
}

// Dial connects to the service socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Authenticate presents credentials and, on success, returns the id of the
// elevated token now held by this connection. Denied credentials return
// ErrAccessDenied; the connection stays open for another attempt.
func (c *Client) Authenticate(username, password string) (string, error) {
	header, payload, err := c.roundTrip(protocol.HeaderCredential, protocol.EncodeCredentials(username, password))
	if err != nil {
		return "", err
	}
	if err := responseError(header, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

// Bless asks the service to bestow this connection's token rights onto the
// target process.
func (c *Client) Bless(pid int) error {
	header, payload, err := c.roundTrip(protocol.HeaderBless, protocol.EncodeBlessTarget(pid))
	if err != nil {
		return err
	}
	return responseError(header, payload)
}

// Close disconnects from the service. Any token held by the connection is
// revoked by the service on disconnect.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(header string, payload []byte) (string, []byte, error) {
	frame := protocol.EncodeFrame(header, payload)

	// Mirror the service's chunked writes; framing keeps the boundaries.
	for off := 0; off < len(frame); {
		end := off + protocol.ChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		n, err := c.conn.Write(frame[off:end])
		if err != nil {
			return "", nil, fmt.Errorf("sending request: %w", err)
		}
		off += n
	}

	buf := make([]byte, 0, protocol.ChunkSize)
	chunk := make([]byte, protocol.ChunkSize)
	for {
		done, err := protocol.FrameDone(buf)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if done {
			break
		}

		n, err := c.conn.Read(chunk)
		if err != nil {
			return "", nil, fmt.Errorf("reading response: %w", err)
		}
		buf = append(buf, chunk[:n]...)
	}

	respHeader, respPayload, err := protocol.ParseFrame(buf)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return respHeader, respPayload, nil
}

func responseError(header string, payload []byte) error {
	switch header {
	case protocol.HeaderSuccess:
		return nil
	case protocol.HeaderAccessDenied:
		return fmt.Errorf("%w: %s", ErrAccessDenied, payload)
	case protocol.HeaderInvalidMessage:
		return fmt.Errorf("%w: %s", ErrInvalidMessage, payload)
	case protocol.HeaderInternalError:
		return fmt.Errorf("%w: %s", ErrInternal, payload)
	default:
		return fmt.Errorf("%w: unrecognized response header %q", ErrProtocol, header)
	}
}
