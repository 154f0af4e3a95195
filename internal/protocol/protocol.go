// Package protocol defines the wire format shared by the privd service and
// its clients.
//
// Every message is a frame: a 4-byte big-endian length prefix covering the
// rest of the frame, a 4-byte ASCII header, and an opaque payload. Requests
// carry CRED (credentials) or BLES (token bestowal) headers; responses carry
// one of the fixed status headers. The exchange is strictly request/response
// on one connection, so frame boundaries are unambiguous even though the
// transport is a byte stream.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// DefaultSocketPath is the well-known address of the service socket.
const DefaultSocketPath = "/run/privd/privd.sock"

const (
	// LengthSize is the size of the frame length prefix.
	LengthSize = 4
	// HeaderSize is the size of every message header.
	HeaderSize = 4
	// ChunkSize is the unit of one asynchronous transfer step. It must match
	// between client and service for incremental framing to line up.
	ChunkSize = 1024
	// BufferDoublingLimit bounds how many times a receive buffer may double
	// from ChunkSize before an inbound message is rejected as oversized.
	BufferDoublingLimit = 4
	// MaxFrameLen is the largest total frame (prefix included) the service
	// will accept. Derived from the buffer growth ceiling rather than chosen
	// independently so the protocol bound and the memory bound agree.
	MaxFrameLen = ChunkSize << BufferDoublingLimit
)

// Request headers.
const (
	HeaderCredential = "CRED"
	HeaderBless      = "BLES"
)

// Response headers.
const (
	HeaderSuccess        = "SUCC"
	HeaderInvalidMessage = "INVM"
	HeaderInternalError  = "INTE"
	HeaderAccessDenied   = "DENY"
)

var (
	// ErrOversizedMessage indicates an inbound message that would exceed the
	// buffer growth ceiling. It is a protocol violation, never a truncation.
	ErrOversizedMessage = errors.New("message exceeds maximum size")
	// ErrMalformedFrame indicates a frame whose length prefix or header does
	// not describe its contents.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedPayload indicates a recognized header with a payload that
	// cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// EncodeFrame builds a complete frame from a header and payload.
func EncodeFrame(header string, payload []byte) []byte {
	if len(header) != HeaderSize {
		panic("protocol: header must be exactly 4 bytes")
	}

	frame := make([]byte, LengthSize+HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(HeaderSize+len(payload)))
	copy(frame[LengthSize:], header)
	copy(frame[LengthSize+HeaderSize:], payload)
	return frame
}

// FrameDone reports whether buf holds one complete frame. It returns an
// error as soon as the length prefix declares a frame that can never be
// valid, so oversized messages are rejected before any payload accumulates.
func FrameDone(buf []byte) (bool, error) {
	if len(buf) < LengthSize {
		return false, nil
	}

	declared := binary.BigEndian.Uint32(buf)
	if declared < HeaderSize {
		return false, ErrMalformedFrame
	}
	if int(declared)+LengthSize > MaxFrameLen {
		return false, ErrOversizedMessage
	}

	total := int(declared) + LengthSize
	if len(buf) > total {
		// Bytes past the declared frame mean the client broke the
		// request/response cadence.
		return false, ErrMalformedFrame
	}
	return len(buf) == total, nil
}

// ParseFrame splits a complete frame into its header and payload.
func ParseFrame(buf []byte) (header string, payload []byte, err error) {
	done, err := FrameDone(buf)
	if err != nil {
		return "", nil, err
	}
	if !done {
		return "", nil, ErrMalformedFrame
	}
	return string(buf[LengthSize : LengthSize+HeaderSize]), buf[LengthSize+HeaderSize:], nil
}

// EncodeCredentials packs a username and password into a CRED payload. The
// username may not contain a NUL byte since it doubles as the separator.
func EncodeCredentials(username, password string) []byte {
	payload := make([]byte, 0, len(username)+1+len(password))
	payload = append(payload, username...)
	payload = append(payload, 0)
	payload = append(payload, password...)
	return payload
}

// ParseCredentials unpacks a CRED payload.
func ParseCredentials(payload []byte) (username, password string, err error) {
	sep := bytes.IndexByte(payload, 0)
	if sep < 0 {
		return "", "", ErrMalformedPayload
	}
	return string(payload[:sep]), string(payload[sep+1:]), nil
}

// EncodeBlessTarget packs the target process id for a BLES payload.
func EncodeBlessTarget(pid int) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(pid))
	return payload
}

// ParseBlessTarget unpacks a BLES payload.
func ParseBlessTarget(payload []byte) (int, error) {
	if len(payload) != 8 {
		return 0, ErrMalformedPayload
	}

	pid := binary.LittleEndian.Uint64(payload)
	if pid == 0 || pid > 1<<31 {
		return 0, ErrMalformedPayload
	}
	return int(pid), nil
}
