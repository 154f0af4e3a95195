package service

import (
	"fmt"
	"net"

	"github.com/privd/privd/internal/events"
	"github.com/privd/privd/internal/protocol"
)

// ioState tags what, if anything, a Channel is waiting on.
type ioState int

const (
	// ioInactive: no IO is queued.
	ioInactive ioState = iota
	// ioReading: a chunk read is outstanding.
	ioReading
	// ioWriting: a chunk write is outstanding.
	ioWriting
	// ioFailed: reading or writing failed.
	ioFailed
)

// frameJudge is supplied by the framing layer to declare when the
// accumulated bytes form one complete message. An error from the judge fails
// the read.
type frameJudge func(buf []byte) (done bool, err error)

// Channel turns partial, chunked transfers on one connection into whole
// in-memory messages.
//
// Each armed operation moves at most one chunk; a worker goroutine performs
// the blocking transfer and then signals, after which the owning handler
// must call Step exactly once to finalize the chunk and re-arm or finish. At
// most one operation may be outstanding at any time; arming a second is a
// programming error, not a runtime condition. The buffer grows by doubling
// and is never reallocated while an operation is in flight.
type Channel struct {
	conn   net.Conn
	signal chan struct{}

	buffer    []byte
	offset    int
	doublings int
	state     ioState
	judge     frameJudge
	err       error

	// Completed-chunk results. Written by the worker goroutine before it
	// signals, read by Step after the signal is consumed; the channel send
	// orders the two.
	ioBytes int
	ioErr   error
}

// newChannel wraps an accepted connection. The signal channel is owned by
// the connection handler so accept and IO completions share one waitable
// object.
func newChannel(conn net.Conn, signal chan struct{}) *Channel {
	return &Channel{
		conn:   conn,
		signal: signal,
		buffer: make([]byte, protocol.ChunkSize),
	}
}

// Bytes returns the accumulated message bytes.
func (c *Channel) Bytes() []byte {
	return c.buffer[:c.offset]
}

// SetBytes replaces the buffer contents, typically with an outbound message.
func (c *Channel) SetBytes(b []byte) {
	if c.state == ioReading || c.state == ioWriting {
		panic("service: channel buffer replaced while io is outstanding")
	}
	c.buffer = b
	c.offset = len(b)
}

// Err returns the error that moved the channel into the failed state.
func (c *Channel) Err() error {
	return c.err
}

// ReadToBuffer resets the accumulation state and arms the first chunk read.
// judge decides when the message is complete.
func (c *Channel) ReadToBuffer(judge frameJudge) {
	if c.state == ioReading || c.state == ioWriting {
		panic("service: read armed while io is outstanding")
	}

	if len(c.buffer) < protocol.ChunkSize {
		c.buffer = make([]byte, protocol.ChunkSize)
	}
	c.offset = 0
	c.doublings = 0
	c.judge = judge
	c.err = nil
	c.state = ioReading
	c.beginRead()
}

// WriteFromBuffer arms the first chunk write of the current buffer contents.
func (c *Channel) WriteFromBuffer() {
	if c.state == ioReading || c.state == ioWriting {
		panic("service: write armed while io is outstanding")
	}

	c.offset = 0
	c.err = nil
	c.state = ioWriting
	c.beginWrite()
}

// Step finalizes the chunk whose completion was just signaled. It reports
// Continue while more chunks are needed, Finished when the message is fully
// transferred, and Failed when the transfer cannot proceed.
func (c *Channel) Step() events.Status {
	switch c.state {
	case ioReading:
		return c.endRead()
	case ioWriting:
		return c.endWrite()
	case ioFailed:
		return events.Failed
	default:
		panic("service: channel stepped with no io outstanding")
	}
}

func (c *Channel) beginRead() {
	// The chunk slice is captured here so the worker never reads fields the
	// loop goroutine owns. The buffer cannot move while the op is in flight.
	// Near the frame ceiling the armed chunk may be shorter than ChunkSize.
	end := c.offset + protocol.ChunkSize
	if end > len(c.buffer) {
		end = len(c.buffer)
	}
	dst := c.buffer[c.offset:end]
	go func() {
		n, err := c.conn.Read(dst)
		c.ioBytes, c.ioErr = n, err
		c.notify()
	}()
}

func (c *Channel) endRead() events.Status {
	if c.ioErr != nil {
		return c.fail(fmt.Errorf("read failed: %w", c.ioErr))
	}
	c.offset += c.ioBytes

	done, err := c.judge(c.buffer[:c.offset])
	if err != nil {
		return c.fail(err)
	}
	if done {
		c.state = ioInactive
		return events.Finished
	}

	if err := c.ensureChunkCapacity(); err != nil {
		return c.fail(err)
	}
	c.beginRead()
	return events.Continue
}

func (c *Channel) beginWrite() {
	end := c.offset + protocol.ChunkSize
	if end > len(c.buffer) {
		end = len(c.buffer)
	}
	src := c.buffer[c.offset:end]
	go func() {
		n, err := c.conn.Write(src)
		c.ioBytes, c.ioErr = n, err
		c.notify()
	}()
}

func (c *Channel) endWrite() events.Status {
	if c.ioErr != nil {
		return c.fail(fmt.Errorf("write failed: %w", c.ioErr))
	}
	c.offset += c.ioBytes

	if c.offset >= len(c.buffer) {
		c.state = ioInactive
		return events.Finished
	}
	c.beginWrite()
	return events.Continue
}

// ensureChunkCapacity grows the buffer so the next chunk fits past the
// offset. Growth is by doubling with an explicit doubling count; hitting the
// ceiling rejects the message as oversized rather than truncating it. The
// required capacity is capped at MaxFrameLen: a frame the judge will accept
// never exceeds it, so a short read near the ceiling must not force a
// doubling the frame does not need.
func (c *Channel) ensureChunkCapacity() error {
	needed := c.offset + protocol.ChunkSize
	if needed > protocol.MaxFrameLen {
		needed = protocol.MaxFrameLen
	}
	if needed <= c.offset {
		return protocol.ErrOversizedMessage
	}
	for len(c.buffer) < needed {
		if c.doublings >= protocol.BufferDoublingLimit {
			return protocol.ErrOversizedMessage
		}
		grown := make([]byte, len(c.buffer)*2)
		copy(grown, c.buffer[:c.offset])
		c.buffer = grown
		c.doublings++
	}
	return nil
}

func (c *Channel) fail(err error) events.Status {
	c.state = ioFailed
	c.err = err
	return events.Failed
}

// notify delivers a completion signal without blocking. The one-outstanding-
// operation invariant guarantees the one-slot channel has room.
func (c *Channel) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Close releases the transport endpoint.
func (c *Channel) Close() error {
	return c.conn.Close()
}
