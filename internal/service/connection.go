package service

import (
	"errors"
	"net"

	"gorm.io/gorm"

	"github.com/privd/privd"
	"github.com/privd/privd/internal/core/auth"
	"github.com/privd/privd/internal/events"
	"github.com/privd/privd/internal/protocol"
	"github.com/privd/privd/internal/token"
)

// PeerCred identifies the process on the client end of a connection.
type PeerCred struct {
	Pid int32
	Uid uint32
	Gid uint32
}

// connState names the protocol step a connection will run next.
type connState int

const (
	// stateConnecting: waiting for a client to attach to the listener.
	stateConnecting connState = iota
	// stateReading: an inbound message is being assembled.
	stateReading
	// stateResponding: a queued response is being streamed out.
	stateResponding
	// stateDone: terminal; all connection resources are released.
	stateDone
)

// Connection is the per-client protocol state machine. It owns one Channel,
// the client's identity, and, once authenticated, the elevated token issued
// to this connection. All of it is mutated only by the event loop goroutine.
type Connection struct {
	id       int
	listener net.Listener
	db       *gorm.DB
	tokens   *token.Registry

	// One waitable object for the whole lifecycle: the accept goroutine and
	// the channel's chunk workers all signal here, and only one of them can
	// be outstanding at a time.
	signal chan struct{}

	state   connState
	channel *Channel
	tok     *token.Token
	peer    *PeerCred

	// Whether the connection resets instead of reading another message once
	// the queued response has been written.
	resetAfterRespond bool

	// Accept results, written by the accept goroutine before it signals.
	accepted  net.Conn
	acceptErr error
}

// NewConnection creates a connection slot in the Connecting state and begins
// waiting for a client to attach.
func NewConnection(id int, listener net.Listener, db *gorm.DB, tokens *token.Registry) *Connection {
	c := &Connection{
		id:       id,
		listener: listener,
		db:       db,
		tokens:   tokens,
		signal:   make(chan struct{}, 1),
		state:    stateConnecting,
	}

	go func() {
		conn, err := listener.Accept()
		c.accepted, c.acceptErr = conn, err
		c.notify()
	}()
	return c
}

func (c *Connection) Signal() <-chan struct{} { return c.signal }
func (c *Connection) Reset() bool             { return false }

// Step advances the state machine by one protocol step. Exactly one signal
// precedes each call.
func (c *Connection) Step(m *events.Multiplexer) events.Status {
	switch c.state {
	case stateConnecting:
		return c.finishConnect()
	case stateReading:
		return c.stepRead()
	case stateResponding:
		return c.stepRespond()
	default:
		return events.Failed
	}
}

func (c *Connection) finishConnect() events.Status {
	if c.acceptErr != nil {
		privd.Log.Debugf("client %d: accept failed: %v", c.id, c.acceptErr)
		c.state = stateDone
		return events.Failed
	}

	c.peer = peerCredentials(c.accepted)
	if c.peer != nil {
		privd.Log.Infof("client %d: connected (pid %d, uid %d)", c.id, c.peer.Pid, c.peer.Uid)
	} else {
		privd.Log.Infof("client %d: connected", c.id)
	}

	c.channel = newChannel(c.accepted, c.signal)
	c.state = stateReading
	c.channel.ReadToBuffer(protocol.FrameDone)
	return events.Continue
}

func (c *Connection) stepRead() events.Status {
	switch c.channel.Step() {
	case events.Continue:
		return events.Continue
	case events.Finished:
		return c.dispatchMessage()
	default:
		err := c.channel.Err()
		if errors.Is(err, protocol.ErrOversizedMessage) || errors.Is(err, protocol.ErrMalformedFrame) {
			// Structural protocol violation: tell the client, then reset.
			privd.Log.Warnf("client %d: %v", c.id, err)
			c.respond(protocol.HeaderInvalidMessage, err.Error(), true)
			return events.Continue
		}
		privd.Log.Debugf("client %d: %v", c.id, err)
		c.teardown()
		return events.Failed
	}
}

func (c *Connection) stepRespond() events.Status {
	switch c.channel.Step() {
	case events.Continue:
		return events.Continue
	case events.Finished:
		if c.resetAfterRespond {
			privd.Log.Infof("client %d: resetting connection", c.id)
			c.teardown()
			return events.Finished
		}
		c.state = stateReading
		c.channel.ReadToBuffer(protocol.FrameDone)
		return events.Continue
	default:
		privd.Log.Debugf("client %d: %v", c.id, c.channel.Err())
		c.teardown()
		return events.Failed
	}
}

// dispatchMessage parses the assembled message and queues the response. A
// structurally malformed request forces a reset after the response; a valid
// operation keeps the connection open whatever the decision was.
func (c *Connection) dispatchMessage() events.Status {
	header, payload, err := protocol.ParseFrame(c.channel.Bytes())
	if err != nil {
		c.respond(protocol.HeaderInvalidMessage, err.Error(), true)
		return events.Continue
	}

	switch header {
	case protocol.HeaderCredential:
		c.handleCredential(payload)
	case protocol.HeaderBless:
		c.handleBless(payload)
	default:
		privd.Log.Warnf("client %d: unrecognized message header %q", c.id, header)
		c.respond(protocol.HeaderInvalidMessage, "unrecognized message header", true)
	}
	return events.Continue
}

func (c *Connection) handleCredential(payload []byte) {
	username, password, err := protocol.ParseCredentials(payload)
	if err != nil {
		c.respond(protocol.HeaderInvalidMessage, err.Error(), true)
		return
	}

	account, err := auth.VerifyAccount(c.db, username, password)
	switch {
	case err == nil:
		// Re-authentication replaces any token this connection holds.
		c.tokens.Revoke(c.tok)
		tok, issueErr := c.tokens.Issue(account.Username, account.Admin)
		if issueErr != nil {
			privd.Log.Errorf("client %d: issuing token: %v", c.id, issueErr)
			c.respond(protocol.HeaderInternalError, "token issue failed", false)
			return
		}
		c.tok = tok
		privd.Log.Infof("client %d: authenticated as %q", c.id, account.Username)
		c.respond(protocol.HeaderSuccess, tok.ID, false)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountDisabled):
		privd.Log.Infof("client %d: authentication failed for %q: %v", c.id, username, err)
		c.respond(protocol.HeaderAccessDenied, err.Error(), false)
	default:
		privd.Log.Errorf("client %d: verifying account: %v", c.id, err)
		c.respond(protocol.HeaderInternalError, err.Error(), false)
	}
}

func (c *Connection) handleBless(payload []byte) {
	pid, err := protocol.ParseBlessTarget(payload)
	if err != nil {
		c.respond(protocol.HeaderInvalidMessage, err.Error(), true)
		return
	}

	if !c.tokens.Valid(c.tok) {
		privd.Log.Infof("client %d: bless refused, no token held", c.id)
		c.respond(protocol.HeaderAccessDenied, "no token held by this connection", false)
		return
	}

	if err := c.tokens.Bestow(c.tok, pid); err != nil {
		if errors.Is(err, token.ErrTokenRevoked) {
			c.respond(protocol.HeaderAccessDenied, err.Error(), false)
			return
		}
		privd.Log.Warnf("client %d: bless of pid %d failed: %v", c.id, pid, err)
		c.respond(protocol.HeaderInternalError, err.Error(), false)
		return
	}

	privd.Log.Infof("client %d: blessed pid %d as %q", c.id, pid, c.tok.Username)
	c.respond(protocol.HeaderSuccess, "", false)
}

// respond queues a response frame and moves to the Responding state.
func (c *Connection) respond(header, message string, resetAfter bool) {
	c.resetAfterRespond = resetAfter
	c.channel.SetBytes(protocol.EncodeFrame(header, []byte(message)))
	c.state = stateResponding
	c.channel.WriteFromBuffer()
}

// teardown revokes the connection's token, closes the transport, and marks
// the machine terminal. Safe to call more than once.
func (c *Connection) teardown() {
	if c.state == stateDone {
		return
	}

	// A slot torn down while still connecting lets its accept goroutine
	// settle first; by then the listener is closed, so the wait is short.
	// Receiving the signal orders the goroutine's writes before the reads
	// below.
	if c.state == stateConnecting {
		<-c.signal
	}
	c.state = stateDone

	c.tokens.Revoke(c.tok)
	c.tok = nil

	if c.channel != nil {
		_ = c.channel.Close()
	} else if c.accepted != nil {
		_ = c.accepted.Close()
	}
}

func (c *Connection) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}
