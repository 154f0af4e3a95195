// Package service implements the privd server: a single-threaded event loop
// multiplexing a bounded set of client connections on one Unix socket.
package service

import (
	"errors"
	"net"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/privd/privd"
	"github.com/privd/privd/internal/events"
	"github.com/privd/privd/internal/token"
)

// MaxConnections is the number of concurrent connection slots the service
// maintains. Being a local sudo-style helper, it is unlikely to be busy, but
// the ceiling is a hard bound a hostile client cannot push past.
const MaxConnections = 10

// Status is the terminal result of one server run.
type Status int

const (
	StatusUnset Status = iota - 1
	StatusOk
	StatusSocketFailed
	StatusTimedOut
	StatusEventFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "status not set"
	case StatusOk:
		return "ok"
	case StatusSocketFailed:
		return "socket creation failed"
	case StatusTimedOut:
		return "timed out"
	case StatusEventFailed:
		return "event failed"
	default:
		return "unknown status"
	}
}

// Config carries the parameters for one server run. Status is written once,
// at loop exit.
type Config struct {
	// SocketPath is the address of the listening Unix socket.
	SocketPath string

	// Quit is the handler seeded at index 0 of the multiplexer. Its Notify
	// method is the one touchpoint other goroutines may use.
	Quit *events.Func

	// Timeout bounds each wait; <= 0 waits forever.
	Timeout time.Duration

	// Status holds the terminal loop status after Serve returns.
	Status Status
}

// Serve runs the event loop until quit, timeout, or a wait failure. All
// connection slots share one listener; a slot freed by a terminal connection
// is replenished immediately so accept capacity never shrinks.
func Serve(cfg *Config, db *gorm.DB, tokens *token.Registry) {
	cfg.Status = StatusUnset

	listener, err := listen(cfg.SocketPath)
	if err != nil {
		privd.Log.Errorf("creating socket %s: %v", cfg.SocketPath, err)
		cfg.Status = StatusSocketFailed
		return
	}
	m := events.New(cfg.Quit)
	nextClientID := 0
	for i := 0; i < MaxConnections; i++ {
		nextClientID++
		m.Push(NewConnection(nextClientID, listener, db, tokens))
	}

	privd.Log.Infof("listening on %s", cfg.SocketPath)
	cfg.Status = loop(m, cfg.Timeout, func() events.Handler {
		nextClientID++
		return NewConnection(nextClientID, listener, db, tokens)
	})

	// Shutdown is immediate: close the listener first so every pending
	// accept settles, then close whatever the wait set still holds without
	// draining or notifying the clients. A client that attached during the
	// quit window gets its socket closed by the sweep like any other.
	_ = listener.Close()
	for _, h := range m.Handlers() {
		if c, ok := h.(*Connection); ok {
			c.teardown()
		}
	}
	_ = os.Remove(cfg.SocketPath)
}

// loop drives the multiplexer one dispatch at a time so that each removed
// connection slot can be replenished before the next wait.
func loop(m *events.Multiplexer, timeout time.Duration, replenish func() events.Handler) Status {
	for {
		res, err := m.Next(timeout)

		var abandoned *events.AbandonedError
		switch {
		case errors.Is(err, events.ErrTimeout):
			privd.Log.Warn("event loop timed out")
			return StatusTimedOut
		case errors.As(err, &abandoned):
			// The handler is carried out of the wait set for cleanup, but
			// an abandoned wait object still means the set's integrity is
			// gone; stop the loop after reclaiming it.
			privd.Log.Errorf("wait object abandoned, reclaiming handler and stopping")
			if c, ok := abandoned.Handler.(*Connection); ok {
				c.teardown()
			}
			return StatusEventFailed
		case err != nil:
			privd.Log.Errorf("event wait failed: %v", err)
			return StatusEventFailed
		}

		if res.Quit {
			privd.Log.Info("quit signal received, stopping")
			return StatusOk
		}

		if res.Removed {
			if c, ok := res.Handler.(*Connection); ok {
				if c.acceptErr != nil {
					// The listening endpoint itself is broken; replenishing
					// would spin on the same failure.
					privd.Log.Errorf("listening endpoint failed: %v", c.acceptErr)
					return StatusSocketFailed
				}
				m.Push(replenish())
			}
		}
	}
}

// listen binds the service socket, replacing any stale socket file from a
// previous run, and opens it to unprivileged clients.
func listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, 0666); err != nil {
		_ = listener.Close()
		return nil, err
	}
	return listener, nil
}
