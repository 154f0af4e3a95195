// Package events implements the single-threaded event multiplexer that
// drives the service.
//
// A Handler pairs one waitable object (a signal channel) with a step
// function. The Multiplexer owns parallel lists of signal channels and
// handlers, waits for the next signaled channel, and runs exactly one
// handler step per wake. Index 0 is permanently reserved for the quit
// handler and wins whenever it is signaled at the same time as anything
// else, so shutdown is never starved by in-flight work.
//
// The driving goroutine is the sole mutator of the handler list and of any
// handler's state; the only legal cross-goroutine interaction is sending on
// (or closing) a signal channel. A closed signal channel marks its handler
// as abandoned by its peer and is surfaced as an AbandonedError carrying the
// handler so the caller can reclaim it.
package events

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// MaxWaitObjects caps the size of the wait set. Exceeding it is treated as a
// wait-primitive failure since the shared wait set can no longer be trusted.
const MaxWaitObjects = 64

// Status codes a Handler's Step returns for the multiplexer to act on.
type Status int

const (
	// Continue leaves the handler registered for another step.
	Continue Status = iota
	// Finished removes the handler; it has nothing more to do.
	Finished
	// Failed removes the handler; its state is no longer valid.
	Failed
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown status"
	}
}

var (
	// ErrWaitFailed indicates the wait primitive itself failed. Fatal: the
	// loop must stop because the wait set's integrity is compromised.
	ErrWaitFailed = errors.New("event wait failed")
	// ErrTimeout indicates a bounded wait elapsed with nothing signaled.
	ErrTimeout = errors.New("event wait timed out")
)

// AbandonedError reports a handler whose signal channel was closed by its
// peer. The handler is carried so the caller can clean it up or discard it.
type AbandonedError struct {
	Handler Handler
}

func (e *AbandonedError) Error() string {
	return "wait object abandoned by peer"
}

// Handler is one unit of multiplexed work.
type Handler interface {
	// Signal returns the channel whose readiness schedules this handler.
	// The channel identity must not change while the handler is registered.
	Signal() <-chan struct{}

	// Step consumes one signal. The multiplexer is passed in rather than
	// stored so handlers keep no reference back to their owner.
	Step(m *Multiplexer) Status

	// Reset is called after a step that returned Continue. It reports
	// whether the handler re-armed its own waitable state; most handlers
	// have nothing to do and return false.
	Reset() bool
}

// Result describes the outcome of one dispatch cycle.
type Result struct {
	// Handler that was stepped (or abandoned).
	Handler Handler
	// Status the handler's step returned.
	Status Status
	// Removed reports that the handler left the wait set.
	Removed bool
	// Quit reports that the quit handler was the one dispatched.
	Quit bool
}

// Multiplexer owns an ordered set of (signal channel, handler) pairs and
// dispatches to them one at a time. The two lists always have equal length
// and parallel indices.
type Multiplexer struct {
	signals  []<-chan struct{}
	handlers []Handler
	running  bool
}

const quitIndex = 0

// New returns a multiplexer seeded with the quit handler at index 0.
func New(quit Handler) *Multiplexer {
	m := &Multiplexer{
		signals:  make([]<-chan struct{}, 0, MaxWaitObjects),
		handlers: make([]Handler, 0, MaxWaitObjects),
	}
	m.Push(quit)
	return m
}

// Push registers a handler and its signal channel.
func (m *Multiplexer) Push(h Handler) {
	m.signals = append(m.signals, h.Signal())
	m.handlers = append(m.handlers, h)
}

// Len returns the number of registered handlers, the quit handler included.
func (m *Multiplexer) Len() int {
	return len(m.handlers)
}

// Handlers returns a copy of the registered handler list. Intended for
// teardown by the owning loop after the multiplexer stops.
func (m *Multiplexer) Handlers() []Handler {
	out := make([]Handler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

// Next blocks until a registered channel is signaled or timeout elapses,
// then dispatches exactly one handler. Simultaneously signaled handlers are
// serviced lowest index first, which keeps the quit handler ahead of all
// work. A timeout <= 0 waits forever.
func (m *Multiplexer) Next(timeout time.Duration) (Result, error) {
	if err := m.validate(); err != nil {
		return Result{}, err
	}

	// Ascending poll first: if anything is already signaled, priority is
	// decided here rather than by select's random choice.
	if i, ok, hit := m.poll(); hit {
		return m.dispatch(i, ok)
	}

	i, ok, timedOut := m.wait(timeout)
	if timedOut {
		return Result{}, ErrTimeout
	}

	// The blocking wait picks among ready channels arbitrarily. If quit
	// became ready in the same wake, shutdown takes precedence; the other
	// handler's signal is dropped, which is fine because teardown abandons
	// its state anyway.
	if i != quitIndex {
		if qok, hit := m.pollIndex(quitIndex); hit {
			return m.dispatch(quitIndex, qok)
		}
	}
	return m.dispatch(i, ok)
}

// Run repeats Next until the quit handler finishes or fails, the wait set
// drains down to the quit handler alone, or an error escalates. A quit-
// triggered stop returns nil.
func (m *Multiplexer) Run(timeout time.Duration) error {
	m.running = true
	for m.running {
		if m.Len() <= 1 {
			return nil
		}

		res, err := m.Next(timeout)
		if err != nil {
			return err
		}
		if res.Quit {
			return nil
		}
	}
	return nil
}

// Stop makes Run return after the current dispatch.
func (m *Multiplexer) Stop() { m.running = false }

func (m *Multiplexer) validate() error {
	if len(m.signals) != len(m.handlers) {
		return fmt.Errorf("%w: %d signals for %d handlers", ErrWaitFailed, len(m.signals), len(m.handlers))
	}
	if len(m.signals) == 0 || len(m.signals) > MaxWaitObjects {
		return fmt.Errorf("%w: wait set size %d", ErrWaitFailed, len(m.signals))
	}
	for i, ch := range m.signals {
		if ch == nil {
			return fmt.Errorf("%w: nil wait object at index %d", ErrWaitFailed, i)
		}
	}
	return nil
}

// poll scans the wait set in ascending order without blocking. It consumes
// at most one signal.
func (m *Multiplexer) poll() (index int, ok bool, hit bool) {
	for i := range m.signals {
		if ok, hit := m.pollIndex(i); hit {
			return i, ok, true
		}
	}
	return 0, false, false
}

func (m *Multiplexer) pollIndex(i int) (ok bool, hit bool) {
	select {
	case _, ok := <-m.signals[i]:
		return ok, true
	default:
		return false, false
	}
}

// wait blocks until one channel is readable or the timeout fires. reflect is
// the only way to select over a wait set whose size is only known at
// runtime.
func (m *Multiplexer) wait(timeout time.Duration) (index int, ok bool, timedOut bool) {
	cases := make([]reflect.SelectCase, len(m.signals), len(m.signals)+1)
	for i, ch := range m.signals {
		cases[i] = reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ch),
		}
	}

	timerIndex := -1
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerIndex = len(cases)
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(timer.C),
		})
	}

	chosen, _, recvOK := reflect.Select(cases)
	if chosen == timerIndex {
		return 0, false, true
	}
	return chosen, recvOK, false
}

func (m *Multiplexer) dispatch(i int, ok bool) (Result, error) {
	h := m.handlers[i]

	if !ok {
		// Closed signal channel: the peer abandoned the wait object.
		if i == quitIndex {
			return Result{}, fmt.Errorf("%w: quit signal closed", ErrWaitFailed)
		}
		m.remove(i)
		return Result{Handler: h, Removed: true}, &AbandonedError{Handler: h}
	}

	status := h.Step(m)
	res := Result{Handler: h, Status: status, Quit: i == quitIndex}

	switch status {
	case Continue:
		h.Reset()
	case Finished, Failed:
		if i == quitIndex {
			// The quit slot is never removed; the loop ends instead.
			m.running = false
		} else {
			m.remove(i)
			res.Removed = true
		}
	}
	return res, nil
}

// remove drops the pair at index i, keeping the two lists parallel. Index 0
// is reserved and never removed.
func (m *Multiplexer) remove(i int) {
	if i == quitIndex {
		panic("events: attempted to remove the quit handler")
	}
	m.signals = append(m.signals[:i], m.signals[i+1:]...)
	m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
}
