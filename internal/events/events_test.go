package events

import (
	"errors"
	"testing"
	"time"
)

func newQuit() *Func { return NewFunc(nil) }

// stepRecorder is a Func whose step result is scripted and whose
// invocations are counted.
func stepRecorder(result Status, steps *int) *Func {
	return NewFunc(func(m *Multiplexer) Status {
		*steps++
		return result
	})
}

func assertParallel(t *testing.T, m *Multiplexer) {
	t.Helper()
	if len(m.signals) != len(m.handlers) {
		t.Fatalf("wait set out of sync: %d signals, %d handlers", len(m.signals), len(m.handlers))
	}
}

func TestPushKeepsListsParallel(t *testing.T) {
	quit := newQuit()
	m := New(quit)

	for i := 0; i < 5; i++ {
		m.Push(NewFunc(nil))
		assertParallel(t, m)
	}

	if m.Len() != 6 {
		t.Errorf("Len() = %d, want = 6", m.Len())
	}
	if m.handlers[0] != Handler(quit) {
		t.Error("index 0 is not the quit handler")
	}
}

func TestNextDispatchesLowestSignaledIndex(t *testing.T) {
	m := New(newQuit())
	first := NewFunc(func(*Multiplexer) Status { return Continue })
	second := NewFunc(func(*Multiplexer) Status { return Continue })
	m.Push(first)
	m.Push(second)

	second.Notify()
	first.Notify()

	res, err := m.Next(time.Second)
	if err != nil {
		t.Fatalf("Next() returned error: %v", err)
	}
	if res.Handler != Handler(first) {
		t.Error("expected the lower-index handler to be dispatched first")
	}
}

func TestNextPrioritizesQuit(t *testing.T) {
	quit := newQuit()
	m := New(quit)
	worker := NewFunc(func(*Multiplexer) Status { return Continue })
	m.Push(worker)

	worker.Notify()
	quit.Notify()

	res, err := m.Next(time.Second)
	if err != nil {
		t.Fatalf("Next() returned error: %v", err)
	}
	if !res.Quit {
		t.Error("expected the quit handler to win a simultaneous wake")
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d after quit, want = 2 (quit slot is never removed)", m.Len())
	}
}

func TestNextRemovesFinishedHandlers(t *testing.T) {
	quit := newQuit()
	m := New(quit)

	var steps int
	done := stepRecorder(Finished, &steps)
	keep := stepRecorder(Continue, &steps)
	m.Push(done)
	m.Push(keep)

	done.Notify()
	res, err := m.Next(time.Second)
	if err != nil {
		t.Fatalf("Next() returned error: %v", err)
	}
	if !res.Removed || res.Handler != Handler(done) {
		t.Errorf("expected the finished handler to be removed, got %+v", res)
	}

	assertParallel(t, m)
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want = 2", m.Len())
	}
	if m.handlers[0] != Handler(quit) {
		t.Error("removal disturbed the quit handler's slot")
	}
	if m.handlers[1] != Handler(keep) {
		t.Error("removal disturbed the surviving handler's slot")
	}
}

func TestNextReportsAbandonedHandler(t *testing.T) {
	m := New(newQuit())
	gone := NewFunc(nil)
	m.Push(gone)

	gone.Abandon()

	_, err := m.Next(time.Second)
	var abandoned *AbandonedError
	if !errors.As(err, &abandoned) {
		t.Fatalf("Next() error = %v, want AbandonedError", err)
	}
	if abandoned.Handler != Handler(gone) {
		t.Error("AbandonedError does not carry the offending handler")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d after abandonment, want = 1", m.Len())
	}
}

func TestNextTimesOut(t *testing.T) {
	m := New(newQuit())
	m.Push(NewFunc(nil))

	start := time.Now()
	_, err := m.Next(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Next() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Next() returned before the timeout elapsed")
	}
}

func TestNextRejectsOversizedWaitSet(t *testing.T) {
	m := New(newQuit())
	for m.Len() <= MaxWaitObjects {
		m.Push(NewFunc(nil))
	}

	if _, err := m.Next(time.Second); !errors.Is(err, ErrWaitFailed) {
		t.Errorf("Next() error = %v, want ErrWaitFailed", err)
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	quit := newQuit()
	m := New(quit)
	m.Push(NewFunc(func(*Multiplexer) Status { return Continue }))

	go func() {
		time.Sleep(10 * time.Millisecond)
		quit.Notify()
	}()

	if err := m.Run(time.Second); err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestRunReturnsWhenOnlyQuitRemains(t *testing.T) {
	m := New(newQuit())
	var steps int
	h := stepRecorder(Finished, &steps)
	m.Push(h)
	h.Notify()

	if err := m.Run(time.Second); err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
	if steps != 1 {
		t.Errorf("handler stepped %d times, want = 1", steps)
	}
}
