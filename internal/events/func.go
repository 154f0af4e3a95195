package events

// Func adapts a plain function into a Handler with its own signal channel.
// It backs the quit handler and is convenient in tests.
type Func struct {
	// Fn is invoked on each step. A nil Fn reports Finished, which suits
	// one-shot handlers like the quit signal.
	Fn func(m *Multiplexer) Status

	signal chan struct{}
}

// NewFunc returns a Func handler with a fresh one-slot signal channel.
func NewFunc(fn func(m *Multiplexer) Status) *Func {
	return &Func{Fn: fn, signal: make(chan struct{}, 1)}
}

// Notify signals the handler without blocking. A signal already pending is
// left in place; the channel holds at most one. Safe to call from other
// goroutines, which is how the process signal handler reaches the loop.
func (f *Func) Notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Abandon closes the signal channel, marking the handler as abandoned.
func (f *Func) Abandon() {
	close(f.signal)
}

func (f *Func) Signal() <-chan struct{} { return f.signal }

func (f *Func) Step(m *Multiplexer) Status {
	if f.Fn == nil {
		return Finished
	}
	return f.Fn(m)
}

func (f *Func) Reset() bool { return false }
