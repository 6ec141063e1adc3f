package pipeline

import "sync"

// EventKind enumerates the closed set of progress event variants a
// presentation layer pattern-matches on.
type EventKind int

const (
	EventInfo EventKind = iota
	EventStage
	EventWarning
	EventError
	EventAuthURL
	EventBrowserFailed
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventInfo:
		return "info"
	case EventStage:
		return "stage"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	case EventAuthURL:
		return "auth-url"
	case EventBrowserFailed:
		return "browser-failed"
	case EventCompleted:
		return "completed"
	}
	return "unknown"
}

// Event is one entry in a run's ordered progress stream. RunID keys the event
// to its run from the first event on; Result is set only for EventCompleted.
type Event struct {
	Kind   EventKind
	RunID  string
	Stage  string
	Text   string
	Result *RunResult
}

// Emitter is an unbounded ordered event stream with one producer side and a
// single consumer. Emit never blocks, so a slow consumer cannot stall the
// pipeline; events arrive in exactly the order they were produced.
type Emitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
}

// NewEmitter creates an emitter and starts its delivery pump.
func NewEmitter() *Emitter {
	e := &Emitter{out: make(chan Event)}
	e.cond = sync.NewCond(&e.mu)
	go e.pump()
	return e
}

// Emit appends an event to the stream. It never blocks.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

// Events returns the consumer channel. It is closed once Close has been
// called and all queued events were delivered.
func (e *Emitter) Events() <-chan Event {
	return e.out
}

// Close marks the end of the stream. Queued events are still delivered.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cond.Signal()
}

func (e *Emitter) pump() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			close(e.out)
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.out <- ev
	}
}
