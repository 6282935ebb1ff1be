package protocol

import (
	"sync"
	"sync/atomic"
)

// Sink receives session events. Emit is called while the session holds its
// internal lock; implementations must not call back into the session.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) {
	if f != nil {
		f(ev)
	}
}

// MultiSink fans each event out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// BufferedSink decouples a slow sink from the caller. Events are dropped when
// the buffer is full.
type BufferedSink struct {
	next    Sink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewBufferedSink(next Sink, size int) *BufferedSink {
	if size <= 0 {
		size = 256
	}
	b := &BufferedSink{
		next:   next,
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *BufferedSink) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *BufferedSink) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits for buffered ones to be delivered.
func (b *BufferedSink) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.events)
		b.mu.Unlock()
	})
	<-b.done
}

func (b *BufferedSink) run() {
	defer close(b.done)
	for ev := range b.events {
		if b.next != nil {
			b.next.Emit(ev)
		}
	}
}
