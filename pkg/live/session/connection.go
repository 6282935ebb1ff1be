package session

import (
	"sync"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

type connEventKind int

const (
	connEventOpened connEventKind = iota
	connEventMessage
	connEventError
	connEventClosed
	connEventHeartbeatFailed
)

type connEvent struct {
	kind   connEventKind
	msg    transport.Event
	err    error
	reason string
}

// connection is one generation of transport. Callbacks push events onto a
// queue drained by a single goroutine; pushes unblock once the connection is
// shut down.
type connection struct {
	gen    uint64
	t      transport.Transport
	events chan connEvent
	stop   chan struct{}
	done   chan struct{}

	// draining is guarded by Controller.mu.
	draining bool

	stopOnce sync.Once
}

func newConnection(gen uint64) *connection {
	return &connection{
		gen:    gen,
		events: make(chan connEvent, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (cn *connection) push(ev connEvent) {
	select {
	case <-cn.stop:
		return
	default:
	}
	select {
	case cn.events <- ev:
	case <-cn.stop:
	}
}

func (cn *connection) shutdown() {
	cn.stopOnce.Do(func() { close(cn.stop) })
}
