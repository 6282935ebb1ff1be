package session

import (
	"strings"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

// MessageAssembler accumulates streamed answer text for the current turn.
type MessageAssembler struct {
	buf  strings.Builder
	open bool
}

func isSentinel(text string) bool {
	return text == "" || strings.TrimSpace(text) == transport.HeartbeatSentinel
}

// Fragment appends text and returns the answer so far. Empty and heartbeat
// fragments are ignored and reported as not accepted.
func (a *MessageAssembler) Fragment(text string) (cumulative string, accepted bool) {
	if isSentinel(text) {
		return a.buf.String(), false
	}
	a.buf.WriteString(text)
	a.open = true
	return a.buf.String(), true
}

func (a *MessageAssembler) Text() string { return a.buf.String() }

func (a *MessageAssembler) Open() bool { return a.open }

// Reset clears the pending answer and returns what it held.
func (a *MessageAssembler) Reset() string {
	out := a.buf.String()
	a.buf.Reset()
	a.open = false
	return out
}
