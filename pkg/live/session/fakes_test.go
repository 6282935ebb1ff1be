package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

type fakeTransport struct {
	cb transport.Callbacks

	mu      sync.Mutex
	sent    []transport.Payload
	closed  bool
	sendErr map[transport.PayloadKind]error
}

func (f *fakeTransport) Send(_ context.Context, p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if err := f.sendErr[p.Kind]; err != nil {
		return err
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentOf(kind transport.PayloadKind) []transport.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Payload
	for _, p := range f.sent {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) setSendErr(kind transport.PayloadKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr == nil {
		f.sendErr = make(map[transport.PayloadKind]error)
	}
	f.sendErr[kind] = err
}

// fakeOpener hands out fakeTransports. Results are consumed in order; once
// exhausted every open succeeds.
type fakeOpener struct {
	mu      sync.Mutex
	results []error
	opened  []*fakeTransport
	configs []transport.Config
	block   chan struct{}
	started chan struct{}
}

func (o *fakeOpener) Open(ctx context.Context, cfg transport.Config, cb transport.Callbacks) (transport.Transport, error) {
	o.mu.Lock()
	o.configs = append(o.configs, cfg)
	var err error
	if len(o.results) > 0 {
		err = o.results[0]
		o.results = o.results[1:]
	}
	block, started := o.block, o.started
	o.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	ft := &fakeTransport{cb: cb}
	cb.Open()
	o.mu.Lock()
	o.opened = append(o.opened, ft)
	o.mu.Unlock()
	return ft, nil
}

func (o *fakeOpener) attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.configs)
}

func (o *fakeOpener) transport(i int) *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.opened) {
		return nil
	}
	return o.opened[i]
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSink) Emit(ev protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

func (s *recordingSink) statuses() []protocol.StatusEvent {
	var out []protocol.StatusEvent
	for _, ev := range s.snapshot() {
		if st, ok := ev.(protocol.StatusEvent); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *recordingSink) statusCount(status string) int {
	n := 0
	for _, st := range s.statuses() {
		if st.Status == status {
			n++
		}
	}
	return n
}

func (s *recordingSink) saved() []protocol.ConversationTurnSavedEvent {
	var out []protocol.ConversationTurnSavedEvent
	for _, ev := range s.snapshot() {
		if saved, ok := ev.(protocol.ConversationTurnSavedEvent); ok {
			out = append(out, saved)
		}
	}
	return out
}

func (s *recordingSink) transcriptions() []protocol.TranscriptionEvent {
	var out []protocol.TranscriptionEvent
	for _, ev := range s.snapshot() {
		if tr, ok := ev.(protocol.TranscriptionEvent); ok {
			out = append(out, tr)
		}
	}
	return out
}

func (s *recordingSink) responses() []protocol.ResponseEvent {
	var out []protocol.ResponseEvent
	for _, ev := range s.snapshot() {
		if r, ok := ev.(protocol.ResponseEvent); ok {
			out = append(out, r)
		}
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []Config
}

func (s *recordingSaver) SaveConfig(_ context.Context, cfg Config) error {
	s.mu.Lock()
	s.saved = append(s.saved, cfg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testConfig() Config {
	return Config{
		Provider:  transport.ProviderGemini,
		APIKey:    "test-key",
		Model:     "gemini-live-test",
		Verbosity: "short",
		Profile:   "interview",
	}
}

type harness struct {
	ctrl    *Controller
	opener  *fakeOpener
	sink    *recordingSink
	sleeper *recordingSleeper
	saver   *recordingSaver
}

func newHarness(t *testing.T, tuning Tuning) *harness {
	t.Helper()
	h := &harness{
		opener:  &fakeOpener{},
		sink:    &recordingSink{},
		sleeper: &recordingSleeper{},
		saver:   &recordingSaver{},
	}
	ctrl, err := NewController(Dependencies{
		Transports: h.opener,
		Sink:       h.sink,
		Saver:      h.saver,
		Tuning:     tuning,
		Sleep:      h.sleeper.Sleep,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state=%s, want %s", h.ctrl.State(), want)
}

var errNetwork = errors.New("dial tcp: connection refused")
