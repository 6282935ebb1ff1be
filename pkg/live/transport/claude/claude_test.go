package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
	errs   []error
	opened int
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opened++
			r.mu.Unlock()
		},
		OnMessage: func(ev transport.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]transport.Event, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Event(nil), r.events...), append([]error(nil), r.errs...)
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    func(w http.ResponseWriter, n int)
}

func (f *fakeAPI) bodies() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.requests...)
}

func newFakeAPI(t *testing.T, reply func(w http.ResponseWriter, n int)) (*fakeAPI, string) {
	t.Helper()
	api := &fakeAPI{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
			return
		}
		if r.Header.Get("anthropic-version") != APIVersion {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"data":[]}`))
		case "/v1/messages":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			api.mu.Lock()
			api.requests = append(api.requests, body)
			n := len(api.requests)
			api.mu.Unlock()
			api.reply(w, n)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return api, srv.URL
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		data := fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, c)
		_, _ = fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", data)
	}
	_, _ = fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
	_, _ = fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
}

func testConfig(baseURL string) transport.Config {
	return transport.Config{
		Provider:     transport.ProviderClaude,
		APIKey:       "good-key",
		Model:        "claude-test",
		SystemPrompt: "be brief",
		BaseURL:      baseURL,
	}
}

func TestStreamsAnswerAndKeepsHistory(t *testing.T) {
	api, url := newFakeAPI(t, func(w http.ResponseWriter, n int) {
		writeSSE(w, "Hello", fmt.Sprintf(" there %d", n))
	})
	rec := &recorder{}
	tr, err := Opener{}.Open(context.Background(), testConfig(url), rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("hi")))
	require.Eventually(t, func() bool {
		evs, _ := rec.snapshot()
		return len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("again")))
	require.Eventually(t, func() bool {
		evs, _ := rec.snapshot()
		return len(evs) == 6
	}, 2*time.Second, 10*time.Millisecond)

	evs, errs := rec.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, transport.Event{Kind: transport.EventAnswerText, Text: "Hello"}, evs[0])
	assert.Equal(t, transport.Event{Kind: transport.EventAnswerText, Text: " there 1"}, evs[1])
	assert.Equal(t, transport.EventTurnComplete, evs[2].Kind)

	bodies := api.bodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, "be brief", bodies[0]["system"])
	assert.Equal(t, true, bodies[0]["stream"])
	msgs := bodies[1]["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])

	rec.mu.Lock()
	assert.Equal(t, 1, rec.opened)
	rec.mu.Unlock()
}

func TestImageAttachedToNextText(t *testing.T) {
	api, url := newFakeAPI(t, func(w http.ResponseWriter, n int) { writeSSE(w, "ok") })
	rec := &recorder{}
	tr, err := Opener{}.Open(context.Background(), testConfig(url), rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), transport.ImagePayload([]byte{1, 2, 3}, "image/png")))
	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("what is this")))
	require.Eventually(t, func() bool { return len(api.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)

	msgs := api.bodies()[0]["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[0].(map[string]any)["type"])
	assert.Equal(t, "image/png", content[0].(map[string]any)["source"].(map[string]any)["media_type"])
	assert.Equal(t, "what is this", content[1].(map[string]any)["text"])
}

func TestDirectiveAmendsSystemPromptWithoutRequest(t *testing.T) {
	api, url := newFakeAPI(t, func(w http.ResponseWriter, n int) { writeSSE(w, "4") })
	rec := &recorder{}
	tr, err := Opener{}.Open(context.Background(), testConfig(url), rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), transport.DirectivePayload("answer in detail")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, api.bodies(), "a directive alone must not reach the api")

	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("what is 2+2")))
	require.Eventually(t, func() bool { return len(api.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)

	body := api.bodies()[0]
	assert.Equal(t, "be brief\n\nanswer in detail", body["system"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1, "the directive stays out of the conversation history")
	content := msgs[0].(map[string]any)["content"].([]any)
	assert.Equal(t, "what is 2+2", content[0].(map[string]any)["text"])
}

func TestRejectedKeyFailsOpen(t *testing.T) {
	_, url := newFakeAPI(t, func(w http.ResponseWriter, n int) {})
	cfg := testConfig(url)
	cfg.APIKey = "bad-key"
	_, err := Opener{}.Open(context.Background(), cfg, (&recorder{}).callbacks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication_error")
	assert.Contains(t, err.Error(), "invalid x-api-key")
}

func TestServerErrorEndsConnection(t *testing.T) {
	_, url := newFakeAPI(t, func(w http.ResponseWriter, n int) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	})
	rec := &recorder{}
	tr, err := Opener{}.Open(context.Background(), testConfig(url), rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("hi")))
	require.Eventually(t, func() bool {
		_, errs := rec.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, errs := rec.snapshot()
	assert.Contains(t, errs[0].Error(), "overloaded_error")
}

func TestBadRequestClosesTurnOnly(t *testing.T) {
	_, url := newFakeAPI(t, func(w http.ResponseWriter, n int) {
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"nope"}}`))
			return
		}
		writeSSE(w, "fine")
	})
	rec := &recorder{}
	tr, err := Opener{}.Open(context.Background(), testConfig(url), rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("one")))
	require.NoError(t, tr.Send(context.Background(), transport.TextPayload("two")))
	require.Eventually(t, func() bool {
		evs, _ := rec.snapshot()
		return len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	evs, errs := rec.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, transport.EventTurnComplete, evs[0].Kind)
	assert.Equal(t, "fine", evs[1].Text)
}

func TestUnsupportedAndClosedSends(t *testing.T) {
	_, url := newFakeAPI(t, func(w http.ResponseWriter, n int) { writeSSE(w) })
	tr, err := Opener{}.Open(context.Background(), testConfig(url), (&recorder{}).callbacks())
	require.NoError(t, err)

	err = tr.Send(context.Background(), transport.AudioPayload([]byte{0, 1}))
	assert.True(t, errors.Is(err, transport.ErrUnsupported))
	assert.NoError(t, tr.Send(context.Background(), transport.KeepalivePayload()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), transport.TextPayload("late")), transport.ErrClosed)
}

func TestRequestIncludesWebSearchTool(t *testing.T) {
	c := &conn{cfg: transport.Config{Model: "m", WebSearch: true}}
	req := c.request(nil, "")
	tools, ok := req["tools"].([]any)
	require.True(t, ok)
	assert.Equal(t, "web_search", tools[0].(map[string]any)["name"])
	_, hasSystem := req["system"]
	assert.False(t, hasSystem)
}

func TestReadEventsRequiresStop(t *testing.T) {
	err := readEvents(strings.NewReader("event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"), func(streamEvent) error { return nil })
	require.Error(t, err)
}
