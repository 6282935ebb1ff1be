package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
	errs   []error
	closes []string
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
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
		OnClose: func(reason string) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newRealtimeServer(t *testing.T, script func(conn *websocket.Conn, got chan<- map[string]any)) (string, <-chan map[string]any, <-chan http.Header) {
	t.Helper()
	got := make(chan map[string]any, 32)
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		select {
		case headers <- r.Header.Clone():
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, got)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime", got, headers
}

func readAll(conn *websocket.Conn, got chan<- map[string]any) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			got <- msg
		}
	}
}

func next(t *testing.T, got <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case msg := <-got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client message")
		return nil
	}
}

func TestOpen_SessionSetupAndEventMapping(t *testing.T) {
	base, got, headers := newRealtimeServer(t, func(conn *websocket.Conn, got chan<- map[string]any) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var update map[string]any
		_ = json.Unmarshal(data, &update)
		got <- update
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.delta", "item_id": "i1", "delta": "What is"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "i1", "transcript": "What is"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "i2", "transcript": "Second"})
		_ = conn.WriteJSON(map[string]any{"type": "response.text.delta", "delta": "Hel"})
		_ = conn.WriteJSON(map[string]any{"type": "response.output_text.delta", "delta": "lo"})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "ignored"}})
		_ = conn.WriteJSON(map[string]any{"type": "response.done"})
		readAll(conn, got)
	})

	var rec recorder
	tr, err := Opener{}.Open(context.Background(), transport.Config{
		Provider:     transport.ProviderOpenAI,
		APIKey:       "sk-test",
		Model:        "gpt-test",
		SystemPrompt: "be brief",
		Language:     "en-US",
		BaseURL:      base,
	}, rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	h := <-headers
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "realtime=v1", h.Get("OpenAI-Beta"))

	update := next(t, got)
	assert.Equal(t, "session.update", update["type"])
	session := update["session"].(map[string]any)
	assert.Equal(t, "be brief", session["instructions"])
	assert.Equal(t, "en", session["input_audio_transcription"].(map[string]any)["language"])

	require.Eventually(t, func() bool { return rec.eventCount() == 5 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	events := append([]transport.Event(nil), rec.events...)
	errs := len(rec.errs)
	rec.mu.Unlock()
	assert.Equal(t, []transport.Event{
		{Kind: transport.EventTranscription, Text: "What is"},
		{Kind: transport.EventTranscription, Text: "Second"},
		{Kind: transport.EventAnswerText, Text: "Hel"},
		{Kind: transport.EventAnswerText, Text: "lo"},
		{Kind: transport.EventTurnComplete},
	}, events)
	assert.Zero(t, errs, "non-fatal error events are only logged")

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, transport.TextPayload("hi")))
	assert.Equal(t, "conversation.item.create", next(t, got)["type"])
	assert.Equal(t, "response.create", next(t, got)["type"])

	require.NoError(t, tr.Send(ctx, transport.AudioPayload([]byte{1, 2, 3})))
	audio := next(t, got)
	assert.Equal(t, "input_audio_buffer.append", audio["type"])
	assert.Equal(t, "AQID", audio["audio"])

	require.NoError(t, tr.Send(ctx, transport.ImagePayload([]byte{1, 2, 3}, "")))
	img := next(t, got)
	content := img["item"].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "data:image/jpeg;base64,AQID", content["image_url"])

	require.NoError(t, tr.Send(ctx, transport.KeepalivePayload()))
}

func TestSend_DirectiveUpdatesInstructionsWithoutResponse(t *testing.T) {
	base, got, _ := newRealtimeServer(t, func(conn *websocket.Conn, got chan<- map[string]any) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		readAll(conn, got)
	})

	var rec recorder
	tr, err := Opener{}.Open(context.Background(), transport.Config{
		APIKey:       "sk-test",
		SystemPrompt: "be brief",
		BaseURL:      base,
	}, rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, transport.DirectivePayload("answer in detail")))
	require.NoError(t, tr.Send(ctx, transport.DirectivePayload("keep it short")))
	require.NoError(t, tr.Send(ctx, transport.AudioPayload([]byte{1})))

	first := next(t, got)
	assert.Equal(t, "session.update", first["type"])
	assert.Equal(t, "be brief\n\nanswer in detail", first["session"].(map[string]any)["instructions"])
	second := next(t, got)
	assert.Equal(t, "session.update", second["type"])
	assert.Equal(t, "be brief\n\nkeep it short", second["session"].(map[string]any)["instructions"],
		"directives replace each other instead of stacking")
	assert.Equal(t, "input_audio_buffer.append", next(t, got)["type"], "no response.create after a directive")
}

func TestOpen_UnauthorizedDial(t *testing.T) {
	base, _, _ := newRealtimeServer(t, func(*websocket.Conn, chan<- map[string]any) {})
	_, err := Opener{}.Open(context.Background(), transport.Config{APIKey: "bad-key", BaseURL: base}, transport.Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestOpen_SetupErrorEvent(t *testing.T) {
	base, _, _ := newRealtimeServer(t, func(conn *websocket.Conn, _ chan<- map[string]any) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"code": "invalid_api_key", "message": "Incorrect API key provided"}})
		time.Sleep(50 * time.Millisecond)
	})
	_, err := Opener{}.Open(context.Background(), transport.Config{APIKey: "sk-x", BaseURL: base}, transport.Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect API key")
}

func TestReadLoop_FatalErrorAndClose(t *testing.T) {
	base, _, _ := newRealtimeServer(t, func(conn *websocket.Conn, _ chan<- map[string]any) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"code": "session_expired", "message": "expired"}})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
	})
	var rec recorder
	tr, err := Opener{}.Open(context.Background(), transport.Config{APIKey: "sk-x", BaseURL: base}, rec.callbacks())
	require.NoError(t, err)
	defer tr.Close()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) == 1 && len(rec.closes) == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.errs[0].Error(), "expired")
	assert.Equal(t, "bye", rec.closes[0])
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("", "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-x", got)

	got, err = buildURL("https://proxy.local", "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "wss://proxy.local/v1/realtime?model=gpt-x", got)

	got, err = buildURL("ws://127.0.0.1:9/v1/realtime?model=pinned", "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9/v1/realtime?model=pinned", got)
}

func TestIsoLanguage(t *testing.T) {
	assert.Equal(t, "en", isoLanguage("en-US"))
	assert.Equal(t, "pt", isoLanguage("pt_BR"))
	assert.Equal(t, "", isoLanguage(" "))
}
