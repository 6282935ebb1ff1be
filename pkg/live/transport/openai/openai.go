// Package openai implements the live transport on the OpenAI Realtime API.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"

	// Realtime pcm16 input is 24kHz mono.
	RealtimeSampleRate = 24000

	writeTimeout = 5 * time.Second
)

type Opener struct {
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  zerolog.Logger
}

type conn struct {
	ws  *websocket.Conn
	cb  transport.Callbacks
	log zerolog.Logger

	// instructions is the system prompt the session was opened with.
	instructions string

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once

	// sawDelta tracks transcription items that streamed deltas, so the
	// completed event does not repeat them. Only touched by readLoop.
	sawDelta map[string]bool
}

type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o Opener) Open(ctx context.Context, cfg transport.Config, cb transport.Callbacks) (transport.Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	wsURL, err := buildURL(firstNonEmpty(cfg.BaseURL, o.BaseURL), firstNonEmpty(cfg.Model, DefaultModel))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("openai realtime: unauthorized (status %d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("openai realtime dial: %w", err)
	}
	log := o.Logger.With().Str("provider", "openai").Logger()
	if cfg.SampleRate > 0 && cfg.SampleRate != RealtimeSampleRate {
		log.Warn().Int("sample_rate", cfg.SampleRate).Msg("openai realtime expects 24kHz pcm16 input")
	}
	if cfg.WebSearch {
		log.Debug().Msg("web search is not available on the realtime api, ignoring")
	}
	c := &conn{
		ws:           ws,
		cb:           cb,
		log:          log,
		instructions: cfg.SystemPrompt,
		closed:       make(chan struct{}),
		sawDelta:     make(map[string]bool),
	}
	if err := c.writeJSON(ctx, sessionUpdate(cfg)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("openai session.update: %w", err)
	}
	if err := c.awaitSession(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	cb.Open()
	go c.readLoop()
	return c, nil
}

func sessionUpdate(cfg transport.Config) map[string]any {
	transcription := map[string]any{"model": "whisper-1"}
	if lang := isoLanguage(cfg.Language); lang != "" {
		transcription["language"] = lang
	}
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":                []string{"text"},
			"instructions":              cfg.SystemPrompt,
			"input_audio_format":        "pcm16",
			"input_audio_transcription": transcription,
			"turn_detection":            map[string]any{"type": "server_vad"},
		},
	}
}

// awaitSession reads until the server confirms the session or reports an
// error.
func (c *conn) awaitSession(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("openai session setup: %s", describeReadError(err))
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "session.created", "session.updated":
			return nil
		case "error":
			return fmt.Errorf("openai session setup: %s", describeServerError(ev))
		}
	}
}

func (c *conn) Send(ctx context.Context, p transport.Payload) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	switch p.Kind {
	case transport.PayloadText:
		if err := c.writeJSON(ctx, map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "message",
				"role":    "user",
				"content": []any{map[string]any{"type": "input_text", "text": p.Text}},
			},
		}); err != nil {
			return err
		}
		return c.writeJSON(ctx, map[string]any{"type": "response.create"})
	case transport.PayloadAudio:
		return c.writeJSON(ctx, map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(p.Data),
		})
	case transport.PayloadImage:
		mime := p.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return c.writeJSON(ctx, map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{map[string]any{
					"type":      "input_image",
					"image_url": "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
				}},
			},
		})
	case transport.PayloadDirective:
		return c.writeJSON(ctx, map[string]any{
			"type": "session.update",
			"session": map[string]any{
				"instructions": transport.AmendInstructions(c.instructions, p.Text),
			},
		})
	case transport.PayloadKeepalive:
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx))
	default:
		return fmt.Errorf("%w: %s", transport.ErrUnsupported, p.Kind)
	}
}

func (c *conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(writeDeadline(ctx))
	return c.ws.WriteJSON(payload)
}

func writeDeadline(ctx context.Context) time.Time {
	if ctx != nil {
		if deadline, ok := ctx.Deadline(); ok {
			return deadline
		}
	}
	return time.Now().Add(writeTimeout)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.cb.Close(describeReadError(err))
			} else {
				c.cb.Error(fmt.Errorf("openai receive: %w", err))
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug().Err(err).Msg("openai realtime: undecodable event")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *conn) dispatch(ev serverEvent) {
	switch ev.Type {
	case "conversation.item.input_audio_transcription.delta":
		if ev.Delta == "" {
			return
		}
		c.sawDelta[ev.ItemID] = true
		c.cb.Message(transport.Event{Kind: transport.EventTranscription, Text: ev.Delta})
	case "conversation.item.input_audio_transcription.completed":
		if c.sawDelta[ev.ItemID] {
			delete(c.sawDelta, ev.ItemID)
			return
		}
		if ev.Transcript != "" {
			c.cb.Message(transport.Event{Kind: transport.EventTranscription, Text: ev.Transcript})
		}
	case "response.text.delta", "response.output_text.delta",
		"response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if ev.Delta != "" {
			c.cb.Message(transport.Event{Kind: transport.EventAnswerText, Text: ev.Delta})
		}
	case "response.done":
		c.cb.Message(transport.Event{Kind: transport.EventTurnComplete})
	case "error":
		msg := describeServerError(ev)
		if fatalServerError(ev) {
			c.cb.Error(fmt.Errorf("openai realtime: %s", msg))
			return
		}
		c.log.Warn().Str("error", msg).Msg("openai realtime error event")
	}
}

func fatalServerError(ev serverEvent) bool {
	if ev.Error == nil {
		return false
	}
	switch ev.Error.Code {
	case "invalid_api_key", "session_expired", "insufficient_quota":
		return true
	}
	return ev.Error.Type == "authentication_error"
}

func describeServerError(ev serverEvent) string {
	if ev.Error == nil {
		return "unknown error"
	}
	parts := make([]string, 0, 2)
	if ev.Error.Message != "" {
		parts = append(parts, ev.Error.Message)
	}
	if ev.Error.Code != "" {
		parts = append(parts, "code="+ev.Error.Code)
	}
	if len(parts) == 0 {
		return ev.Error.Type
	}
	return strings.Join(parts, " ")
}

func describeReadError(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if text := strings.TrimSpace(closeErr.Text); text != "" {
			return text
		}
		return fmt.Sprintf("websocket closed with code %d", closeErr.Code)
	}
	return err.Error()
}

func buildURL(base, model string) (string, error) {
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid openai realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/realtime"
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isoLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
