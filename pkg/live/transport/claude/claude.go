// Package claude implements the live transport on the Anthropic Messages API.
// Claude has no bidirectional socket, so each text send becomes one streamed
// request over a locally kept message history.
package claude

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-sonnet-4-20250514"
	APIVersion     = "2023-06-01"

	defaultMaxTokens = 1024
	maxHistory       = 20
	queueSize        = 16
)

type Opener struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type conn struct {
	cfg     transport.Config
	baseURL string
	client  *http.Client
	cb      transport.Callbacks
	log     zerolog.Logger

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	images    []contentBlock
	history   []message
	directive string
	closed    bool
}

func (o Opener) Open(ctx context.Context, cfg transport.Config, cb transport.Callbacks) (transport.Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(firstNonEmpty(cfg.BaseURL, o.BaseURL, DefaultBaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	c := &conn{
		cfg:     cfg,
		baseURL: base,
		client:  client,
		cb:      cb,
		log:     o.Logger.With().Str("provider", "claude").Logger(),
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	if err := c.verifyKey(ctx); err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	cb.Open()
	go c.worker()
	return c, nil
}

// verifyKey lists models so a rejected credential fails Open.
func (c *conn) verifyKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models?limit=1", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, false)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return parseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *conn) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", APIVersion)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (c *conn) Send(ctx context.Context, p transport.Payload) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	switch p.Kind {
	case transport.PayloadText:
		select {
		case c.queue <- p.Text:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return transport.ErrClosed
		}
	case transport.PayloadImage:
		mime := p.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		c.mu.Lock()
		// Only the most recent frame is useful context.
		c.images = []contentBlock{{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: mime, Data: base64.StdEncoding.EncodeToString(p.Data)},
		}}
		c.mu.Unlock()
		return nil
	case transport.PayloadDirective:
		c.mu.Lock()
		c.directive = p.Text
		c.mu.Unlock()
		return nil
	case transport.PayloadKeepalive:
		return nil
	default:
		return fmt.Errorf("%w: claude does not accept %s", transport.ErrUnsupported, p.Kind)
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	<-c.done
	return nil
}

func (c *conn) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case text := <-c.queue:
			if err := c.exchange(text); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.cb.Error(err)
				return
			}
		}
	}
}

// exchange streams one reply. A returned error ends the connection; request
// level rejections are logged and close the turn.
func (c *conn) exchange(text string) error {
	c.mu.Lock()
	content := append(c.images, contentBlock{Type: "text", Text: text})
	c.images = nil
	c.history = append(c.history, message{Role: "user", Content: content})
	msgs := append([]message(nil), c.history...)
	directive := c.directive
	c.mu.Unlock()

	body, err := json.Marshal(c.request(msgs, directive))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, true)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := parseError(resp)
		if fatalStatus(resp.StatusCode) {
			return apiErr
		}
		c.log.Warn().Err(apiErr).Msg("claude request rejected")
		c.dropLastUser()
		c.cb.Message(transport.Event{Kind: transport.EventTurnComplete})
		return nil
	}

	var answer strings.Builder
	err = readEvents(resp.Body, func(ev streamEvent) error {
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				answer.WriteString(ev.Delta.Text)
				c.cb.Message(transport.Event{Kind: transport.EventAnswerText, Text: ev.Delta.Text})
			}
		case "error":
			return fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if answer.Len() > 0 {
		c.history = append(c.history, message{Role: "assistant", Content: []contentBlock{{Type: "text", Text: answer.String()}}})
	} else {
		c.history = c.history[:len(c.history)-1]
	}
	if over := len(c.history) - maxHistory; over > 0 {
		c.history = append([]message(nil), c.history[over:]...)
		// The API requires the first message to be from the user.
		for len(c.history) > 0 && c.history[0].Role != "user" {
			c.history = c.history[1:]
		}
	}
	c.mu.Unlock()
	c.cb.Message(transport.Event{Kind: transport.EventTurnComplete})
	return nil
}

func (c *conn) dropLastUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.history); n > 0 && c.history[n-1].Role == "user" {
		c.history = c.history[:n-1]
	}
}

func (c *conn) request(msgs []message, directive string) map[string]any {
	req := map[string]any{
		"model":      c.cfg.Model,
		"max_tokens": defaultMaxTokens,
		"stream":     true,
		"messages":   msgs,
	}
	if prompt := transport.AmendInstructions(c.cfg.SystemPrompt, directive); prompt != "" {
		req["system"] = prompt
	}
	if c.cfg.WebSearch {
		req["tools"] = []any{map[string]any{
			"type":     "web_search_20250305",
			"name":     "web_search",
			"max_uses": 3,
		}}
	}
	return req
}

func fatalStatus(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic: %s: %s (status %d)", e.Type, e.Message, e.Status)
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	out := &apiError{Status: resp.StatusCode, Type: "api_error", Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Type != "" {
		out.Type = payload.Error.Type
		out.Message = payload.Error.Message
	}
	if resp.StatusCode == http.StatusUnauthorized && out.Type == "api_error" {
		out.Type = "authentication_error"
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
