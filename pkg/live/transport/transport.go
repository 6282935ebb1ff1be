// Package transport defines the provider-neutral streaming connection used by
// the live session controller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HeartbeatSentinel is the keepalive text some backends echo back. It is never
// surfaced as answer text.
const HeartbeatSentinel = "[ping]"

var (
	ErrUnsupported = errors.New("transport: payload not supported by provider")
	ErrClosed      = errors.New("transport: connection closed")
)

type ProviderKind string

const (
	ProviderGemini ProviderKind = "gemini"
	ProviderOpenAI ProviderKind = "openai"
	ProviderClaude ProviderKind = "claude"
)

func ParseProviderKind(raw string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gemini", "google":
		return ProviderGemini, nil
	case "openai":
		return ProviderOpenAI, nil
	case "claude", "anthropic":
		return ProviderClaude, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", raw)
	}
}

// Config is the per-connection setup handed to a provider variant.
type Config struct {
	Provider     ProviderKind
	APIKey       string
	Model        string
	SystemPrompt string
	Language     string
	WebSearch    bool
	// SampleRate of PCM16 audio chunks passed to Send.
	SampleRate int
	// BaseURL overrides the provider endpoint (tests, proxies).
	BaseURL string
}

type PayloadKind string

const (
	PayloadText      PayloadKind = "text"
	PayloadAudio     PayloadKind = "audio"
	PayloadImage     PayloadKind = "image"
	PayloadKeepalive PayloadKind = "keepalive"
	// PayloadDirective amends the backend instructions for the rest of the
	// session. It never asks the model for a reply.
	PayloadDirective PayloadKind = "directive"
)

type Payload struct {
	Kind     PayloadKind
	Text     string
	Data     []byte
	MIMEType string
}

func TextPayload(text string) Payload { return Payload{Kind: PayloadText, Text: text} }

func AudioPayload(pcm []byte) Payload { return Payload{Kind: PayloadAudio, Data: pcm} }

func ImagePayload(data []byte, mimeType string) Payload {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/jpeg"
	}
	return Payload{Kind: PayloadImage, Data: data, MIMEType: mimeType}
}

func KeepalivePayload() Payload { return Payload{Kind: PayloadKeepalive} }

func DirectivePayload(text string) Payload { return Payload{Kind: PayloadDirective, Text: text} }

// AmendInstructions appends a directive to the base system prompt. Only the
// latest directive is kept, so callers always pass the original base.
func AmendInstructions(base, directive string) string {
	base, directive = strings.TrimSpace(base), strings.TrimSpace(directive)
	switch {
	case directive == "":
		return base
	case base == "":
		return directive
	}
	return base + "\n\n" + directive
}

type EventKind string

const (
	EventAnswerText    EventKind = "answer_text"
	EventTranscription EventKind = "transcription"
	EventTurnComplete  EventKind = "turn_complete"
	EventInterrupted   EventKind = "interrupted"
)

// Event is a decoded inbound message from the backend.
type Event struct {
	Kind EventKind
	Text string
	At   time.Time
}

// Callbacks receive connection lifecycle notifications. They may be invoked
// from any goroutine and in any order relative to Send and Close.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Event)
	OnError   func(error)
	OnClose   func(reason string)
}

func (c Callbacks) Open() {
	if c.OnOpen != nil {
		c.OnOpen()
	}
}

func (c Callbacks) Message(ev Event) {
	if c.OnMessage != nil {
		c.OnMessage(ev)
	}
}

func (c Callbacks) Error(err error) {
	if c.OnError != nil && err != nil {
		c.OnError(err)
	}
}

func (c Callbacks) Close(reason string) {
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}

// Transport is one open streaming connection. Send must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, p Payload) error
	Close() error
}

// Opener establishes a connection. Open returns once the backend has
// acknowledged setup; OnOpen fires before Open returns successfully.
type Opener interface {
	Open(ctx context.Context, cfg Config, cb Callbacks) (Transport, error)
}

type OpenerFunc func(ctx context.Context, cfg Config, cb Callbacks) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, cfg Config, cb Callbacks) (Transport, error) {
	return f(ctx, cfg, cb)
}
