// Package gemini implements the live transport on the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

const (
	DefaultModel      = "gemini-2.0-flash-live-001"
	DefaultAPIVersion = "v1beta"
)

// keepaliveSamples is 20ms of silence at 16kHz, PCM16 mono.
const keepaliveSamples = 320

// Opener connects to Gemini Live. BaseURL and APIVersion override the
// defaults; cfg.BaseURL takes precedence over BaseURL.
type Opener struct {
	BaseURL    string
	APIVersion string
	Logger     zerolog.Logger
}

type conn struct {
	sess *genai.Session
	cb   transport.Callbacks
	log  zerolog.Logger
	rate int

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (o Opener) Open(ctx context.Context, cfg transport.Config, cb transport.Callbacks) (transport.Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	httpOpts := genai.HTTPOptions{APIVersion: o.APIVersion}
	if httpOpts.APIVersion == "" {
		httpOpts.APIVersion = DefaultAPIVersion
	}
	if base := firstNonEmpty(cfg.BaseURL, o.BaseURL); base != "" {
		httpOpts.BaseURL = base
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := firstNonEmpty(cfg.Model, DefaultModel)
	sess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	c := &conn{
		sess:   sess,
		cb:     cb,
		log:    o.Logger.With().Str("provider", "gemini").Logger(),
		rate:   cfg.SampleRate,
		closed: make(chan struct{}),
	}
	if c.rate <= 0 {
		c.rate = 16000
	}
	if err := c.awaitSetup(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	cb.Open()
	go c.readLoop()
	return c, nil
}

func connectConfig(cfg transport.Config) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityText},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		out.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	if cfg.WebSearch {
		out.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if lang := strings.TrimSpace(cfg.Language); lang != "" {
		out.SpeechConfig = &genai.SpeechConfig{LanguageCode: lang}
	}
	return out
}

// awaitSetup blocks until the server acknowledges the setup message, so a
// rejected credential surfaces from Open rather than as a later close.
func (c *conn) awaitSetup(ctx context.Context) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	results := make(chan result, 1)
	go func() {
		for {
			msg, err := c.sess.Receive()
			if err != nil || msg == nil || msg.SetupComplete != nil {
				results <- result{msg: msg, err: err}
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
		_ = c.sess.Close()
		<-results
		return fmt.Errorf("gemini setup: %w", ctx.Err())
	case r := <-results:
		if r.err != nil {
			return fmt.Errorf("gemini setup: %s", describeReadError(r.err))
		}
		if r.msg == nil {
			return fmt.Errorf("gemini setup: empty server message")
		}
		return nil
	}
}

func (c *conn) Send(ctx context.Context, p transport.Payload) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch p.Kind {
	case transport.PayloadText:
		return c.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(p.Text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	case transport.PayloadDirective:
		// An open turn adds the directive to context without starting generation.
		return c.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(p.Text, genai.RoleUser)},
			TurnComplete: genai.Ptr(false),
		})
	case transport.PayloadAudio:
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: p.Data, MIMEType: c.audioMIME()},
		})
	case transport.PayloadImage:
		mime := p.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{Data: p.Data, MIMEType: mime},
		})
	case transport.PayloadKeepalive:
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: make([]byte, keepaliveSamples*2), MIMEType: c.audioMIME()},
		})
	default:
		return fmt.Errorf("%w: %s", transport.ErrUnsupported, p.Kind)
	}
}

func (c *conn) audioMIME() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.rate)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.sess.Close()
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
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.cb.Close(describeReadError(err))
			} else {
				c.cb.Error(fmt.Errorf("gemini receive: %w", err))
			}
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			c.log.Info().Msg("gemini server sent go_away")
		}
		for _, ev := range mapServerMessage(msg) {
			c.cb.Message(ev)
		}
	}
}

// mapServerMessage converts one server message into transport events in the
// order a client should observe them.
func mapServerMessage(msg *genai.LiveServerMessage) []transport.Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var out []transport.Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, transport.Event{Kind: transport.EventTranscription, Text: sc.InputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, transport.Event{Kind: transport.EventInterrupted})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.Thought || part.Text == "" {
				continue
			}
			out = append(out, transport.Event{Kind: transport.EventAnswerText, Text: part.Text})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, transport.Event{Kind: transport.EventAnswerText, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		out = append(out, transport.Event{Kind: transport.EventTurnComplete})
	}
	return out
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
