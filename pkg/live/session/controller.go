// Package session implements the live session controller: one streaming
// connection to a generative backend, turn assembly, heartbeat and bounded
// reconnection with history replay.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

// ErrSessionClosed is returned by Initialize when Close ran while the
// connection was being opened.
var ErrSessionClosed = errors.New("session: closed during initialize")

// ConfigSaver persists a configuration after a successful Initialize.
type ConfigSaver interface {
	SaveConfig(ctx context.Context, cfg Config) error
}

type Dependencies struct {
	Transports transport.Opener
	Sink       protocol.Sink
	Saver      ConfigSaver
	Logger     zerolog.Logger
	Tuning     Tuning

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Controller owns the session state machine. All state is guarded by mu;
// sink events are emitted while mu is held so they are observed in order.
type Controller struct {
	transports transport.Opener
	sink       protocol.Sink
	saver      ConfigSaver
	log        zerolog.Logger
	tuning     Tuning
	now        func() time.Time
	newID      func() string

	heartbeat   *HeartbeatMonitor
	reconnector *Reconnector

	mu            sync.Mutex
	state         State
	busy          bool
	cfg           Config
	hasCfg        bool
	gen           uint64
	conn          *connection
	everConnected bool
	answer        MessageAssembler
	utterance     *TranscriptionAggregator
	history       *ConversationHistory

	reconnectCancel   context.CancelFunc
	reconnectDone     chan struct{}
	reconnectAttempts int
}

func NewController(deps Dependencies) (*Controller, error) {
	if deps.Transports == nil {
		return nil, fmt.Errorf("transport opener is required")
	}
	tuning := deps.Tuning.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	sink := deps.Sink
	if sink == nil {
		sink = protocol.SinkFunc(func(protocol.Event) {})
	}
	c := &Controller{
		transports:  deps.Transports,
		sink:        sink,
		saver:       deps.Saver,
		log:         deps.Logger,
		tuning:      tuning,
		now:         now,
		newID:       newID,
		heartbeat:   NewHeartbeatMonitor(tuning.HeartbeatInterval, now),
		reconnector: NewReconnector(tuning.ReconnectMaxAttempts, tuning.ReconnectDelay, deps.Sleep),
		state:       StateIdle,
		utterance:   NewTranscriptionAggregator(tuning.TurnWindow),
		history:     NewConversationHistory(tuning.HistoryLimit),
	}
	metrics.SetState(c.state.String())
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the staged configuration and whether one has been set.
func (c *Controller) Config() (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.hasCfg
}

func (c *Controller) History() []protocol.ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Snapshot()
}

func (c *Controller) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// Initialize opens a new connection with cfg, replacing any open one. It is
// rejected with ErrInitInProgress while another open or a reconnection loop
// is running.
func (c *Controller) Initialize(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// A rejected config leaves the current session untouched.
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	c.mu.Lock()
	if c.busy || c.state == StateInitializing || c.state == StateReconnecting {
		c.mu.Unlock()
		return ErrInitInProgress
	}
	td := c.teardownLocked()
	c.answer.Reset()
	c.utterance.Complete()
	c.busy = true
	c.cfg = cfg
	c.hasCfg = true
	c.setStateLocked(StateInitializing)
	c.emitLocked(protocol.StatusEvent{Status: protocol.StatusInitializing})
	c.mu.Unlock()
	td.finish(true)

	err := c.connect(ctx, cfg, StateInitializing)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		if errors.Is(err, errStaleGeneration) {
			c.mu.Unlock()
			return ErrSessionClosed
		}
		c.setStateLocked(StateError)
		c.emitLocked(protocol.StatusEvent{Status: protocol.StatusError, Error: statusMessage(err)})
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("provider", string(cfg.Provider)).Msg("live session initialize failed")
		return err
	}
	c.mu.Unlock()

	if c.saver != nil {
		if saveErr := c.saver.SaveConfig(ctx, cfg); saveErr != nil {
			c.log.Warn().Err(saveErr).Msg("persist session config failed")
		}
	}
	return nil
}

// SendText starts a new turn from typed text. The text is prefixed with the
// current reply-length rule.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	c.mu.Lock()
	cn, err := c.activeLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.utterance.StartTurn(text, c.now())
	c.answer.Reset()
	verbosity := c.cfg.Verbosity
	c.mu.Unlock()

	return c.send(ctx, cn, "send_text", transport.TextPayload(prompts.WithVerbosity(verbosity, text)))
}

// SendAudio forwards a PCM16LE mono chunk. Audio is never buffered.
func (c *Controller) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	cn, err := c.activeLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	return c.send(ctx, cn, "send_audio", transport.AudioPayload(chunk))
}

// SendImage forwards a JPEG frame. Support depends on the provider.
func (c *Controller) SendImage(ctx context.Context, jpeg []byte) error {
	c.mu.Lock()
	cn, err := c.activeLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(jpeg) == 0 {
		return nil
	}
	return c.send(ctx, cn, "send_image", transport.ImagePayload(jpeg, "image/jpeg"))
}

// SetVerbosity stages the reply length for future connections and, when
// connected, tells the backend about the change in-band.
func (c *Controller) SetVerbosity(ctx context.Context, level prompts.Verbosity) error {
	v, err := prompts.ParseVerbosity(string(level))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVerbosity, err)
	}
	c.mu.Lock()
	c.cfg.Verbosity = v
	cn, activeErr := c.activeLocked()
	c.mu.Unlock()
	if activeErr != nil {
		return nil
	}
	return c.send(ctx, cn, "set_verbosity", transport.DirectivePayload(prompts.VerbosityDirective(v)))
}

// Close stops the heartbeat and any reconnection loop, closes the transport
// and waits for background goroutines to exit. History is kept.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.gen++
	td := c.teardownLocked()
	reconnectDone := c.cancelReconnectLocked()
	c.answer.Reset()
	c.utterance.Complete()
	if c.state != StateClosed {
		c.setStateLocked(StateClosed)
		c.emitLocked(protocol.StatusEvent{Status: protocol.StatusClosed})
	}
	c.mu.Unlock()

	err := td.finish(true)
	if reconnectDone != nil {
		<-reconnectDone
	}
	return err
}

func (c *Controller) activeLocked() (*connection, error) {
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Controller) send(ctx context.Context, cn *connection, op string, p transport.Payload) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cn.t.Send(ctx, p); err != nil {
		if errors.Is(err, transport.ErrUnsupported) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// connect opens a transport for cfg and installs it when the controller is
// still in want state for the same generation.
func (c *Controller) connect(ctx context.Context, cfg Config, want State) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	cn := newConnection(gen)
	c.mu.Unlock()

	log := c.log.With().Str("provider", string(cfg.Provider)).Uint64("gen", gen).Logger()

	openCtx, cancel := context.WithTimeout(ctx, c.tuning.OpenTimeout)
	t, err := c.transports.Open(openCtx, cfg.transportConfig(), c.callbacks(cn))
	cancel()

	c.mu.Lock()
	if c.gen != gen || c.state != want {
		c.mu.Unlock()
		cn.shutdown()
		if t != nil {
			_ = t.Close()
		}
		return errStaleGeneration
	}
	if err != nil {
		c.mu.Unlock()
		cn.shutdown()
		err = classifyFailure("open", err)
		result := "error"
		if IsAuthError(err) {
			result = "auth_error"
		}
		metrics.RecordConnect(string(cfg.Provider), result)
		log.Debug().Err(err).Msg("transport open failed")
		return err
	}
	if t == nil {
		c.mu.Unlock()
		cn.shutdown()
		return &TransportError{Op: "open", Err: fmt.Errorf("provider returned no transport")}
	}

	cn.t = t
	c.conn = cn
	c.everConnected = true
	c.reconnectAttempts = 0
	c.setStateLocked(StateConnected)

	var replay string
	if want == StateReconnecting {
		replay = c.replayMessageLocked()
	}
	c.emitLocked(protocol.StatusEvent{Status: protocol.StatusConnected})
	c.mu.Unlock()

	metrics.RecordConnect(string(cfg.Provider), "ok")
	log.Info().Msg("live session connected")

	if replay != "" {
		if err := t.Send(ctx, transport.TextPayload(replay)); err != nil {
			replayErr := &ReplayError{Err: err}
			log.Warn().Err(replayErr).Msg("history replay failed")
		}
	}

	c.mu.Lock()
	if c.conn == cn {
		cn.draining = true
		c.heartbeat.Start(c.keepalive(cn), func(err error) {
			cn.push(connEvent{kind: connEventHeartbeatFailed, err: err})
		})
		go c.drain(cn)
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) callbacks(cn *connection) transport.Callbacks {
	return transport.Callbacks{
		OnOpen: func() {
			cn.push(connEvent{kind: connEventOpened})
		},
		OnMessage: func(ev transport.Event) {
			cn.push(connEvent{kind: connEventMessage, msg: ev})
		},
		OnError: func(err error) {
			cn.push(connEvent{kind: connEventError, err: err})
		},
		OnClose: func(reason string) {
			cn.push(connEvent{kind: connEventClosed, reason: reason})
		},
	}
}

func (c *Controller) keepalive(cn *connection) func() error {
	return func() error {
		c.mu.Lock()
		current := c.conn == cn && c.state == StateConnected
		c.mu.Unlock()
		if !current {
			return errStaleGeneration
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.tuning.HeartbeatInterval)
		defer cancel()
		err := cn.t.Send(ctx, transport.KeepalivePayload())
		metrics.RecordHeartbeat(err == nil)
		return err
	}
}

func (c *Controller) drain(cn *connection) {
	defer close(cn.done)
	for {
		select {
		case <-cn.stop:
			return
		case ev := <-cn.events:
			c.handle(cn, ev)
		}
	}
}

func (c *Controller) handle(cn *connection, ev connEvent) {
	c.mu.Lock()
	if c.conn != cn || c.gen != cn.gen {
		c.mu.Unlock()
		return
	}
	var td *teardown
	switch ev.kind {
	case connEventOpened:
		c.heartbeat.Touch()
	case connEventMessage:
		c.heartbeat.Touch()
		c.handleMessageLocked(ev.msg)
	case connEventError:
		if ev.err == nil {
			break
		}
		if IsAuthError(ev.err) {
			td = c.failAuthLocked(ev.err.Error())
		} else {
			td = c.lostConnectionLocked(ev.err.Error())
		}
	case connEventClosed:
		if IsAuthFailure(ev.reason) {
			td = c.failAuthLocked(ev.reason)
		} else {
			td = c.lostConnectionLocked(ev.reason)
		}
	case connEventHeartbeatFailed:
		reason := "keepalive failed"
		if ev.err != nil {
			reason = "keepalive failed: " + ev.err.Error()
		}
		td = c.lostConnectionLocked(reason)
	}
	c.mu.Unlock()
	// The drain goroutine is the caller, so it cannot wait for itself.
	td.finish(false)
}

func (c *Controller) handleMessageLocked(ev transport.Event) {
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}
	switch ev.Kind {
	case transport.EventAnswerText:
		cumulative, ok := c.answer.Fragment(ev.Text)
		if !ok {
			return
		}
		metrics.RecordFragment("answer")
		c.emitLocked(protocol.ResponseEvent{Text: ev.Text})
		c.emitLocked(protocol.ResponseEvent{Cumulative: cumulative})
	case transport.EventTranscription:
		text, isNewTurn, ok := c.utterance.Fragment(ev.Text, at)
		if !ok {
			return
		}
		metrics.RecordFragment("transcription")
		c.emitLocked(protocol.TranscriptionEvent{Text: text, IsNewTurn: isNewTurn})
	case transport.EventTurnComplete:
		c.completeTurnLocked()
	case transport.EventInterrupted:
		c.answer.Reset()
	}
}

func (c *Controller) completeTurnLocked() {
	answer := strings.TrimSpace(c.answer.Reset())
	question := c.utterance.Complete()
	if answer != "" && question != "" {
		turn := protocol.ConversationTurn{
			ID:        c.newID(),
			Timestamp: c.now(),
			UserText:  question,
			AIText:    answer,
		}
		c.history.Append(turn)
		metrics.RecordTurnSaved()
		c.emitLocked(protocol.ConversationTurnSavedEvent{Turn: turn, History: c.history.Snapshot()})
	}
	c.emitLocked(protocol.ResponseEvent{Done: true})
}

func (c *Controller) failAuthLocked(reason string) *teardown {
	c.gen++
	td := c.teardownLocked()
	c.cancelReconnectLocked()
	c.answer.Reset()
	c.setStateLocked(StateError)
	c.emitLocked(protocol.StatusEvent{Status: protocol.StatusError, Error: reason})
	c.log.Warn().Str("reason", reason).Msg("live session credential rejected")
	return td
}

// lostConnectionLocked starts the reconnection loop after an unexpected close
// of a connected session.
func (c *Controller) lostConnectionLocked(reason string) *teardown {
	if c.state != StateConnected || !c.everConnected || !c.hasCfg {
		return nil
	}
	c.gen++
	td := c.teardownLocked()
	c.answer.Reset()
	c.setStateLocked(StateReconnecting)
	c.log.Warn().Str("reason", reason).Msg("live session connection lost, reconnecting")
	c.startReconnectLocked()
	return td
}

func (c *Controller) startReconnectLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.reconnectCancel = cancel
	c.reconnectDone = done
	cfg := c.cfg

	go func() {
		defer close(done)
		outcome, err := c.reconnector.Run(ctx, func(ctx context.Context, n int) error {
			c.mu.Lock()
			if ctx.Err() != nil || c.state != StateReconnecting {
				c.mu.Unlock()
				return errStaleGeneration
			}
			c.reconnectAttempts = n
			// Pick up settings staged while disconnected.
			cfg.Verbosity = c.cfg.Verbosity
			c.mu.Unlock()

			metrics.RecordReconnectAttempt(string(cfg.Provider))
			c.log.Info().Int("attempt", n).Int("max_attempts", c.reconnector.MaxAttempts).Msg("live session reconnect attempt")
			return c.connect(ctx, cfg, StateReconnecting)
		})
		c.finishReconnect(ctx, done, outcome, err)
	}()
}

func (c *Controller) finishReconnect(ctx context.Context, done chan struct{}, outcome ReconnectOutcome, err error) {
	metrics.RecordReconnectOutcome(outcome.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectDone == done {
		c.reconnectCancel = nil
		c.reconnectDone = nil
	}
	if ctx.Err() != nil || c.state != StateReconnecting {
		return
	}
	switch outcome {
	case ReconnectExhausted:
		c.gen++
		c.setStateLocked(StateClosed)
		msg := fmt.Sprintf("reconnect failed after %d attempts", c.reconnectAttempts)
		if err != nil {
			msg += ": " + statusMessage(err)
		}
		c.emitLocked(protocol.StatusEvent{Status: protocol.StatusClosed, Error: msg})
		c.log.Warn().Err(err).Int("attempts", c.reconnectAttempts).Msg("live session reconnect exhausted")
	case ReconnectFatal:
		c.gen++
		c.setStateLocked(StateError)
		c.emitLocked(protocol.StatusEvent{Status: protocol.StatusError, Error: statusMessage(err)})
		c.log.Warn().Err(err).Msg("live session reconnect rejected credential")
	}
}

func (c *Controller) cancelReconnectLocked() <-chan struct{} {
	if c.reconnectCancel == nil {
		return nil
	}
	c.reconnectCancel()
	done := c.reconnectDone
	c.reconnectCancel = nil
	c.reconnectDone = nil
	return done
}

func (c *Controller) replayMessageLocked() string {
	questions := c.history.Questions()
	if pending := c.utterance.Text(); pending != "" {
		questions = append(questions, pending)
	}
	return prompts.ReplayMessage(questions)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("live session state")
	c.state = s
	metrics.SetState(s.String())
}

func (c *Controller) emitLocked(ev protocol.Event) {
	c.sink.Emit(ev)
}

// teardownLocked detaches the current connection. The returned teardown
// closes the transport and waits for goroutines once mu is released.
func (c *Controller) teardownLocked() *teardown {
	hbDone := c.heartbeat.Stop()
	cn := c.conn
	c.conn = nil
	if cn == nil {
		return &teardown{heartbeatDone: hbDone}
	}
	cn.shutdown()
	return &teardown{conn: cn, heartbeatDone: hbDone, drainStarted: cn.draining}
}

type teardown struct {
	conn          *connection
	heartbeatDone <-chan struct{}
	drainStarted  bool
}

func (td *teardown) finish(waitDrain bool) error {
	if td == nil {
		return nil
	}
	var err error
	if td.conn != nil && td.conn.t != nil {
		err = td.conn.t.Close()
	}
	if td.heartbeatDone != nil {
		<-td.heartbeatDone
	}
	if waitDrain && td.drainStarted {
		<-td.conn.done
	}
	return err
}

func statusMessage(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return err.Error()
}
