package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
)

// Controller is the part of the session the UI drives.
type Controller interface {
	State() session.State
	ReconnectAttempts() int
	SendText(ctx context.Context, text string) error
	SendImage(ctx context.Context, jpeg []byte) error
	SetVerbosity(ctx context.Context, level prompts.Verbosity) error
}

type ServerOptions struct {
	Hub        *Hub
	Controller Controller
	Logger     zerolog.Logger

	CommandRate    rate.Limit
	CommandBurst   int
	MaxFrameBytes  int64
	CommandTimeout time.Duration
}

type Server struct {
	hub    *Hub
	ctrl   Controller
	log    zerolog.Logger
	opts   ServerOptions
	router chi.Router
}

func NewServer(opts ServerOptions) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 5
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 10
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 8 << 20
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	s := &Server{
		hub:  opts.Hub,
		ctrl: opts.Controller,
		log:  opts.Logger,
		opts: opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWS)
	r.Get("/healthz", s.serveHealth)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

type health struct {
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Clients           int    `json:"clients"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	out := health{State: "idle", Clients: s.hub.Count()}
	if s.ctrl != nil {
		out.State = s.ctrl.State().String()
		out.ReconnectAttempts = s.ctrl.ReconnectAttempts()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxFrameBytes)

	c := s.hub.attach(conn)
	defer s.hub.detach(c)

	limiter := rate.NewLimiter(s.opts.CommandRate, s.opts.CommandBurst)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			s.hub.reply(c, protocol.CommandError{Message: "commands must be text frames"})
			continue
		}
		if !limiter.Allow() {
			s.hub.reply(c, protocol.CommandError{Message: "rate limited"})
			continue
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			s.hub.reply(c, protocol.CommandError{Message: err.Error()})
			continue
		}
		if err := s.dispatch(r.Context(), cmd); err != nil {
			s.log.Debug().Err(err).Str("command", cmd.Type).Msg("ui command rejected")
			s.hub.reply(c, protocol.CommandError{Command: cmd.Type, Message: err.Error()})
		}
	}
}

var errNoController = errors.New("no session attached")

func (s *Server) dispatch(ctx context.Context, cmd protocol.Command) error {
	if s.ctrl == nil {
		return errNoController
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	switch cmd.Type {
	case protocol.CommandSendText:
		return s.ctrl.SendText(ctx, cmd.Text)
	case protocol.CommandSetVerbosity:
		level, err := prompts.ParseVerbosity(cmd.Level)
		if err != nil {
			return err
		}
		return s.ctrl.SetVerbosity(ctx, level)
	case protocol.CommandSendImage:
		return s.ctrl.SendImage(ctx, cmd.Image)
	default:
		return errors.New("unsupported command")
	}
}
