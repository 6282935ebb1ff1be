package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vango-go/vai-live/internal/logging"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/settings"
	"github.com/vango-go/vai-live/pkg/ui"
	"github.com/vango-go/vai-live/pkg/ui/redispub"
)

var errQuit = errors.New("quit")

func newRunCmd() *cobra.Command {
	var noStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a live session from stored settings and serve the UI bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			var in io.Reader
			if !noStdin {
				in = cmd.InOrStdin()
			}
			return runLive(cmd.Context(), cfg, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "do not read typed questions from stdin")
	return cmd
}

func runLive(ctx context.Context, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	logging.Configure(logging.Config{Level: cfg.LogLevel, Output: stderr, Console: cfg.LogConsole})
	log := logging.WithComponent("run")

	store, fileStore, closer, err := openStore(ctx, cfg, logging.WithComponent("settings"))
	if err != nil {
		return err
	}
	defer closer.Close()

	stored, err := store.Load(ctx)
	if err != nil {
		return err
	}
	sessionCfg, err := stored.SessionConfig()
	if err != nil {
		return err
	}

	hub := ui.NewHub(logging.WithComponent("ui"))
	defer hub.Close()

	console := protocol.NewBufferedSink(newConsoleSink(stdout), cfg.EventBuffer)
	defer console.Close()
	sinks := protocol.MultiSink{hub, console}

	if cfg.RedisAddr != "" {
		pub, err := redispub.Dial(ctx, cfg.RedisAddr, cfg.RedisChannel, logging.WithComponent("redis"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer pub.Close()
		buffered := protocol.NewBufferedSink(pub, cfg.EventBuffer)
		defer func() {
			buffered.Close()
			if n := buffered.Dropped(); n > 0 {
				metrics.RecordSinkDropped("redis_buffer", n)
			}
		}()
		sinks = append(sinks, buffered)
	}

	ctrl, err := session.NewController(session.Dependencies{
		Transports: buildRegistry(cfg, logging.WithComponent("transport")),
		Sink:       sinks,
		Saver:      settings.Saver{Store: store},
		Logger:     logging.WithComponent("session"),
		Tuning:     cfg.Tuning(),
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	server := ui.NewServer(ui.ServerOptions{
		Hub:          hub,
		Controller:   ctrl,
		Logger:       logging.WithComponent("ui"),
		CommandRate:  rate.Limit(cfg.CommandRPS),
		CommandBurst: cfg.CommandBurst,
	})
	httpSrv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.UIAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.UIAddr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("provider", string(sessionCfg.Provider)).Msg("vai-live starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		hub.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := ctrl.Initialize(gctx, sessionCfg); err != nil {
			log.Error().Err(err).Msg("session initialize failed")
		}
		return nil
	})
	if fileStore != nil {
		g.Go(func() error {
			return fileStore.Watch(gctx, func(s settings.Settings) {
				reloadSettings(gctx, ctrl, s, log)
			})
		})
	}
	if stdin != nil {
		g.Go(func() error {
			return readCommands(gctx, stdin, ctrl)
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) {
		err = nil
	}
	log.Info().Msg("vai-live stopped")
	return err
}

// reloadSettings reinitializes the session when the stored settings differ
// from the active configuration.
func reloadSettings(ctx context.Context, ctrl *session.Controller, s settings.Settings, log zerolog.Logger) {
	current, active := ctrl.Config()
	cfg, changed, err := reloadTarget(current, active, s)
	if err != nil {
		log.Error().Err(err).Msg("reloaded settings are invalid")
		return
	}
	if !changed {
		return
	}
	log.Info().Str("provider", string(cfg.Provider)).Msg("settings changed, reinitializing session")
	if err := ctrl.Initialize(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("reinitialize after settings change failed")
	}
}

// reloadTarget returns the config to reinitialize with and whether it differs
// from current. A verbosity set during the session survives file edits.
func reloadTarget(current session.Config, active bool, s settings.Settings) (session.Config, bool, error) {
	next, err := s.SessionConfig()
	if err != nil {
		return session.Config{}, false, err
	}
	if active {
		next.Verbosity = current.Verbosity
	}
	if err := next.Validate(); err != nil {
		return session.Config{}, false, err
	}
	return next, !active || next != current, nil
}

type lineController interface {
	SendText(ctx context.Context, text string) error
	SetVerbosity(ctx context.Context, level prompts.Verbosity) error
}

// handleLine applies one line typed on stdin.
func handleLine(ctx context.Context, ctrl lineController, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/quit" || line == "/exit":
		return errQuit
	case line == "/short" || line == "/verbose":
		level, err := prompts.ParseVerbosity(strings.TrimPrefix(line, "/"))
		if err != nil {
			return err
		}
		return ctrl.SetVerbosity(ctx, level)
	default:
		return ctrl.SendText(ctx, line)
	}
}

func readCommands(ctx context.Context, in io.Reader, ctrl lineController) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	log := logging.WithComponent("stdin")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, ctrl, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				log.Warn().Err(err).Msg("command failed")
			}
		}
	}
}

// consoleSink prints answers and status changes for terminal use.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (c *consoleSink) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case protocol.StatusEvent:
		if e.Error != "" {
			fmt.Fprintf(c.out, "[%s] %s\n", e.Status, e.Error)
			return
		}
		fmt.Fprintf(c.out, "[%s]\n", e.Status)
	case protocol.ResponseEvent:
		if e.Text != "" {
			fmt.Fprint(c.out, e.Text)
		}
		if e.Done {
			fmt.Fprintln(c.out)
		}
	case protocol.ConversationTurnSavedEvent:
		fmt.Fprintf(c.out, "-- saved turn %d: %s\n", len(e.History), e.Turn.UserText)
	}
}
