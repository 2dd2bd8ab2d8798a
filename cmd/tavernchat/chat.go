package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tavern/chat-app/internal/forms"
	"github.com/tavern/chat-app/internal/protocol"
	"github.com/tavern/chat-app/internal/render"
	"github.com/tavern/chat-app/internal/session"
	"github.com/tavern/chat-app/internal/viewer"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room and chat from the terminal",
	Long: `Join a room and chat from the terminal.

Every line read from stdin is sent as a chat message. Lines starting with a
slash are commands:

  /join <room>   switch rooms
  /typing        tell the room you are typing
  /quit          leave`,
	RunE: runChat,
}

var (
	flagUsername string
	flagUserID   string
	flagRoom     string
	flagViewer   string
	flagHistory  bool
)

func init() {
	flags := chatCmd.Flags()
	flags.StringVar(&flagUsername, "username", "", "display name")
	flags.StringVar(&flagUserID, "user-id", "", "user id sent to the server")
	flags.StringVar(&flagRoom, "room", "", "room to join")
	flags.StringVar(&flagViewer, "viewer", "", "serve the rendered panel on this address (e.g. 127.0.0.1:8092)")
	flags.BoolVar(&flagHistory, "history", false, "replay room history once connected")
}

func runChat(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("username") {
		cfg.Username = flagUsername
	}
	if flags.Changed("user-id") {
		cfg.UserID = flagUserID
	}
	if flags.Changed("room") {
		cfg.Room = flagRoom
	}
	if flags.Changed("viewer") {
		cfg.ViewerAddr = flagViewer
	}
	if flags.Changed("history") {
		cfg.History = flagHistory
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}

	panel := render.NewPanel()
	view := render.Tee{panel, render.NewTextView(cmd.OutOrStdout())}

	opts := []session.Option{
		session.WithAlerter(stderrAlerter{w: cmd.ErrOrStderr()}),
		session.WithNotifier(bell{w: cmd.ErrOrStderr()}),
	}
	if cfg.History {
		opts = append(opts, session.WithHistory(forms.NewHistoryClient(cfg.BaseURL)))
	}
	ctrl := session.New(cfg.Session(), dialer, view, opts...)
	defer ctrl.Close()

	log.Info().Msgf("[chat] connecting as %s to room %s over %s", cfg.Username, cfg.Room, cfg.Transport)
	if err := ctrl.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	srv := startViewer(cfg.ViewerAddr, viewer.NewRouter(panel, ctrl))
	defer shutdownViewer(srv)

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("[chat] shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, ctrl, line)
			if err != nil && !errors.Is(err, session.ErrNotConnected) && !errors.Is(err, session.ErrInvalidMessage) {
				log.Warn().Err(err).Msg("[chat] input")
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input. It reports whether the user asked to
// leave.
func handleLine(ctx context.Context, ctrl *session.Controller, line string) (bool, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "/quit":
		return true, nil
	case trimmed == "/typing":
		return false, ctrl.NotifyTyping(ctx, true)
	case strings.HasPrefix(trimmed, "/join"):
		room := strings.TrimSpace(strings.TrimPrefix(trimmed, "/join"))
		if room == "" {
			return false, errors.New("usage: /join <room>")
		}
		return false, ctrl.JoinRoom(ctx, room)
	default:
		return false, ctrl.SendMessage(ctx, line)
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("[chat] read stdin")
	}
}

func startViewer(addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	log.Info().Msgf("[viewer] serving panel at http://%s/panel", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("[viewer] http stopped")
		}
	}()
	return srv
}

func shutdownViewer(srv *http.Server) {
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[viewer] shutdown error")
	}
}

type stderrAlerter struct {
	w io.Writer
}

func (a stderrAlerter) Alert(text string) {
	fmt.Fprintf(a.w, "!! %s\n", text)
}

// bell rings the terminal bell for incoming messages.
type bell struct {
	w io.Writer
}

func (b bell) Notify(msg protocol.ChatMessage) {
	fmt.Fprint(b.w, "\a")
}
