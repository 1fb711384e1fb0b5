package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"

	"github.com/winterhq/winterdesk/pkg/config"
	"github.com/winterhq/winterdesk/pkg/opencode"
	"github.com/winterhq/winterdesk/pkg/presence"
	"github.com/winterhq/winterdesk/pkg/stream"
)

func main() {
	configPath := flag.String("config", "winterdesk.yaml", "path to the config file")
	serverURL := flag.String("server", "", "override the configured server URL")
	sessionID := flag.String("session", "", "session to continue; empty creates a new one")
	listOnly := flag.Bool("list", false, "list sessions and exit")
	promptText := flag.String("prompt", "", "prompt text to send")
	flag.Parse()

	cfg := exerrors.Must(config.Load(*configPath))
	if *serverURL != "" {
		cfg.ServerURL = exerrors.Must(opencode.NormalizeBaseURL(*serverURL))
	}

	level := exerrors.Must(zerolog.ParseLevel(cfg.LogLevel))
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()

	client := exerrors.Must(opencode.NewClient(cfg.ServerURL, cfg.Directory, cfg.Username, cfg.Password))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !client.Health(ctx) {
		log.Fatal().Str("server", client.BaseURL()).Msg("OpenCode server is not reachable")
	}

	if *listOnly {
		tracker := presence.NewTracker(client, presence.Options{Log: log})
		tracker.Start(ctx)
		defer tracker.Stop()
		for _, sess := range exerrors.Must(client.ListSessions(ctx)) {
			marker := " "
			if tracker.IsBusy(sess.ID) {
				marker = "*"
			}
			fmt.Printf("%s %s\t%s\n", marker, sess.ID, sess.Title)
		}
		return
	}
	if *promptText == "" {
		log.Fatal().Msg("No prompt given, use -prompt or -list")
	}

	id := *sessionID
	if id == "" {
		sess := exerrors.Must(client.CreateSession(ctx, ""))
		id = sess.ID
		log.Info().Str("session", id).Msg("Created session")
	}

	tracker := presence.NewTracker(client, presence.Options{Log: log})
	tracker.Start(ctx)
	defer tracker.Stop()
	tracker.SetActive(id)

	rec := stream.New(client, id, printEvent, log)
	if err := rec.Run(ctx, stream.Prompt{Text: *promptText}); err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-turn: stop the remote generation before exiting.
			rec.Abort(context.Background())
		}
		log.Error().Err(err).Msg("Prompt stream failed")
		os.Exit(1)
	}
}

func printEvent(evt stream.Event) {
	switch e := evt.(type) {
	case stream.Delta:
		fmt.Print(e.Text)
	case stream.Reasoning:
		fmt.Fprint(os.Stderr, e.Text)
	case stream.Status:
		fmt.Fprintf(os.Stderr, "· %s\n", e.Text)
	case stream.ToolStart:
		fmt.Fprintf(os.Stderr, "· running %s\n", e.Name)
	case stream.ToolEnd:
		fmt.Fprintf(os.Stderr, "· tool done: %s\n", firstLine(e.Result))
	case stream.Usage:
		fmt.Fprintf(os.Stderr, "· tokens: %d in, %d out\n", e.InputTokens, e.OutputTokens)
	case stream.StreamEnd:
		fmt.Println()
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
