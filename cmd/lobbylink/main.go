package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/seantiz/lobbylink/internal/api"
	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/backend/httpapi"
	"github.com/seantiz/lobbylink/internal/config"
	"github.com/seantiz/lobbylink/internal/feature/identity"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
	"github.com/seantiz/lobbylink/internal/realtime/websocket"
	"github.com/seantiz/lobbylink/internal/subsystem"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("lobbylink", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "admin API listen address")
	flagSet.StringVar(&cfg.LogLevelName, "log-level", cfg.LogLevelName, "log level (debug, info, warn, error)")
	flagSet.StringVar(&cfg.Journal, "journal", cfg.Journal, "task journal backend (sqlite, redis, none)")
	flagSet.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite journal path")
	flagSet.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "platform REST base URL")
	flagSet.StringVar(&cfg.RealtimeURL, "realtime-url", cfg.RealtimeURL, "lobby websocket URL")
	flagSet.StringVar(&cfg.SessionMode, "session-mode", cfg.SessionMode, "session recovery mode (session, party)")
	flagSet.StringVar(&cfg.CloseCodesFile, "close-codes", cfg.CloseCodesFile, "YAML close-code table")
	flagSet.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "retry the realtime channel after abnormal closes")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if *help {
		printHelp(flagSet)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.LogLevel = config.ParseLogLevel(cfg.LogLevelName)

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("lobbylink: starting",
		"listen_addr", cfg.ListenAddr,
		"journal", cfg.Journal,
		"base_url", cfg.BaseURL,
		"session_mode", cfg.SessionMode,
	)

	journal, err := cfg.OpenJournal()
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if journal != nil {
		defer journal.Close()
	}

	closeCodes, err := cfg.CloseCodeTable()
	if err != nil {
		return err
	}

	client, err := httpapi.New(httpapi.Config{
		BaseURL: cfg.BaseURL,
		Workers: cfg.BackendWorkers,
		RPS:     cfg.BackendRPS,
		Burst:   cfg.BackendBurst,
		Timeout: cfg.BackendTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	reg := backend.NewRegistry()
	subsystem.RegisterServices(reg, client.Service)

	sub, err := subsystem.New(subsystem.Options{
		Journal:  journal,
		Registry: reg,
		Factory:  websocketFactory(cfg, logger),
		Client: identity.ClientCredentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		},
		SessionMode:  cfg.SessionMode,
		CloseCodes:   closeCodes,
		Language:     cfg.Language,
		TickInterval: cfg.TickInterval,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg.ListenAddr, journal, sub, logger)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	// Either side stopping stops the other.
	wg.Go(func() {
		errs <- sub.Run(ctx)
		stop()
	})
	wg.Go(func() {
		errs <- srv.Run(ctx)
		stop()
	})
	wg.Wait()
	close(errs)
	sub.Close()

	var joined error
	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			joined = errors.Join(joined, err)
		}
	}
	logger.Info("lobbylink: stopped")
	return joined
}

func websocketFactory(cfg config.Config, logger *slog.Logger) realtime.Factory {
	return func(owner model.Owner, credential string) (realtime.Channel, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+credential)
		return websocket.New(websocket.Config{
			URL:       cfg.RealtimeURL,
			Header:    header,
			Reconnect: cfg.Reconnect,
		}, logger.With("owner", owner.Key())), nil
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `lobbylink runs the platform integration subsystem behind an admin API.

Configuration is read from LOBBYLINK_* environment variables; the flags
below override them.

Usage:
  lobbylink [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
