// testserver starts a lobbylink API server over scripted backends for manual
// and end-to-end testing. Realtime channels connect immediately.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/lobbylink/internal/api"
	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/feature/featuretest"
	"github.com/seantiz/lobbylink/internal/realtime/realtimetest"
	"github.com/seantiz/lobbylink/internal/store"
	"github.com/seantiz/lobbylink/internal/subsystem"
)

// delayed answers every call after a fixed latency.
func delayed(c backend.Caller, d time.Duration) backend.Caller {
	return backend.CallerFunc(func(ctx context.Context, req backend.Request, onSuccess backend.SuccessHandler, onError backend.ErrorHandler) {
		time.AfterFunc(d, func() { c.Issue(ctx, req, onSuccess, onError) })
	})
}

func scriptedBackend() *featuretest.Backend {
	b := featuretest.NewBackend()
	b.On("POST", "/v3/oauth/token", featuretest.Response{Body: `{"access_token":"stub-token","expires_in":3600}`})
	b.On("GET", "/friends/me", featuretest.Response{Body: `{"friendIDs":["u-1","u-2"]}`})
	b.On("GET", "/friends/me/incoming-requests", featuretest.Response{Body: `{"friendIDs":["u-3"]}`})
	b.On("GET", "/friends/me/outgoing-requests", featuretest.Response{Body: `{"friendIDs":[]}`})
	b.On("POST", "/v3/public/users/bulk/basic", featuretest.Response{Body: `{"data":[` +
		`{"userId":"u-1","displayName":"Ada"},` +
		`{"userId":"u-2","displayName":"Grace"},` +
		`{"userId":"u-3","displayName":"Linus"}]}`})
	b.On("GET", "/v2/public/users/me/gamesessions", featuretest.Response{Body: `{"data":[]}`})
	b.On("GET", "/party/users/me", featuretest.Response{Body: `{}`})
	b.On("GET", "/public/eligibilities", featuretest.Response{Body: `[]`})
	return b
}

func main() {
	addr := ":8080"
	if v := os.Getenv("LOBBYLINK_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	caller := delayed(scriptedBackend(), 200*time.Millisecond)
	reg := backend.NewRegistry()
	subsystem.RegisterServices(reg, func(string, string) backend.Caller { return caller })

	factory := &realtimetest.Factory{AutoConnect: true}
	sub, err := subsystem.New(subsystem.Options{
		Journal:     db,
		Registry:    reg,
		Factory:     factory.New,
		SessionMode: connection.ModeSession,
		Language:    "en",
	}, logger)
	if err != nil {
		log.Fatalf("failed to build subsystem: %v", err)
	}
	defer sub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("testserver: scheduler stopped", "error", err)
		}
	}()

	srv := api.NewServer(addr, db, sub, logger)
	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
