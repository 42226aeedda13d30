// Command firebird-mcp serves a Firebird database over the Model Context
// Protocol. The transport is chosen via TRANSPORT_TYPE: stdio (default), sse,
// http, or unified.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebirdmcp/firebird-mcp-go/auth"
	"github.com/firebirdmcp/firebird-mcp-go/config"
	"github.com/firebirdmcp/firebird-mcp-go/db"
	"github.com/firebirdmcp/firebird-mcp-go/fbtools"
	"github.com/firebirdmcp/firebird-mcp-go/internal/logctx"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/protocol"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
	"github.com/firebirdmcp/firebird-mcp-go/sessions"
	"github.com/firebirdmcp/firebird-mcp-go/transport/frontdoor"
	"github.com/firebirdmcp/firebird-mcp-go/transport/sse"
	"github.com/firebirdmcp/firebird-mcp-go/transport/stdio"
	"github.com/firebirdmcp/firebird-mcp-go/transport/streamhttp"
)

const (
	serverName    = "firebird-mcp"
	serverVersion = "1.0.0"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file to load before the environment")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}

	// Logs always go to stderr: on the stdio transport, stdout belongs to the
	// protocol stream.
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := db.Open(cfg.DSN(),
		db.WithLogger(log),
		db.WithQueryTimeout(cfg.QueryTimeout),
		db.WithMaxRows(cfg.MaxRows),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		// The database may come up after us. Tools will surface failures.
		log.Warn("db.ping.fail", slog.String("err", err.Error()))
	}

	admin := db.NewAdmin(cfg.DBHost, cfg.DBPort, cfg.DBPath, cfg.DBUser, cfg.DBPassword,
		db.WithAdminLogger(log),
		db.WithGbakPath(cfg.GbakPath),
		db.WithGfixPath(cfg.GfixPath),
	)

	reg := registry.New()
	if err := fbtools.RegisterAll(reg, fbtools.Deps{DB: client, Admin: admin, Log: log}); err != nil {
		return err
	}

	proto := protocol.New(reg,
		mcp.ImplementationInfo{Name: serverName, Version: serverVersion},
		protocol.WithLogger(log),
		protocol.WithLogLevelVar(level),
		protocol.WithInstructions("Firebird database access. Start with list-tables to discover the schema."),
	)

	log.Info("server.start",
		slog.String("transport", cfg.Transport),
		slog.Int("tools", len(reg.Tools())),
		slog.Int("resources", len(reg.Resources())),
		slog.Int("prompts", len(reg.Prompts())),
	)

	if cfg.Transport == config.TransportStdio {
		return stdio.NewHandler(proto, stdio.WithLogger(log)).Serve(ctx)
	}
	return serveHTTP(ctx, cfg, log, proto)
}

func serveHTTP(ctx context.Context, cfg *config.Config, log *slog.Logger, proto *protocol.Handler) error {
	store := sessions.NewStore(
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithSweepInterval(cfg.SessionSweepInterval),
		sessions.WithLogger(log),
	)
	go func() {
		if err := store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("session.sweeper.fail", slog.String("err", err.Error()))
		}
	}()

	authn := auth.AllowAll()
	if cfg.JWTSecret != "" {
		bearer, err := auth.NewBearer(auth.BearerConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return err
		}
		authn = bearer
	}

	mode := streamhttp.ModeStateful
	if cfg.Stateless {
		mode = streamhttp.ModeStateless
	}

	var handler http.Handler
	switch cfg.Transport {
	case config.TransportSSE:
		handler = sse.New(proto, store, sse.WithLogger(log), sse.WithAuthenticator(authn))
	case config.TransportHTTP:
		handler = streamhttp.New(proto, store, mode, streamhttp.WithLogger(log), streamhttp.WithAuthenticator(authn))
	case config.TransportUnified:
		sseH := sse.New(proto, store, sse.WithLogger(log), sse.WithAuthenticator(authn))
		streamH := streamhttp.New(proto, store, mode, streamhttp.WithLogger(log), streamhttp.WithAuthenticator(authn))
		handler = frontdoor.New(sseH, streamH, store,
			frontdoor.WithLogger(log),
			frontdoor.WithCORSOrigins(cfg.CORSOrigins),
		)
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := store.Shutdown(shutdownCtx); err != nil {
		log.Warn("session.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server.shutdown.ok")
	return nil
}
