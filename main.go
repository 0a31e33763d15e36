// Package main is the entry point of the qrattend server.
//
// It wires every layer together; there are no globals:
//  1. Config and logging
//  2. Database and i18n
//  3. Repositories, hub, services
//  4. Crash recovery of sessions left active
//  5. Handlers, routes, CORS
//  6. HTTP server and graceful shutdown
//
// The command tree lives in commands.go: `qrattend` (or `qrattend serve`)
// runs the server, `qrattend token` prints a signed bearer token for local
// testing and `qrattend watch` follows a session from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/qrattend/config"
	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/pkg/i18n"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
	"github.com/akinalp/qrattend/pkg/ratelimit"
	"github.com/akinalp/qrattend/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("qrattend")
	}
}

// run serves until ctx is cancelled, then shuts down in order.
func run(ctx context.Context, cfg *config.Config) error {
	l := logger.Component("main")
	l.Info().Int("port", cfg.Server.Port).Msg("qrattend server starting")

	// ─── Database ───
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db, err := database.New(cfg.Database.Path, migrations)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	// ─── i18n ───
	locales, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	if err != nil {
		return fmt.Errorf("locales fs: %w", err)
	}
	if err := i18n.Load(locales); err != nil {
		return fmt.Errorf("i18n: %w", err)
	}

	// ─── Layers ───
	m := metrics.New()
	repos := initRepositories(db)
	hub := ws.NewHub(m)

	svcs, err := initServices(ctx, cfg, repos, hub, m)
	if err != nil {
		return err
	}
	defer svcs.Classes.Close()

	registerHubCallbacks(hub, svcs.Fanout)
	go hub.Run()

	if err := svcs.Registry.Recover(ctx); err != nil {
		return err
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go svcs.Registry.RunJanitor(janitorCtx)

	limiter := ratelimit.NewScanRateLimiter(cfg.RateLimit.ScanAttempts, cfg.RateLimit.ScanWindow)
	defer limiter.Stop()

	h := initHandlers(cfg, svcs, hub, limiter)
	mux := http.NewServeMux()
	initRoutes(mux, h, svcs.Auth, m)

	// ─── CORS ───
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
		ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.Server.Addr()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// ─── Graceful shutdown ───
	//
	// Order matters: end sessions first so viewers get their final
	// rosters, then tell every viewer the server is restarting, then close
	// the sockets, let ended hooks finish, and finally stop HTTP.
	l.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svcs.Registry.Shutdown(shutdownCtx)
	hub.Shutdown(svcs.Fanout.ShutdownNotice(i18n.NewLocalizer(i18n.DefaultLanguage).T("session.shutdown")))

	if err := svcs.Fanout.WaitHooks(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("ended hooks did not finish")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	l.Info().Msg("server stopped gracefully")
	return nil
}
