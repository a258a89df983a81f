package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/banana-clicker/backend/internal/api"
	"github.com/banana-clicker/backend/internal/auth"
	"github.com/banana-clicker/backend/internal/config"
	"github.com/banana-clicker/backend/internal/logutil"
	"github.com/banana-clicker/backend/internal/registry"
	"github.com/banana-clicker/backend/internal/store"
	"github.com/banana-clicker/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	debug := flag.Bool("debug", false, "Verbose development logging")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, cleanup, err := logutil.Setup(*debug)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer cleanup()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	st := store.New(pool)

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}

	relay := ws.NewRelay(cfg.Sync.SendBuffer, logger)
	reg := registry.New(st, relay, cfg.Sync.FlushInterval.Std(), cfg.Sync.StoreTimeout.Std(), logger)
	gateway := ws.NewGateway(reg, relay, issuer, st, logger)
	apiServer := api.NewServer(st, issuer, issuer, relay, reg, logger)

	mux := chi.NewRouter()
	mux.Get("/ws", gateway.HandleWS)
	mux.Mount("/", apiServer.Routes())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Dropping the websocket transports ends each gateway read loop, which
	// disconnects its session and flushes pending clicks before the pool
	// closes. Shutdown alone would leave hijacked connections open.
	relay.CloseAll()
	reg.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
