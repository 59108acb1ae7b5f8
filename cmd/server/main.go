package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/planning-poker/internal/config"
	"github.com/DoyleJ11/planning-poker/internal/httpapi"
	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/lobby"
	"github.com/DoyleJ11/planning-poker/internal/logging"
	"github.com/DoyleJ11/planning-poker/internal/store"
	"github.com/DoyleJ11/planning-poker/internal/ws"
)

type roomStore interface {
	hub.Store
	httpapi.RoomCreator
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rooms, err := openStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	if c, ok := rooms.(io.Closer); ok {
		defer c.Close()
	}

	// Lobbies outlive the signal context so shutdown can flush them.
	h := hub.NewHub(context.Background(), rooms, lobby.Options{
		Rules:       cfg.Rules(),
		IdleTimeout: cfg.IdleTimeout,
		Logger:      log.Named("lobby"),
	})

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:   h,
		Rooms: rooms,
		WS: ws.Options{
			OutboxSize:     cfg.OutboxSize,
			WriteTimeout:   cfg.WriteTimeout,
			PingPeriod:     cfg.PingPeriod,
			ReadLimit:      cfg.ReadLimit,
			OriginPatterns: cfg.Origins,
		},
		Logger: log,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("postgres", cfg.DatabaseURL != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Websockets are hijacked, so Shutdown does not wait for them; closing
		// the hub ends every room subscription.
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, h.Close(shutdownCtx))
	})
	return g.Wait()
}

func openStore(ctx context.Context, databaseURL string, log *zap.Logger) (roomStore, error) {
	if databaseURL == "" {
		log.Warn("no database url, rooms are kept in memory")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
