package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "riverthello/internal/config"
	"riverthello/internal/hub"
	"riverthello/internal/obslog"
	"riverthello/internal/session"
	"riverthello/internal/store"
	"riverthello/internal/web"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	// Stores: postgres when configured, in-memory otherwise.
	var (
		users       store.UserStore
		invitations store.InvitationStore
		pg          *store.PostgresStore
	)
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres init error: %v", err)
		}
		users = pg
		invitations = pg
	} else {
		mem := store.NewMemStore()
		users = mem
		invitations = mem
		obslog.L().Warn("no DATABASE_URL configured, using in-memory stores")
	}

	sessions, err := session.NewManager(cfg.RedisURL, users)
	if err != nil {
		log.Fatalf("session manager init error: %v", err)
	}
	if pg != nil {
		sessions.AttachRepository(session.NewRepository(pg.DB()))
	}

	h := hub.New(sessions, users)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           web.NewServer(sessions, users, invitations, h).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = sessions.Close()
	if pg != nil {
		_ = pg.Close()
	}
	obslog.L().Info("server_stopped")
}
