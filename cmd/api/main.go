package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/itemq/internal/api"
	"github.com/SirClappington/itemq/internal/app"
	"github.com/SirClappington/itemq/internal/config"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Setup(ctx, cfg, "api")
	if err != nil {
		panic(err)
	}
	log := deps.Log

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(deps.Store, deps.Notifier(), log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api exited with error", zap.Error(err))
	}
	if err := deps.Close(); err != nil {
		log.Error("close", zap.Error(err))
	}
}
