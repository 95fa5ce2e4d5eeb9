package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"bidengine/api"
)

func main() {
	args := ParseArgs()
	if err := args.Validate(); err != nil {
		panic(err)
	}
	level, _ := args.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := api.NewServer(ctx, args.ServerConfig, logger)
	if err != nil {
		panic(err)
	}
	defer server.Close()
	if err := server.Start(ctx); err != nil {
		panic(err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	server.Handler().Register(router)

	httpServer := &http.Server{
		Addr:              args.ServerURL,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", slog.String("addr", args.ServerURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 串流連線不會自己結束，逾時後直接關閉
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out", slog.Any("error", err))
		httpServer.Close()
	}
}
