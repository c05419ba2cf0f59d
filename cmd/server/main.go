package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/pkg/injector"
)

var configFile = flag.String("config", "config.yaml", "config file path")

func main() {
	flag.Parse()

	app, cleanup, err := injector.NewApp(*configFile)
	if err != nil {
		panic("failed to initialize application: " + err.Error())
	}
	defer cleanup()

	log := app.Logger
	log.Info("application initialized")

	go func() {
		if err := app.HTTPServer.Start(); err != nil {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.HTTPServer.Stop(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}
