package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml (defaults to auto-discovery)")
	flag.Parse()

	client, err := app.New(app.Options{ConfigPath: *configPath})
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to start voicebot", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	runErr := client.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer shutdownCancel()
	client.Shutdown(shutdownCtx)

	if runErr != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("voicebot exited", zap.Error(runErr))
	}
}
