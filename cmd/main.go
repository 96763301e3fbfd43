package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/vidforge-backend/internal/app"
)

func main() {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Printf("Failed to init app: %v\n", err)
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start background services", "error", err)
		a.Shutdown(ctx)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		a.Log.Info("Signal received; shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			a.Log.Error("HTTP server failed", "error", err)
		}
	}

	a.Shutdown(ctx)
}
