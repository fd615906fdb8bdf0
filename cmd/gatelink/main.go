package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/shaunagostinho/gatelink/cmd/gatelink/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.NewGatelinkCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
