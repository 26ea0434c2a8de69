package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/splatforge/platform/pkg/common/logger"
)

func main() {
	logger.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := RootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
