package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"qllmd/internal/ctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := ctl.Main(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
