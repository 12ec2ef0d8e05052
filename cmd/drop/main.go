package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/instadrop/internal/cli"
	"github.com/sheerbytes/instadrop/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	args := os.Args[1:]
	if hasVersionFlag(args) {
		fmt.Fprintf(termio.Stdout(), "instadrop %s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, args, termio.Stdout(), termio.Stderr())
	stop()
	termio.Flush(time.Second)
	os.Exit(code)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
