package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sheerbytes/instadrop/internal/config"
	"github.com/sheerbytes/instadrop/internal/logging"
	"github.com/sheerbytes/instadrop/internal/relay"
	"github.com/sheerbytes/instadrop/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}
	cfg, err := config.ParseRelayConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "dropserv: %v\n", err)
		printServerUsage()
		os.Exit(2)
	}
	logger := logging.New("dropserv", cfg.LogLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.NewServer(logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Fprintf(termio.Stdout(), "starting relay addr=%s\n", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		termio.Flush(time.Second)
		os.Exit(1)
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: dropserv [--addr HOST:PORT] [--log-level LEVEL]")
	fmt.Fprintln(termio.Stderr(), "  --addr HOST:PORT   listen address (default :3000, env INSTADROP_ADDR)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL  debug, info, warn or error (default info, env INSTADROP_LOG_LEVEL)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
