// Package cli implements the drop command: identity and trust management
// plus the host, join and connect transfer commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sheerbytes/instadrop/internal/config"
	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/logging"
	"github.com/sheerbytes/instadrop/internal/progress"
	"github.com/sheerbytes/instadrop/internal/signaling"
	"github.com/sheerbytes/instadrop/internal/storage"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2

	presenceWait = 3 * time.Second
)

// env is what every command needs: config, the identity database and output.
type env struct {
	cfg    config.ClientConfig
	args   []string
	store  *storage.Store
	ids    *identity.Store
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

// Run executes one drop command and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		printUsage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	name, rest := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", name)
		printUsage(stderr)
		return exitUsage
	}
	if hasHelpFlag(rest) {
		fmt.Fprintf(stderr, "usage: drop %s\n", cmd.usage)
		return exitOK
	}

	local, rest := extractFlags(rest, cmd.flags)
	cfg, positional, err := config.ParseClientConfig(name, rest)
	if err != nil {
		fmt.Fprintf(stderr, "drop %s: %v\n", name, err)
		return exitUsage
	}
	if len(positional) < cmd.minArgs {
		fmt.Fprintf(stderr, "usage: drop %s\n", cmd.usage)
		return exitUsage
	}

	e, err := openEnv(cfg, positional, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "drop %s: %v\n", name, err)
		return exitError
	}
	defer e.close()

	if err := cmd.run(ctx, e, local); err != nil {
		fmt.Fprintf(stderr, "drop %s: %v\n", name, err)
		return exitError
	}
	return exitOK
}

func openEnv(cfg config.ClientConfig, args []string, stdout, stderr io.Writer) (*env, error) {
	logger := logging.NewWithWriter(stderr, "drop", cfg.LogLevel)
	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	ids, err := identity.Open(identity.Options{
		Persister:   store,
		DefaultName: cfg.DeviceName,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &env{cfg: cfg, args: args, store: store, ids: ids, logger: logger, stdout: stdout, stderr: stderr}, nil
}

type command struct {
	usage   string
	minArgs int
	// flags are command-local booleans, stripped before config parsing.
	flags []string
	run   func(ctx context.Context, e *env, flags map[string]bool) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"id":      {usage: "id [--regenerate]", flags: []string{"--regenerate"}, run: runID},
		"rename":  {usage: "rename NAME", minArgs: 1, run: runRename},
		"peers":   {usage: "peers [--check]", flags: []string{"--check"}, run: runPeers},
		"remark":  {usage: "remark PEER_ID TEXT", minArgs: 1, run: runRemark},
		"forget":  {usage: "forget PEER_ID", minArgs: 1, run: runForget},
		"history": {usage: "history", run: runHistory},
		"host":    {usage: "host [--default-host]", run: runHost},
		"join":    {usage: "join CODE [FILE...]", minArgs: 1, run: runJoin},
		"connect": {usage: "connect PEER_ID [FILE...]", minArgs: 1, run: runConnect},
		"doctor":  {usage: "doctor", run: runDoctor},
	}
}

func runID(_ context.Context, e *env, flags map[string]bool) error {
	if flags["--regenerate"] {
		if _, err := e.ids.Regenerate(); err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, "identity regenerated; trusted peers cleared")
	}
	self := e.ids.Identity()
	fmt.Fprintf(e.stdout, "id:   %s\nname: %s\n", self.ID, self.DisplayName)
	return nil
}

func runRename(_ context.Context, e *env, _ map[string]bool) error {
	if err := e.ids.Rename(strings.Join(e.args, " ")); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "renamed to %q\n", e.ids.Identity().DisplayName)
	return nil
}

func runRemark(_ context.Context, e *env, _ map[string]bool) error {
	remark := strings.Join(e.args[1:], " ")
	if err := e.ids.SetRemark(e.args[0], remark); err != nil {
		return err
	}
	if remark == "" {
		fmt.Fprintf(e.stdout, "cleared remark for %s\n", e.args[0])
		return nil
	}
	fmt.Fprintf(e.stdout, "%s is now %q\n", e.args[0], remark)
	return nil
}

func runForget(_ context.Context, e *env, _ map[string]bool) error {
	if err := e.ids.Remove(e.args[0]); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "forgot %s\n", e.args[0])
	return nil
}

func runPeers(ctx context.Context, e *env, flags map[string]bool) error {
	peers := e.ids.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(e.stdout, "no trusted peers yet")
		return nil
	}
	checked := false
	if flags["--check"] {
		if err := checkPresence(ctx, e); err != nil {
			fmt.Fprintf(e.stderr, "presence check failed: %v\n", err)
		} else {
			checked = true
			peers = e.ids.Peers()
		}
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLAST CONNECTED\tSTATUS")
	for _, p := range peers {
		status := "-"
		if checked {
			status = "offline"
			if p.IsOnline {
				status = "online"
			}
		}
		last := "-"
		if !p.LastConnectedAt.IsZero() {
			last = p.LastConnectedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Label(), last, status)
	}
	return tw.Flush()
}

// checkPresence connects to the relay once and waits for the first presence answer.
func checkPresence(ctx context.Context, e *env) error {
	got := make(chan struct{}, 1)
	client, err := signaling.New(signaling.Options{
		URL:      e.cfg.SignalingURL,
		Identity: e.ids,
		Logger:   e.logger,
		OnEvent: func(ev signaling.Event) {
			if ev.Kind == signaling.EventOnlineStatus {
				select {
				case got <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, presenceWait)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-got:
		return nil
	case <-ctx.Done():
		return errors.New("relay did not answer")
	}
}

func runHistory(_ context.Context, e *env, _ map[string]bool) error {
	files, err := e.store.ListReceivedFiles(20)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(e.stdout, "nothing received yet")
		return nil
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tNAME\tSIZE\tFROM\tPATH")
	for _, f := range files {
		from := f.PeerID
		if p, ok := e.ids.Peer(f.PeerID); ok {
			from = p.Label()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			f.ReceivedAt.Local().Format("2006-01-02 15:04"), f.Name, progress.FormatBytes(f.Size), from, f.Path)
	}
	return tw.Flush()
}

// extractFlags removes the named boolean flags from args.
func extractFlags(args []string, names []string) (map[string]bool, []string) {
	found := make(map[string]bool, len(names))
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		matched := false
		for _, n := range names {
			if arg == n || arg == strings.TrimPrefix(n, "-") {
				found[n] = true
				matched = true
				break
			}
		}
		if !matched {
			rest = append(rest, arg)
		}
	}
	return found, rest
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" {
			return true
		}
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: drop <command> [flags] [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  id [--regenerate]          show (or replace) this device's identity")
	fmt.Fprintln(w, "  rename NAME                change the name other devices see")
	fmt.Fprintln(w, "  peers [--check]            list trusted devices, optionally with presence")
	fmt.Fprintln(w, "  remark PEER_ID TEXT        set a local nickname for a trusted device")
	fmt.Fprintln(w, "  forget PEER_ID             remove a trusted device")
	fmt.Fprintln(w, "  history                    list recently received files")
	fmt.Fprintln(w, "  host [--default-host]      open a room and receive files")
	fmt.Fprintln(w, "  join CODE [FILE...]        join a room; send files or receive")
	fmt.Fprintln(w, "  connect PEER_ID [FILE...]  connect to a trusted device directly")
	fmt.Fprintln(w, "  doctor                     check the relay and STUN server")
	fmt.Fprintln(w, "flags (all commands, before positional args):")
	fmt.Fprintln(w, "  --signaling-url URL  --stun-url URL  --turn-url URL --turn-user U --turn-pass P")
	fmt.Fprintln(w, "  --save-dir DIR  --data-dir DIR  --name NAME  --log-level LEVEL")
	fmt.Fprintln(w, "while connected, type p + Enter to pause, r to resume, c to cancel the current send")
}
