package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/instadrop/internal/app"
	"github.com/sheerbytes/instadrop/internal/progress"
	"github.com/sheerbytes/instadrop/internal/transfer"
)

// readyTimeout bounds relay pairing plus the connectivity watchdog.
const readyTimeout = 20 * time.Second

// stdin feeds the pause/resume/cancel controls. Tests replace it.
var stdin io.Reader = os.Stdin

func openSession(ctx context.Context, e *env, onReceived func(peerID string, r transfer.Received)) (*app.Session, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := app.New(app.Options{
		Config:     e.cfg,
		Identity:   e.ids,
		History:    e.store,
		Logger:     e.logger,
		OnReceived: onReceived,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	return s, nil
}

func (e *env) printReceived(peerID string, r transfer.Received) {
	from := peerID
	if p, ok := e.ids.Peer(peerID); ok {
		from = p.Label()
	}
	fmt.Fprintf(e.stdout, "received %s (%s) from %s -> %s\n", r.Name, progress.FormatBytes(r.Size), from, r.Path)
}

func runHost(ctx context.Context, e *env, flags map[string]bool) error {
	s, err := openSession(ctx, e, e.printReceived)
	if err != nil {
		return err
	}
	defer s.Close()
	if flags["--default-host"] {
		s.SetDefaultHost(true)
	}

	rooms := make(chan string, 4)
	unsubscribe := s.Subscribe(roomWatcher(rooms))
	defer unsubscribe()
	if err := s.CreateRoom(); err != nil {
		return err
	}
	stopWatch := watchReceives(ctx, e, s)
	defer stopWatch()

	fmt.Fprintln(e.stderr, "waiting for a peer; press Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case code := <-rooms:
			fmt.Fprintf(e.stdout, "room code: %s\n", code)
		}
	}
}

// roomWatcher reports each new room code once.
func roomWatcher(out chan<- string) func(app.Status) {
	var (
		mu   sync.Mutex
		last string
	)
	return func(st app.Status) {
		mu.Lock()
		defer mu.Unlock()
		if st.Room == nil || st.Room.RoomCode == last {
			return
		}
		last = st.Room.RoomCode
		select {
		case out <- last:
		default:
		}
	}
}

func runJoin(ctx context.Context, e *env, _ map[string]bool) error {
	code := strings.ToUpper(strings.TrimSpace(e.args[0]))
	return runPeerSession(ctx, e, e.args[1:], func(s *app.Session) error {
		return s.JoinRoom(code)
	})
}

func runConnect(ctx context.Context, e *env, _ map[string]bool) error {
	id := e.args[0]
	return runPeerSession(ctx, e, e.args[1:], func(s *app.Session) error {
		return s.ConnectTo(id)
	})
}

// runPeerSession pairs via dial, then sends files or receives until interrupted.
func runPeerSession(ctx context.Context, e *env, files []string, dial func(*app.Session) error) error {
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", f)
		}
	}

	s, err := openSession(ctx, e, e.printReceived)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := dial(s); err != nil {
		return err
	}
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = waitReady(readyCtx, s)
	cancel()
	if err != nil {
		return err
	}
	st := s.Status()
	fmt.Fprintf(e.stderr, "connected to %s (%s)\n", st.PeerName, st.PeerID)

	if len(files) == 0 {
		stopWatch := watchReceives(ctx, e, s)
		defer stopWatch()
		fmt.Fprintln(e.stderr, "waiting for files; press Ctrl-C to stop")
		<-ctx.Done()
		return nil
	}

	go readControls(ctx, e, s)
	var failed int
	for _, f := range files {
		outcome, err := sendOne(ctx, e, s, f)
		if err != nil {
			return err
		}
		if outcome != transfer.OutcomeDone {
			failed++
			fmt.Fprintf(e.stderr, "%s: %s\n", filepath.Base(f), outcome)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files not delivered", failed, len(files))
	}
	return nil
}

// waitReady is WaitReady plus the last session error when pairing fails.
func waitReady(ctx context.Context, s *app.Session) error {
	err := s.WaitReady(ctx)
	if err == nil {
		return nil
	}
	if last := s.Status().LastError; last != nil {
		return last
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New("timed out waiting for the peer")
	}
	return err
}

func sendOne(ctx context.Context, e *env, s *app.Session, path string) (transfer.Outcome, error) {
	stop := progress.RenderTransfer(ctx, e.stderr, func() progress.View {
		st := s.Status()
		return sendView(st)
	})
	outcome, err := s.SendFile(ctx, path)
	stop()
	return outcome, err
}

func sendView(st app.Status) progress.View {
	return progress.View{
		Direction: "send",
		Name:      st.Send.Name,
		State:     string(st.Send.State),
		Peer:      st.PeerName,
		Stats: progress.Stats{
			BytesDone: st.Send.Offset,
			Total:     st.Send.Size,
			RateBps:   st.Send.RateBps,
			ETA:       st.Send.ETA,
			Percent:   percent(st.Send.Offset, st.Send.Size),
		},
	}
}

func receiveView(st app.Status) progress.View {
	return progress.View{
		Direction: "recv",
		Name:      st.Receive.Name,
		State:     string(st.Receive.State),
		Peer:      st.PeerName,
		Stats: progress.Stats{
			BytesDone: st.Receive.Received,
			Total:     st.Receive.Size,
			RateBps:   st.Receive.RateBps,
			ETA:       st.Receive.ETA,
			Percent:   percent(st.Receive.Received, st.Receive.Size),
		},
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		if done > 0 {
			return 100
		}
		return 0
	}
	return float64(done) / float64(total) * 100
}

// watchReceives draws a progress line for each inbound file.
func watchReceives(ctx context.Context, e *env, s *app.Session) func() {
	states := make(chan transfer.ReceiveState, 16)
	unsubscribe := s.Subscribe(func(st app.Status) {
		select {
		case states <- st.Receive.State:
		default:
		}
	})
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var stop func()
		defer func() {
			if stop != nil {
				stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case state := <-states:
				switch {
				case state == transfer.ReceiveReceiving && stop == nil:
					stop = progress.RenderTransfer(ctx, e.stderr, func() progress.View {
						return receiveView(s.Status())
					})
				case state != transfer.ReceiveReceiving && stop != nil:
					stop()
					stop = nil
				}
			}
		}
	}()
	return func() {
		unsubscribe()
		close(quit)
		<-done
	}
}

// readControls maps p, r and c lines on stdin to pause, resume and cancel.
func readControls(ctx context.Context, e *env, s *app.Session) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "p", "pause":
			err = s.Pause()
		case "r", "resume":
			err = s.Resume()
		case "c", "cancel":
			err = s.Cancel()
		case "":
			continue
		default:
			fmt.Fprintln(e.stderr, "controls: p = pause, r = resume, c = cancel")
			continue
		}
		if err != nil {
			fmt.Fprintf(e.stderr, "control failed: %v\n", err)
		}
	}
}
