package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// View is one transfer line as shown to the user.
type View struct {
	Direction string
	Name      string
	State     string
	Peer      string
	Stats     Stats
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderTransfer redraws the view until ctx ends or the returned stop func is called.
// A terminal gets an in-place line; other writers get one line per second.
func RenderTransfer(ctx context.Context, w io.Writer, view func() View) func() {
	isTTY := IsTTY(w)
	interval := 250 * time.Millisecond
	if !isTTY {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	var renderMu sync.Mutex
	last := ""

	renderOnce := func(final bool) {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		line := FormatLine(v)
		if isTTY {
			fmt.Fprintf(w, "\r\033[K%s", colorize(line, lineColor(v.State), true))
			if final {
				fmt.Fprintln(w)
			}
			return
		}
		if line == last && !final {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce(false)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce(true)
		})
	}
}

func lineColor(state string) string {
	switch state {
	case "error":
		return colorRed
	case "done":
		return colorGreen
	}
	return colorCyan
}

// FormatLine renders a single progress line.
func FormatLine(v View) string {
	var b strings.Builder
	if v.Direction != "" {
		b.WriteString(v.Direction)
		b.WriteString(" ")
	}
	name := v.Name
	if name == "" {
		name = "-"
	}
	b.WriteString(name)
	if v.Peer != "" {
		b.WriteString(" (")
		b.WriteString(v.Peer)
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s %5.1f%%  %s  %s/%s  ETA %s",
		renderBar(v.Stats.Percent, 20),
		v.Stats.Percent,
		FormatRate(v.Stats.RateBps),
		FormatBytes(v.Stats.BytesDone),
		FormatBytes(v.Stats.Total),
		FormatETA(v.Stats.ETA),
	)
	if v.State != "" {
		b.WriteString("  [")
		b.WriteString(v.State)
		b.WriteString("]")
	}
	return b.String()
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
