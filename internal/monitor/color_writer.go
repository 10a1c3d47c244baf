// ColorWriter prints human-friendly, colorized engine lines to STDOUT.
package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"epmon/internal/alerting"
	"epmon/internal/config"
	"epmon/internal/telemetry"
)

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorBlue   = "\x1b[34m"
	colorCyan   = "\x1b[36m"
	colorGray   = "\x1b[90m"
)

// ColorWriter prints one compact line per tick plus a highlighted line per
// alert. Colors are dropped automatically when STDOUT is not a terminal.
type ColorWriter struct {
	cfg   *config.Config
	out   io.Writer
	color bool

	mu sync.Mutex
}

// NewColorWriter creates a ColorWriter writing to os.Stdout.
func NewColorWriter(cfg *config.Config) *ColorWriter {
	return &ColorWriter{
		cfg:   cfg,
		out:   os.Stdout,
		color: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (w *ColorWriter) paint(c, s string) string {
	if !w.color {
		return s
	}
	return c + s + colorReset
}

// Consume implements engine.SnapshotConsumer.
func (w *ColorWriter) Consume(snap telemetry.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	b.WriteString(w.paint(colorGray, snap.Timestamp.Format("15:04:05.000")))
	fmt.Fprintf(&b, " %s", w.paint(colorGray, fmt.Sprintf("#%d", snap.Seq)))

	for _, ch := range w.cfg.Channels {
		cv, ok := snap.Value(telemetry.ChannelID(ch.ID))
		if !ok {
			continue
		}
		var cell string
		switch {
		case cv.Fault:
			cell = w.paint(colorRed, ch.Name+"=FAULT")
		case cv.Stale:
			cell = w.paint(colorYellow, ch.Name+"=stale")
		default:
			cell = w.paint(colorCyan, ch.Name+"=") + fmt.Sprintf("%.1f", cv.Value)
		}
		b.WriteString(" " + cell)
	}
	fmt.Fprintln(w.out, b.String())
	return nil
}

// RecordAlert implements alerting.EventSink.
func (w *ColorWriter) RecordAlert(ev alerting.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := colorYellow
	if ev.Severity >= alerting.Critical {
		c = colorRed
	}
	fmt.Fprintf(w.out, "%s %s %s=%.1f (bound %.1f)\n",
		w.paint(colorGray, ev.Timestamp.Format("15:04:05.000")),
		w.paint(c, strings.ToUpper(ev.Severity.String())),
		w.paint(colorBlue, ev.Parameter),
		ev.Value, ev.Bound)
	return nil
}
