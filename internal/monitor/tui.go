// Live engine display rendered with bubbletea
package monitor

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"epmon/internal/alerting"
	"epmon/internal/analytics"
	"epmon/internal/config"
	"epmon/internal/recorder"
	"epmon/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// tickMsg carries the full per-tick display state.
type tickMsg struct {
	snap       telemetry.Snapshot
	lean       analytics.Result
	flight     recorder.Flight
	hasFlight  bool
	severities map[string]alerting.Severity
}

// alertMsg carries one alert log line.
type alertMsg struct{ line string }

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	styleNormal   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleCaution  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	styleWarning  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleCritical = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleStale    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleStatus   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
)

func severityStyle(s alerting.Severity) lipgloss.Style {
	switch s {
	case alerting.Caution:
		return styleCaution
	case alerting.Warning:
		return styleWarning
	case alerting.Critical:
		return styleCritical
	default:
		return styleNormal
	}
}

// TUIWriter renders the engine monitor as a terminal UI. It implements
// engine.SnapshotConsumer and alerting.EventSink; lean-assist and flight
// state are pulled through the supplied accessors on every tick.
type TUIWriter struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool

	lean   func() analytics.Result
	flight func() (recorder.Flight, bool)
	sevs   func() map[string]alerting.Severity
}

// NewTUIWriter starts the bubbletea program.
func NewTUIWriter(cfg *config.Config, lean func() analytics.Result, flight func() (recorder.Flight, bool), sevs func() map[string]alerting.Severity) *TUIWriter {
	w := &TUIWriter{
		done:   make(chan struct{}),
		lean:   lean,
		flight: flight,
		sevs:   sevs,
	}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(cfg), tea.WithAltScreen())
	w.program = p
	go func() {
		_, _ = p.Run()
		close(w.done)
		if w.sendSignal.Load() {
			// Quitting the UI stops the whole monitor.
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return w
}

// Consume implements engine.SnapshotConsumer.
func (w *TUIWriter) Consume(snap telemetry.Snapshot) error {
	msg := tickMsg{snap: snap}
	if w.lean != nil {
		msg.lean = w.lean()
	}
	if w.flight != nil {
		msg.flight, msg.hasFlight = w.flight()
	}
	if w.sevs != nil {
		msg.severities = w.sevs()
	}
	w.program.Send(msg)
	return nil
}

// RecordAlert implements alerting.EventSink.
func (w *TUIWriter) RecordAlert(ev alerting.Event) error {
	line := fmt.Sprintf("%s %s %s=%.1f (bound %.1f)",
		ev.Timestamp.Format("15:04:05"),
		severityStyle(ev.Severity).Render(strings.ToUpper(ev.Severity.String())),
		ev.Parameter, ev.Value, ev.Bound)
	w.program.Send(alertMsg{line: line})
	return nil
}

// Close stops the UI without signaling the process.
func (w *TUIWriter) Close() {
	w.sendSignal.Store(false)
	if p, ok := w.program.(*tea.Program); ok {
		p.Quit()
		<-w.done
	}
}

type tuiModel struct {
	cfg      *config.Config
	channels table.Model
	alerts   viewport.Model
	lines    []string
	status   string
	flight   string
	width    int
	height   int
	ready    bool
}

func newTUIModel(cfg *config.Config) *tuiModel {
	cols := []table.Column{
		{Title: "PARAM", Width: 12},
		{Title: "VALUE", Width: 10},
		{Title: "UNIT", Width: 6},
		{Title: "AGE", Width: 5},
		{Title: "STATE", Width: 10},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(len(cfg.Channels)+1))
	return &tuiModel{cfg: cfg, channels: t}
}

func (m *tuiModel) Init() tea.Cmd { return nil }

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - len(m.cfg.Channels) - 8
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.alerts = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.alerts.Width = m.width
			m.alerts.Height = vpHeight
		}
		m.refreshAlerts()
	case tickMsg:
		m.applyTick(msg)
	case alertMsg:
		m.lines = append(m.lines, msg.line)
		if len(m.lines) > 200 {
			m.lines = m.lines[len(m.lines)-200:]
		}
		m.refreshAlerts()
	}
	return m, nil
}

func (m *tuiModel) applyTick(msg tickMsg) {
	rows := make([]table.Row, 0, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		cv, ok := msg.snap.Value(telemetry.ChannelID(ch.ID))
		if !ok {
			continue
		}
		value := fmt.Sprintf("%.1f", cv.Value)
		state := "ok"
		switch {
		case cv.Fault:
			value, state = "--", styleCritical.Render("FAULT")
		case cv.Stale:
			value, state = "--", styleStale.Render("STALE")
		default:
			if sev, ok := msg.severities[ch.Name]; ok && sev > alerting.Normal {
				state = severityStyle(sev).Render(sev.String())
			}
		}
		rows = append(rows, table.Row{ch.Name, value, ch.Unit, fmt.Sprintf("%d", cv.AgeTicks), state})
	}
	m.channels.SetRows(rows)

	var peaks []string
	for _, p := range msg.lean.Peaks {
		if p.Detected {
			peaks = append(peaks, fmt.Sprintf("#%d %.0f", p.Cylinder, p.PeakEGT))
		}
	}
	m.status = fmt.Sprintf("tick %d  spread %.0f°F  hottest #%d", msg.snap.Seq, msg.lean.SpreadEGT, msg.lean.HottestCyl)
	if len(peaks) > 0 {
		m.status += "  peaks: " + strings.Join(peaks, " ")
	}

	if msg.hasFlight {
		m.flight = fmt.Sprintf("flight %s  snapshots %d  alerts %d  fuel %.2f gal",
			msg.flight.ID[:8], msg.flight.SnapshotCount, msg.flight.AlertCount, msg.flight.FuelUsedGal)
	} else {
		m.flight = "no active flight"
	}
}

func (m *tuiModel) refreshAlerts() {
	if !m.ready {
		return
	}
	width := m.alerts.Width
	if width <= 0 {
		width = 80
	}
	wrapped := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		wrapped = append(wrapped, wordwrap.String(l, width))
	}
	m.alerts.SetContent(strings.Join(wrapped, "\n"))
	m.alerts.GotoBottom()
}

func (m *tuiModel) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Engine Performance Monitor"))
	b.WriteString("\n\n")
	b.WriteString(m.channels.View())
	b.WriteString("\n")
	b.WriteString(styleStatus.Render(m.status))
	b.WriteString("\n")
	b.WriteString(styleStatus.Render(m.flight))
	b.WriteString("\n\n")
	b.WriteString(styleTitle.Render("Alerts"))
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.alerts.View())
	}
	b.WriteString("\n")
	b.WriteString(styleStale.Render("q: quit"))
	return b.String()
}
