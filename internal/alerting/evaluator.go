// Threshold evaluation with per-parameter hysteresis
package alerting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"epmon/internal/config"
	"epmon/internal/telemetry"
)

var alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epmon_alerts_total",
	Help: "Alert events raised, by severity.",
}, []string{"severity"})

// Event is one alert crossing. Immutable once raised; acknowledgement is the
// only permitted mutation and never removes the event.
type Event struct {
	ID           string    `json:"id"`
	FlightID     string    `json:"flight_id,omitempty"`
	Severity     Severity  `json:"severity"`
	Parameter    string    `json:"parameter"`
	Value        float64   `json:"value"`
	Bound        float64   `json:"bound"`
	Timestamp    time.Time `json:"ts"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
}

// EventSink receives every raised event. The flight recorder implements it.
type EventSink interface {
	RecordAlert(Event) error
}

// band is one compiled threshold band. A value below low or above high
// violates the band at the given severity.
type band struct {
	sev  Severity
	low  *float64
	high *float64
	hyst float64
}

// violated reports whether v is outside the band and returns the bound
// crossed.
func (b band) violated(v float64) (float64, bool) {
	if b.low != nil && v < *b.low {
		return *b.low, true
	}
	if b.high != nil && v > *b.high {
		return *b.high, true
	}
	return 0, false
}

// cleared reports whether v is back inside the band with the hysteresis
// margin to spare.
func (b band) cleared(v float64) bool {
	if b.low != nil && v < *b.low+b.hyst {
		return false
	}
	if b.high != nil && v > *b.high-b.hyst {
		return false
	}
	return true
}

// paramState tracks the hysteresis state machine for one parameter.
type paramState struct {
	name    string
	channel telemetry.ChannelID
	bands   []band // ascending severity
	current Severity
}

// Evaluator checks every snapshot against the configured thresholds and
// raises events on upward severity crossings. Downgrades require the value
// to clear every higher band by its hysteresis margin, so single-sample
// noise at a boundary cannot flap an alert.
type Evaluator struct {
	// FlightID, when set, stamps raised events with the active flight.
	FlightID func() string

	mu         sync.Mutex
	params     []*paramState
	sinks      []EventSink
	events     []Event
	byID       map[string]int
	lastFlight string
}

// NewEvaluator compiles cfg.Thresholds. Misconfigured entries (unknown
// parameter, bad severity, low above high) disable alerting for that band
// and log a warning; they never fail startup.
func NewEvaluator(cfg *config.Config, log *slog.Logger, sinks ...EventSink) *Evaluator {
	byName := make(map[string]*paramState)
	ev := &Evaluator{sinks: sinks, byID: make(map[string]int)}

	for _, t := range cfg.Thresholds {
		ch, ok := cfg.ChannelByName(t.Parameter)
		if !ok {
			log.Warn("threshold for unknown parameter, alerting disabled", "parameter", t.Parameter)
			continue
		}
		sev, err := ParseSeverity(t.Severity)
		if err != nil || sev == Normal {
			log.Warn("threshold with invalid severity, alerting disabled", "parameter", t.Parameter, "severity", t.Severity)
			continue
		}
		if t.Low != nil && t.High != nil && *t.Low > *t.High {
			log.Warn("threshold with low above high, alerting disabled", "parameter", t.Parameter, "low", *t.Low, "high", *t.High)
			continue
		}
		if t.Low == nil && t.High == nil {
			log.Warn("threshold with no bounds, alerting disabled", "parameter", t.Parameter)
			continue
		}

		ps, ok := byName[t.Parameter]
		if !ok {
			ps = &paramState{name: t.Parameter, channel: telemetry.ChannelID(ch.ID)}
			byName[t.Parameter] = ps
			ev.params = append(ev.params, ps)
		}
		ps.bands = append(ps.bands, band{sev: sev, low: t.Low, high: t.High, hyst: t.Hysteresis})
	}

	for _, ps := range ev.params {
		sortBands(ps.bands)
	}
	return ev
}

func sortBands(bs []band) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].sev < bs[j-1].sev; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}

// AddSink registers an additional event sink. Not safe to call once
// snapshots are flowing.
func (e *Evaluator) AddSink(s EventSink) {
	e.sinks = append(e.sinks, s)
}

// Consume implements engine.SnapshotConsumer.
func (e *Evaluator) Consume(snap telemetry.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FlightID != nil {
		if id := e.FlightID(); id != e.lastFlight {
			if id != "" {
				// A new flight starts from Normal. A parameter already in
				// violation before engine start re-raises on the first
				// in-flight snapshot, so the flight log replays to the
				// identical event sequence.
				for _, ps := range e.params {
					ps.current = Normal
				}
			}
			e.lastFlight = id
		}
	}

	for _, ps := range e.params {
		cv, ok := snap.Value(ps.channel)
		if !ok || !cv.Usable() {
			// Stale or faulted input: hold state, never evaluate the
			// carried value.
			continue
		}
		e.step(ps, cv.Value, snap.Timestamp)
	}
	return nil
}

func (e *Evaluator) step(ps *paramState, v float64, ts time.Time) {
	raw := Normal
	var bound float64
	for _, b := range ps.bands {
		if bd, hit := b.violated(v); hit {
			raw = b.sev
			bound = bd
		}
	}

	switch {
	case raw > ps.current:
		ps.current = raw
		e.raise(Event{
			ID:        uuid.New().String(),
			Severity:  raw,
			Parameter: ps.name,
			Value:     v,
			Bound:     bound,
			Timestamp: ts,
		})
	case raw < ps.current:
		// Downgrade one level at a time, each gated on clearing the bands
		// above the target by their hysteresis margin.
		next := ps.current
		for next > raw {
			if !e.clearedAbove(ps, v, next-1) {
				break
			}
			next--
		}
		ps.current = next
	}
}

// clearedAbove reports whether v clears every band stricter than target.
func (e *Evaluator) clearedAbove(ps *paramState, v float64, target Severity) bool {
	for _, b := range ps.bands {
		if b.sev > target && !b.cleared(v) {
			return false
		}
	}
	return true
}

func (e *Evaluator) raise(ev Event) {
	if e.FlightID != nil {
		ev.FlightID = e.FlightID()
	}
	alertsTotal.WithLabelValues(ev.Severity.String()).Inc()
	e.byID[ev.ID] = len(e.events)
	e.events = append(e.events, ev)
	for _, s := range e.sinks {
		// Sink failures degrade to in-memory history only.
		_ = s.RecordAlert(ev)
	}
}

// Events returns a copy of all raised events in order.
func (e *Evaluator) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// Acknowledge marks an event acknowledged. Unknown ids report false.
func (e *Evaluator) Acknowledge(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.byID[id]
	if !ok {
		return false
	}
	e.events[i].Acknowledged = true
	return true
}

// Current returns the active severity per parameter, for display surfaces.
func (e *Evaluator) Current() map[string]Severity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Severity, len(e.params))
	for _, ps := range e.params {
		out[ps.name] = ps.current
	}
	return out
}
