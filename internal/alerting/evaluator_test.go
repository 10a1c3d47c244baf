package alerting

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"epmon/internal/config"
	"epmon/internal/telemetry"
)

func fp(v float64) *float64 { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func evalConfig() *config.Config {
	return &config.Config{
		Channels: []config.Channel{
			{ID: 3, Name: "oil_press", Kind: config.KindOilPress, Unit: "psi"},
			{ID: 10, Name: "egt1", Kind: config.KindEGT, Unit: "degF", Cylinder: 1},
		},
		Thresholds: []config.Threshold{
			{Parameter: "oil_press", Severity: "caution", Low: fp(25), Hysteresis: 3},
			{Parameter: "oil_press", Severity: "critical", Low: fp(10), Hysteresis: 3},
			{Parameter: "egt1", Severity: "critical", High: fp(1650), Hysteresis: 25},
		},
	}
}

// snap builds a snapshot with healthy defaults and one overridden channel.
func snap(seq uint64, ch telemetry.ChannelID, v float64, stale, fault bool) telemetry.Snapshot {
	values := []telemetry.ChannelValue{
		{Channel: 3, Value: 60},    // oil pressure healthy unless overridden
		{Channel: 10, Value: 1400}, // egt healthy unless overridden
	}
	for i := range values {
		if values[i].Channel == ch {
			values[i] = telemetry.ChannelValue{Channel: ch, Value: v, Stale: stale, Fault: fault}
		}
	}
	return telemetry.Snapshot{
		Seq:       seq,
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * 100 * time.Millisecond),
		Values:    values,
	}
}

func TestEvaluator_RaisesOnUpwardCrossing(t *testing.T) {
	ev := NewEvaluator(evalConfig(), discard())

	_ = ev.Consume(snap(1, 10, 1600, false, false))
	if n := len(ev.Events()); n != 0 {
		t.Fatalf("no threshold crossed yet, got %d events", n)
	}

	_ = ev.Consume(snap(2, 10, 1660, false, false))
	events := ev.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Severity != Critical || e.Parameter != "egt1" || e.Value != 1660 || e.Bound != 1650 {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.ID == "" {
		t.Error("event missing id")
	}
}

func TestEvaluator_HysteresisPreventsFlapping(t *testing.T) {
	ev := NewEvaluator(evalConfig(), discard())

	// Oscillate around the 1650 threshold without ever clearing the
	// 25-degree hysteresis margin. Exactly one event must be raised.
	values := []float64{1660, 1648, 1655, 1645, 1652, 1640}
	for i, v := range values {
		_ = ev.Consume(snap(uint64(i+1), 10, v, false, false))
	}
	if n := len(ev.Events()); n != 1 {
		t.Errorf("boundary oscillation raised %d events, want 1", n)
	}
	if cur := ev.Current()["egt1"]; cur != Critical {
		t.Errorf("severity downgraded inside the hysteresis margin: %v", cur)
	}

	// Clearing the margin (below 1650-25) downgrades; re-crossing raises a
	// fresh event.
	_ = ev.Consume(snap(10, 10, 1620, false, false))
	if cur := ev.Current()["egt1"]; cur != Normal {
		t.Errorf("severity not downgraded after clearing margin: %v", cur)
	}
	_ = ev.Consume(snap(11, 10, 1670, false, false))
	if n := len(ev.Events()); n != 2 {
		t.Errorf("re-crossing after clear raised %d events total, want 2", n)
	}
}

func TestEvaluator_LowBoundAndSeverityLadder(t *testing.T) {
	ev := NewEvaluator(evalConfig(), discard())

	_ = ev.Consume(snap(1, 3, 20, false, false)) // below caution low of 25
	_ = ev.Consume(snap(2, 3, 8, false, false))  // below critical low of 10

	events := ev.Events()
	if len(events) != 2 {
		t.Fatalf("expected caution then critical, got %d events", len(events))
	}
	if events[0].Severity != Caution || events[1].Severity != Critical {
		t.Errorf("severity order wrong: %v then %v", events[0].Severity, events[1].Severity)
	}

	// Recovery to 14 clears critical (>= 10+3) but not caution (< 25+3):
	// downgrade stops at caution.
	_ = ev.Consume(snap(3, 3, 14, false, false))
	if cur := ev.Current()["oil_press"]; cur != Caution {
		t.Errorf("expected stepwise downgrade to caution, got %v", cur)
	}
	// Full recovery.
	_ = ev.Consume(snap(4, 3, 40, false, false))
	if cur := ev.Current()["oil_press"]; cur != Normal {
		t.Errorf("expected normal after full recovery, got %v", cur)
	}
}

func TestEvaluator_SkipsStaleAndFaultedValues(t *testing.T) {
	ev := NewEvaluator(evalConfig(), discard())

	// A faulted oil pressure sensor reads zero; that must not raise the
	// low-pressure alert.
	_ = ev.Consume(snap(1, 3, 0, false, true))
	if n := len(ev.Events()); n != 0 {
		t.Errorf("faulted sample raised %d events", n)
	}

	// Raise for real, then go stale: the active severity holds.
	_ = ev.Consume(snap(2, 3, 8, false, false))
	if cur := ev.Current()["oil_press"]; cur != Critical {
		t.Fatalf("setup failed, severity %v", cur)
	}
	_ = ev.Consume(snap(3, 3, 60, true, false))
	if cur := ev.Current()["oil_press"]; cur != Critical {
		t.Errorf("stale sample changed held severity to %v", cur)
	}
}

func TestEvaluator_MisconfiguredThresholdsDisabledNotFatal(t *testing.T) {
	cfg := evalConfig()
	cfg.Thresholds = []config.Threshold{
		{Parameter: "no_such", Severity: "warning", High: fp(1)},
		{Parameter: "oil_press", Severity: "extreme", High: fp(1)},
		{Parameter: "oil_press", Severity: "warning", Low: fp(50), High: fp(10)},
		{Parameter: "oil_press", Severity: "warning"},
	}
	ev := NewEvaluator(cfg, discard())

	// None of the broken bands may fire, even on wild values.
	_ = ev.Consume(snap(1, 3, 999, false, false))
	_ = ev.Consume(snap(2, 3, -999, false, false))
	if n := len(ev.Events()); n != 0 {
		t.Errorf("misconfigured thresholds raised %d events", n)
	}
}

func TestEvaluator_ReplayIsDeterministic(t *testing.T) {
	values := []float64{1500, 1640, 1680, 1655, 1610, 1700, 1600}

	run := func() []Event {
		ev := NewEvaluator(evalConfig(), discard())
		for i, v := range values {
			_ = ev.Consume(snap(uint64(i+1), 10, v, false, false))
		}
		return ev.Events()
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("replay produced %d events vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Severity != b[i].Severity || a[i].Value != b[i].Value || a[i].Bound != b[i].Bound {
			t.Errorf("event %d differs across identical runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestEvaluator_ViolationSpanningFlightOpenReplaysIdentically(t *testing.T) {
	// Oil pressure sits below the caution low before engine start. The
	// pre-flight event is history-only; once a flight opens the state
	// restarts from Normal, so the first in-flight snapshot re-raises and
	// the flight log carries the same sequence a replay recomputes.
	inFlight := []telemetry.Snapshot{
		snap(3, 3, 20, false, false),
		snap(4, 3, 20, false, false),
		snap(5, 3, 8, false, false),
	}

	flightID := ""
	live := NewEvaluator(evalConfig(), discard())
	live.FlightID = func() string { return flightID }

	_ = live.Consume(snap(1, 3, 20, false, false)) // pre-flight, already in violation
	_ = live.Consume(snap(2, 3, 20, false, false))
	flightID = "flight-1"
	for _, s := range inFlight {
		_ = live.Consume(s)
	}

	var recorded []Event
	for _, ev := range live.Events() {
		if ev.FlightID == "flight-1" {
			recorded = append(recorded, ev)
		}
	}

	replay := NewEvaluator(evalConfig(), discard())
	replay.FlightID = func() string { return "flight-1" }
	for _, s := range inFlight {
		_ = replay.Consume(s)
	}
	recomputed := replay.Events()

	if len(recorded) != len(recomputed) {
		t.Fatalf("recorded %d in-flight events, replay recomputed %d", len(recorded), len(recomputed))
	}
	for i := range recorded {
		a, b := recorded[i], recomputed[i]
		if a.Severity != b.Severity || a.Parameter != b.Parameter || a.Value != b.Value || a.Bound != b.Bound {
			t.Errorf("event %d differs: live %+v vs replay %+v", i, a, b)
		}
	}
	// The ongoing violation raises caution at flight open, then critical.
	if len(recorded) != 2 || recorded[0].Severity != Caution || recorded[1].Severity != Critical {
		t.Errorf("unexpected in-flight sequence: %+v", recorded)
	}
}

func TestEvaluator_Acknowledge(t *testing.T) {
	ev := NewEvaluator(evalConfig(), discard())
	_ = ev.Consume(snap(1, 10, 1700, false, false))
	events := ev.Events()
	if len(events) != 1 {
		t.Fatal("setup failed")
	}
	if !ev.Acknowledge(events[0].ID) {
		t.Error("acknowledging a known event failed")
	}
	if ev.Acknowledge("nope") {
		t.Error("acknowledging an unknown id succeeded")
	}
	if got := ev.Events()[0]; !got.Acknowledged {
		t.Error("acknowledged flag not set")
	}
	if got := ev.Events()[0]; got.Severity != Critical {
		t.Error("acknowledgement mutated the event")
	}
}

type captureSink struct{ events []Event }

func (s *captureSink) RecordAlert(e Event) error {
	s.events = append(s.events, e)
	return nil
}

func TestEvaluator_FanOutToSinksWithFlightID(t *testing.T) {
	sink := &captureSink{}
	ev := NewEvaluator(evalConfig(), discard(), sink)
	ev.FlightID = func() string { return "flight-1" }

	_ = ev.Consume(snap(1, 10, 1700, false, false))
	if len(sink.events) != 1 {
		t.Fatalf("sink saw %d events, want 1", len(sink.events))
	}
	if sink.events[0].FlightID != "flight-1" {
		t.Errorf("event not stamped with flight id: %+v", sink.events[0])
	}
}
