package recorder

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"epmon/internal/alerting"
	"epmon/internal/config"
	"epmon/internal/telemetry"
)

const tick = 100 * time.Millisecond

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recConfig(t *testing.T) *config.Config {
	return &config.Config{
		Channels: []config.Channel{
			{ID: 1, Name: "rpm", Kind: config.KindRPM, Unit: "rpm"},
			{ID: 2, Name: "fuel_flow", Kind: config.KindFuelFlow, Unit: "gph"},
			{ID: 10, Name: "egt1", Kind: config.KindEGT, Unit: "degF", Cylinder: 1},
			{ID: 20, Name: "cht1", Kind: config.KindCHT, Unit: "degF", Cylinder: 1},
		},
		Flight:   config.Flight{IdleRPM: 800, StopRPM: 500, StopHoldS: 30},
		Recorder: config.Recorder{Dir: t.TempDir(), BufferDepth: 64},
	}
}

// engineSnap builds a snapshot with the given rpm and fixed healthy values
// for the other channels.
func engineSnap(seq uint64, ts time.Time, rpm float64, rpmStale bool) telemetry.Snapshot {
	return telemetry.Snapshot{
		Seq:       seq,
		Timestamp: ts,
		Values: []telemetry.ChannelValue{
			{Channel: 1, Value: rpm, Stale: rpmStale},
			{Channel: 2, Value: 12}, // gph
			{Channel: 10, Value: 1400},
			{Channel: 20, Value: 350},
		},
	}
}

// runWriter starts the writer goroutine and returns a stop func that drains
// and waits for it.
func runWriter(r *Recorder) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRecorder_FlightLifecycle(t *testing.T) {
	cfg := recConfig(t)
	r, err := New(cfg, tick, discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := runWriter(r)
	defer stop()

	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	seq := uint64(0)
	feed := func(ts time.Time, rpm float64) {
		seq++
		if err := r.Consume(engineSnap(seq, ts, rpm, false)); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
	}

	// Engine off: nothing recorded, no flight.
	feed(t0, 0)
	feed(t0.Add(tick), 400)
	if id := r.ActiveFlightID(); id != "" {
		t.Fatalf("flight active before idle rpm reached: %s", id)
	}

	// Crossing idle rpm opens a flight.
	start := t0.Add(2 * tick)
	feed(start, 900)
	flightID := r.ActiveFlightID()
	if flightID == "" {
		t.Fatal("no flight opened at idle rpm")
	}

	// Cruise for a few snapshots, then raise an alert mid-flight.
	for i := 0; i < 5; i++ {
		feed(start.Add(time.Duration(i+1)*tick), 2400)
	}
	if err := r.RecordAlert(alerting.Event{ID: "ev-1", Severity: alerting.Warning, Parameter: "cht1", Value: 430, Bound: 420}); err != nil {
		t.Fatalf("RecordAlert failed: %v", err)
	}

	// RPM below stop threshold, but not yet for the hold duration.
	low := start.Add(10 * tick)
	feed(low, 200)
	feed(low.Add(10*time.Second), 200)
	if r.ActiveFlightID() != flightID {
		t.Fatal("flight closed before stop hold elapsed")
	}

	// A blip above stop rpm resets the hold timer.
	feed(low.Add(15*time.Second), 700)
	feed(low.Add(20*time.Second), 200)
	feed(low.Add(40*time.Second), 200)
	if r.ActiveFlightID() != flightID {
		t.Fatal("hold timer not reset by rpm blip")
	}

	// Sustained low rpm past the hold closes the flight.
	end := low.Add(51 * time.Second)
	feed(end, 200)
	if id := r.ActiveFlightID(); id != "" {
		t.Fatalf("flight still active after sustained stop: %s", id)
	}

	r.Flush()

	flights, err := List(cfg.Recorder.Dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(flights) != 1 {
		t.Fatalf("expected 1 recorded flight, got %d", len(flights))
	}
	f := flights[0]
	if f.ID != flightID {
		t.Errorf("flight id mismatch: %s vs %s", f.ID, flightID)
	}
	if !f.Closed {
		t.Error("flight not marked closed")
	}
	if !f.StartTime.Equal(start) {
		t.Errorf("start time %v, want %v", f.StartTime, start)
	}
	if want := end.Sub(start).Seconds(); f.DurationS != want {
		t.Errorf("duration %vs, want %vs", f.DurationS, want)
	}
	if f.AlertCount != 1 {
		t.Errorf("alert count %d, want 1", f.AlertCount)
	}
	if f.MaxRPM != 2400 {
		t.Errorf("max rpm %v, want 2400", f.MaxRPM)
	}

	// Fuel burn integrates 12 gph over one tick per recorded snapshot.
	perSnap := 12 * tick.Hours()
	want := float64(f.SnapshotCount) * perSnap
	if math.Abs(f.FuelUsedGal-want) > 1e-9 {
		t.Errorf("fuel used %v, want %v", f.FuelUsedGal, want)
	}

	// The stored log replays the same snapshots and the alert.
	path, err := LogPath(cfg.Recorder.Dir, flightID[:8])
	if err != nil {
		t.Fatalf("LogPath failed: %v", err)
	}
	data, err := ReadFlight(path)
	if err != nil {
		t.Fatalf("ReadFlight failed: %v", err)
	}
	if len(data.Snapshots) != f.SnapshotCount {
		t.Errorf("log has %d snapshots, summary says %d", len(data.Snapshots), f.SnapshotCount)
	}
	if len(data.Alerts) != 1 || data.Alerts[0].FlightID != flightID {
		t.Errorf("alert record wrong: %+v", data.Alerts)
	}
}

func TestRecorder_StaleRPMFreezesDetection(t *testing.T) {
	cfg := recConfig(t)
	r, err := New(cfg, tick, discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := runWriter(r)
	defer stop()

	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Stale rpm never opens a flight, whatever the carried value.
	_ = r.Consume(engineSnap(1, t0, 2400, true))
	if r.ActiveFlightID() != "" {
		t.Fatal("stale rpm opened a flight")
	}

	// Open for real, then lose the rpm sensor with the carried value below
	// stop: the flight must stay open however long that lasts.
	_ = r.Consume(engineSnap(2, t0.Add(tick), 2400, false))
	id := r.ActiveFlightID()
	if id == "" {
		t.Fatal("setup failed")
	}
	_ = r.Consume(engineSnap(3, t0.Add(2*tick), 100, true))
	_ = r.Consume(engineSnap(4, t0.Add(2*time.Minute), 100, true))
	if r.ActiveFlightID() != id {
		t.Error("stale rpm closed the flight")
	}
}

func TestRecorder_AlertOutsideFlightNotPersisted(t *testing.T) {
	cfg := recConfig(t)
	r, err := New(cfg, tick, discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.RecordAlert(alerting.Event{ID: "ev-1", Severity: alerting.Caution, Parameter: "volts"}); err != nil {
		t.Fatalf("RecordAlert failed: %v", err)
	}
	if n := r.queue.len(); n != 0 {
		t.Errorf("alert outside a flight enqueued %d records", n)
	}
}

func TestRecorder_BufferOverflowDropsOldestSnapshot(t *testing.T) {
	cfg := recConfig(t)
	cfg.Recorder.BufferDepth = 4
	r, err := New(cfg, tick, discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// No writer goroutine: the queue fills like it would behind a stalled
	// disk.
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		_ = r.Consume(engineSnap(uint64(i+1), t0.Add(time.Duration(i)*tick), 2400, false))
	}
	if r.Dropped() == 0 {
		t.Error("no drops reported on overflow")
	}
	if n := r.queue.len(); n > 5 {
		// depth 4 plus the never-droppable open record
		t.Errorf("queue grew past its bound: %d", n)
	}

	// The flight open record must survive: once the writer drains, the log
	// exists and replays with a valid header.
	stop := runWriter(r)
	r.Flush()
	stop()

	flights, err := List(cfg.Recorder.Dir)
	if err != nil || len(flights) != 1 {
		t.Fatalf("flight open record lost: %v, %d flights", err, len(flights))
	}
}

func TestReadFlight_TruncatedTailAfterCrash(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/20260501T100000Z-abcd1234.flt"

	l, err := createFlightLog(path)
	if err != nil {
		t.Fatalf("createFlightLog failed: %v", err)
	}
	fl := Flight{ID: "abcd1234-0000", StartTime: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	if err := l.append(recOpen, mustJSON(fl)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s := engineSnap(uint64(i+1), fl.StartTime.Add(time.Duration(i)*tick), 2400, false)
		if err := l.append(recSnapshot, mustJSON(s)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append by chopping bytes off the tail.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-7); err != nil {
		t.Fatal(err)
	}

	data, err := ReadFlight(path)
	if err != nil {
		t.Fatalf("ReadFlight on truncated log failed: %v", err)
	}
	if data.Flight.ID != fl.ID {
		t.Errorf("flight header lost: %+v", data.Flight)
	}
	if len(data.Snapshots) != 2 {
		t.Errorf("expected 2 intact snapshots before the torn record, got %d", len(data.Snapshots))
	}
	if data.Flight.Closed {
		t.Error("truncated log reported as closed")
	}

	// The unclosed flight still shows up in the listing with reconstructed
	// counts.
	flights, err := List(dir)
	if err != nil || len(flights) != 1 {
		t.Fatalf("List failed: %v, %d flights", err, len(flights))
	}
	if flights[0].Closed || flights[0].SnapshotCount != 2 {
		t.Errorf("unexpected summary for crashed flight: %+v", flights[0])
	}
}

func TestLogPath_UnknownID(t *testing.T) {
	if _, err := LogPath(t.TempDir(), "ffffffff"); err == nil {
		t.Error("expected an error for an unknown flight id")
	}
}
