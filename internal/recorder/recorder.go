// Flight detection and durable snapshot/alert recording
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"epmon/internal/alerting"
	"epmon/internal/config"
	"epmon/internal/logging"
	"epmon/internal/telemetry"
)

var (
	flightsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epmon_flights_total",
		Help: "Flights opened.",
	})
	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epmon_recorder_dropped_total",
		Help: "Records dropped because the write buffer was full.",
	})
)

// writeOp is one unit of work for the writer goroutine. Open and close ops
// carry file lifecycle; flush ops let callers wait for the queue to drain.
type writeOp struct {
	typ     byte
	payload []byte
	path    string        // recOpen only
	flush   chan struct{} // flush sentinel, typ 0
}

func (op writeOp) droppable() bool {
	return op.typ == recSnapshot || op.typ == recAlert
}

// Recorder detects engine start/stop on the RPM channel and persists every
// snapshot and alert event of the active flight to an append-only log.
//
// Writes run on a dedicated goroutine behind a bounded queue so a stalled
// disk never blocks the tick path; on overflow the oldest pending snapshot
// or alert record is dropped with a warning. Flight open/close records are
// never dropped.
type Recorder struct {
	dir        string
	tickPeriod time.Duration
	idleRPM    float64
	stopRPM    float64
	stopHold   time.Duration
	log        *slog.Logger

	rpmID  telemetry.ChannelID
	ffID   telemetry.ChannelID
	hasFF  bool
	egtIDs []telemetry.ChannelID
	chtIDs []telemetry.ChannelID

	queue   *opQueue
	dropped atomic.Uint64

	mu         sync.Mutex
	active     *Flight
	belowSince time.Time
}

// New builds a Recorder from config. The recorder directory is created if
// missing.
func New(cfg *config.Config, tickPeriod time.Duration, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Recorder.Dir, 0o755); err != nil {
		return nil, err
	}
	rpm, _ := cfg.ChannelOfKind(config.KindRPM)
	r := &Recorder{
		dir:        cfg.Recorder.Dir,
		tickPeriod: tickPeriod,
		idleRPM:    cfg.Flight.IdleRPM,
		stopRPM:    cfg.Flight.StopRPM,
		stopHold:   time.Duration(cfg.Flight.StopHoldS * float64(time.Second)),
		log:        log,
		rpmID:      telemetry.ChannelID(rpm.ID),
		queue:      newOpQueue(cfg.Recorder.BufferDepth),
	}
	if ff, ok := cfg.ChannelOfKind(config.KindFuelFlow); ok {
		r.ffID = telemetry.ChannelID(ff.ID)
		r.hasFF = true
	}
	for _, ch := range cfg.ChannelsOfKind(config.KindEGT) {
		r.egtIDs = append(r.egtIDs, telemetry.ChannelID(ch.ID))
	}
	for _, ch := range cfg.ChannelsOfKind(config.KindCHT) {
		r.chtIDs = append(r.chtIDs, telemetry.ChannelID(ch.ID))
	}
	return r, nil
}

// Consume implements engine.SnapshotConsumer. It runs flight detection and
// enqueues the snapshot for persistence when a flight is active.
func (r *Recorder) Consume(snap telemetry.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rpm, rpmOK := snap.Value(r.rpmID)
	rpmUsable := rpmOK && rpm.Usable()

	if r.active == nil {
		if rpmUsable && rpm.Value >= r.idleRPM {
			r.openLocked(snap.Timestamp)
		} else {
			return nil
		}
	}

	r.accumulateLocked(snap)
	r.enqueue(writeOp{typ: recSnapshot, payload: mustJSON(snap)})

	// Stop detection: RPM sustained below the stop threshold. A stale or
	// faulted RPM channel freezes detection rather than closing the flight.
	if rpmUsable {
		if rpm.Value < r.stopRPM {
			if r.belowSince.IsZero() {
				r.belowSince = snap.Timestamp
			} else if snap.Timestamp.Sub(r.belowSince) >= r.stopHold {
				r.closeLocked(snap.Timestamp)
			}
		} else {
			r.belowSince = time.Time{}
		}
	}
	return nil
}

func (r *Recorder) openLocked(ts time.Time) {
	f := &Flight{
		ID:        uuid.New().String(),
		StartTime: ts,
	}
	r.active = f
	r.belowSince = time.Time{}
	flightsTotal.Inc()
	r.log.Info("flight started", "flight_id", f.ID, "start", ts)

	name := ts.UTC().Format("20060102T150405Z") + "-" + f.ID[:8] + ".flt"
	r.enqueue(writeOp{
		typ:     recOpen,
		path:    filepath.Join(r.dir, name),
		payload: mustJSON(Flight{ID: f.ID, StartTime: f.StartTime}),
	})
}

func (r *Recorder) closeLocked(ts time.Time) {
	f := r.active
	f.EndTime = ts
	f.DurationS = ts.Sub(f.StartTime).Seconds()
	f.Closed = true
	r.log.Info("flight closed",
		"flight_id", f.ID,
		"duration_s", f.DurationS,
		"snapshots", f.SnapshotCount,
		"alerts", f.AlertCount,
		"fuel_used_gal", f.FuelUsedGal)
	r.enqueue(writeOp{typ: recClose, payload: mustJSON(*f)})
	r.active = nil
	r.belowSince = time.Time{}
}

func (r *Recorder) accumulateLocked(snap telemetry.Snapshot) {
	f := r.active
	f.SnapshotCount++
	if v, ok := snap.Value(r.rpmID); ok && v.Usable() && v.Value > f.MaxRPM {
		f.MaxRPM = v.Value
	}
	if r.hasFF {
		if v, ok := snap.Value(r.ffID); ok && v.Usable() {
			// Fuel flow is gallons per hour; integrate over one tick.
			f.FuelUsedGal += v.Value * r.tickPeriod.Hours()
		}
	}
	for _, id := range r.egtIDs {
		if v, ok := snap.Value(id); ok && v.Usable() && v.Value > f.MaxEGT {
			f.MaxEGT = v.Value
		}
	}
	for _, id := range r.chtIDs {
		if v, ok := snap.Value(id); ok && v.Usable() && v.Value > f.MaxCHT {
			f.MaxCHT = v.Value
		}
	}
}

// RecordAlert implements alerting.EventSink. Alerts raised outside a flight
// stay in the evaluator's in-memory history only.
func (r *Recorder) RecordAlert(ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	if ev.FlightID == "" {
		ev.FlightID = r.active.ID
	}
	r.active.AlertCount++
	r.enqueue(writeOp{typ: recAlert, payload: mustJSON(ev)})
	return nil
}

// ActiveFlightID returns the id of the flight in progress, or "".
func (r *Recorder) ActiveFlightID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.ID
}

// ActiveFlight returns a copy of the in-progress flight summary.
func (r *Recorder) ActiveFlight() (Flight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Flight{}, false
	}
	return *r.active, true
}

// Dropped returns how many records were discarded on buffer overflow.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(op writeOp) {
	if n := r.queue.push(op); n > 0 {
		d := r.dropped.Add(uint64(n))
		recordsDropped.Add(float64(n))
		r.log.Warn("recorder buffer full, dropped oldest record", "dropped_total", d)
	}
}

// Flush blocks until every record enqueued before the call is written.
func (r *Recorder) Flush() {
	done := make(chan struct{})
	r.queue.push(writeOp{flush: done})
	<-done
}

// Run processes the write queue until ctx is done, then drains what remains
// and closes any open log file.
func (r *Recorder) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	go func() {
		<-ctx.Done()
		r.queue.shutdown()
	}()

	var cur *flightLog
	for {
		op, ok := r.queue.pop()
		if !ok {
			break
		}
		if op.flush != nil {
			if cur != nil {
				if err := cur.sync(); err != nil {
					log.Warn("flight log sync failed", "err", err)
				}
			}
			close(op.flush)
			continue
		}
		switch op.typ {
		case recOpen:
			if cur != nil {
				_ = cur.close()
			}
			l, err := createFlightLog(op.path)
			if err != nil {
				// Degrade to in-memory only for this flight.
				log.Error("cannot create flight log", "path", op.path, "err", err)
				cur = nil
				continue
			}
			cur = l
			if err := cur.append(recOpen, op.payload); err != nil {
				log.Warn("flight log write failed", "err", err)
			}
		case recClose:
			if cur == nil {
				continue
			}
			if err := cur.append(recClose, op.payload); err != nil {
				log.Warn("flight log write failed", "err", err)
			}
			if err := cur.close(); err != nil {
				log.Warn("flight log close failed", "err", err)
			}
			cur = nil
		default:
			if cur == nil {
				continue
			}
			if err := cur.append(op.typ, op.payload); err != nil {
				log.Warn("flight log write failed", "err", err)
			}
		}
	}
	if cur != nil {
		_ = cur.close()
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All recorded types marshal cleanly; this guards future edits.
		panic(err)
	}
	return b
}
