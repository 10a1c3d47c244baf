// Engine state aggregation: latest-value ingest and fixed-cadence snapshots
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"epmon/internal/config"
	"epmon/internal/logging"
	"epmon/internal/telemetry"
)

// staleTicks is how many tick periods a channel may go without a fresh
// sample before its snapshot entry is flagged stale.
const staleTicks = 3

var snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "epmon_snapshots_total",
	Help: "Engine snapshots assembled.",
})

// SnapshotConsumer receives every assembled snapshot. Consumers run
// synchronously on the tick path and must return quickly.
type SnapshotConsumer interface {
	Consume(telemetry.Snapshot) error
}

// Aggregator keeps the most recent sample per channel and assembles
// fixed-width snapshots at tick boundaries.
//
// Consumers are invoked in registration order, one after another, on every
// tick. The flight recorder is registered first by convention so a snapshot
// is persisted before the alert evaluator or analytics act on it, keeping
// derived output reproducible from stored history.
type Aggregator struct {
	channels   []config.Channel
	tickPeriod time.Duration
	consumers  []SnapshotConsumer
	now        func() time.Time

	mu     sync.Mutex
	latest map[telemetry.ChannelID]telemetry.Sample
	seq    uint64
	lastTS time.Time
}

// NewAggregator builds an aggregator over the configured channel set.
// Snapshot width and value order follow cfg.Channels.
func NewAggregator(cfg *config.Config, tickPeriod time.Duration, consumers ...SnapshotConsumer) *Aggregator {
	return &Aggregator{
		channels:   cfg.Channels,
		tickPeriod: tickPeriod,
		consumers:  consumers,
		now:        time.Now,
		latest:     make(map[telemetry.ChannelID]telemetry.Sample),
	}
}

// Ingest records s as the latest value for its channel. Faulted samples are
// kept so the fault flag propagates into the next snapshot.
func (a *Aggregator) Ingest(s telemetry.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest[s.Channel] = s
}

// Tick assembles a snapshot from the latest known value per channel and
// hands it to all consumers in order. A channel whose last sample is older
// than three tick periods, or that has never reported, is flagged stale.
func (a *Aggregator) Tick(ctx context.Context) telemetry.Snapshot {
	a.mu.Lock()

	ts := a.now().UTC()
	if !ts.After(a.lastTS) {
		ts = a.lastTS.Add(a.tickPeriod)
	}
	a.lastTS = ts
	a.seq++

	snap := telemetry.Snapshot{
		Seq:       a.seq,
		Timestamp: ts,
		Values:    make([]telemetry.ChannelValue, 0, len(a.channels)),
	}
	for _, ch := range a.channels {
		id := telemetry.ChannelID(ch.ID)
		cv := telemetry.ChannelValue{Channel: id}
		if s, ok := a.latest[id]; ok {
			age := int(ts.Sub(s.Timestamp) / a.tickPeriod)
			cv.Value = s.Value
			cv.Fault = s.Fault
			cv.AgeTicks = age
			cv.Stale = age > staleTicks
		} else {
			// Never reported: stale, no fabricated value.
			cv.Stale = true
			cv.AgeTicks = int(a.seq)
		}
		snap.Values = append(snap.Values, cv)
	}
	a.mu.Unlock()

	snapshotsTotal.Inc()
	log := logging.FromContext(ctx)
	for _, c := range a.consumers {
		if err := c.Consume(snap); err != nil {
			log.Error("snapshot consumer failed", "seq", snap.Seq, "err", err)
		}
	}
	return snap
}

// Latest returns the most recent snapshot state without advancing the tick
// counter. Used by display surfaces polling outside the tick path.
func (a *Aggregator) Latest() (telemetry.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seq == 0 {
		return telemetry.Snapshot{}, false
	}
	snap := telemetry.Snapshot{Seq: a.seq, Timestamp: a.lastTS}
	for _, ch := range a.channels {
		id := telemetry.ChannelID(ch.ID)
		cv := telemetry.ChannelValue{Channel: id, Stale: true}
		if s, ok := a.latest[id]; ok {
			age := int(a.lastTS.Sub(s.Timestamp) / a.tickPeriod)
			cv = telemetry.ChannelValue{Channel: id, Value: s.Value, Fault: s.Fault, AgeTicks: age, Stale: age > staleTicks}
		}
		snap.Values = append(snap.Values, cv)
	}
	return snap, true
}
