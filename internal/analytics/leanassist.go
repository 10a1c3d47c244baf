// Lean-assist analytics over a rolling snapshot window
package analytics

import (
	"math"
	"sync"
	"time"

	"epmon/internal/config"
	"epmon/internal/telemetry"
)

// risePersistTicks is how many consecutive rising smoothed samples must
// precede a fall before a sign change counts as an EGT peak. Filters tick
// noise without delaying detection noticeably at 10 Hz.
const risePersistTicks = 3

// CylinderPeak is the peak-detection state for one cylinder's EGT.
type CylinderPeak struct {
	Cylinder int       `json:"cylinder"`
	Detected bool      `json:"detected"`
	PeakEGT  float64   `json:"peak_egt,omitempty"`
	PeakTime time.Time `json:"peak_time,omitzero"`
	// Side is "rop" before the peak and "lop" after.
	Side string `json:"side,omitempty"`
}

// Result is the lean-assist readout at the latest tick.
type Result struct {
	Timestamp  time.Time      `json:"ts"`
	SpreadEGT  float64        `json:"spread_egt"`
	HottestCyl int            `json:"hottest_cyl,omitempty"`
	CoolestCyl int            `json:"coolest_cyl,omitempty"`
	Peaks      []CylinderPeak `json:"peaks,omitempty"`
}

// egtChannel pairs a bus channel with its cylinder index.
type egtChannel struct {
	id  telemetry.ChannelID
	cyl int
}

// peakState tracks the smoothed first-derivative sign change per cylinder.
type peakState struct {
	prevSMA  float64
	havePrev bool
	rising   int
	falling  int
	maxVal   float64
	maxTime  time.Time
	detected bool
}

// LeanAssist watches per-cylinder EGT over a rolling window of recent
// snapshots. It detects each cylinder's EGT peak as a smoothed
// first-derivative sign change and computes the spread (max minus min)
// across active cylinders at the current tick. Stale or faulted cylinders
// are excluded from both.
type LeanAssist struct {
	egts        []egtChannel
	windowTicks int
	smoothTicks int

	mu     sync.Mutex
	window []telemetry.Snapshot // ring, newest last
	peaks  map[telemetry.ChannelID]*peakState
	last   Result
}

// New builds a LeanAssist over the configured EGT channels.
func New(cfg *config.Config) *LeanAssist {
	la := &LeanAssist{
		windowTicks: cfg.Analytics.WindowTicks,
		smoothTicks: cfg.Analytics.SmoothTicks,
		peaks:       make(map[telemetry.ChannelID]*peakState),
	}
	for _, ch := range cfg.ChannelsOfKind(config.KindEGT) {
		la.egts = append(la.egts, egtChannel{id: telemetry.ChannelID(ch.ID), cyl: ch.Cylinder})
		la.peaks[telemetry.ChannelID(ch.ID)] = &peakState{}
	}
	return la
}

// Consume implements engine.SnapshotConsumer.
func (la *LeanAssist) Consume(snap telemetry.Snapshot) error {
	la.mu.Lock()
	defer la.mu.Unlock()

	la.window = append(la.window, snap)
	if len(la.window) > la.windowTicks {
		la.window = la.window[1:]
	}

	res := Result{Timestamp: snap.Timestamp}

	min, max := math.Inf(1), math.Inf(-1)
	active := 0
	for _, ec := range la.egts {
		cv, ok := snap.Value(ec.id)
		if !ok || !cv.Usable() {
			continue
		}
		active++
		if cv.Value > max {
			max = cv.Value
			res.HottestCyl = ec.cyl
		}
		if cv.Value < min {
			min = cv.Value
			res.CoolestCyl = ec.cyl
		}
		la.step(ec.id, snap.Timestamp)
	}
	if active >= 2 {
		res.SpreadEGT = max - min
	}

	for _, ec := range la.egts {
		ps := la.peaks[ec.id]
		cp := CylinderPeak{Cylinder: ec.cyl, Detected: ps.detected}
		if ps.detected {
			cp.PeakEGT = ps.maxVal
			cp.PeakTime = ps.maxTime
			cp.Side = "lop"
		} else if ps.havePrev {
			cp.Side = "rop"
		}
		res.Peaks = append(res.Peaks, cp)
	}

	la.last = res
	return nil
}

// step advances one cylinder's peak detector using the smoothed EGT value
// at the end of the window.
func (la *LeanAssist) step(id telemetry.ChannelID, ts time.Time) {
	sma, ok := la.smoothed(id)
	if !ok {
		return
	}
	ps := la.peaks[id]
	if !ps.havePrev {
		ps.prevSMA = sma
		ps.havePrev = true
		ps.maxVal = sma
		ps.maxTime = ts
		return
	}
	d := sma - ps.prevSMA
	ps.prevSMA = sma

	switch {
	case d > 0:
		ps.rising++
		ps.falling = 0
		if sma > ps.maxVal {
			ps.maxVal = sma
			ps.maxTime = ts
			// A climb past the previous peak starts a new mixture cycle.
			ps.detected = false
		}
	case d < 0:
		if ps.rising >= risePersistTicks || ps.falling > 0 {
			ps.falling++
			if ps.falling >= la.smoothTicks && !ps.detected {
				ps.detected = true
			}
		}
		ps.rising = 0
	}
}

// smoothed returns the mean of the last smoothTicks usable values for the
// channel, requiring a full smoothing window.
func (la *LeanAssist) smoothed(id telemetry.ChannelID) (float64, bool) {
	if len(la.window) < la.smoothTicks {
		return 0, false
	}
	sum := 0.0
	n := 0
	for i := len(la.window) - 1; i >= 0 && n < la.smoothTicks; i-- {
		cv, ok := la.window[i].Value(id)
		if !ok || !cv.Usable() {
			return 0, false
		}
		sum += cv.Value
		n++
	}
	if n < la.smoothTicks {
		return 0, false
	}
	return sum / float64(n), true
}

// Result returns the latest lean-assist readout.
func (la *LeanAssist) Result() Result {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.last
}
