// Simulated engine physics behind the sensor acquisition unit
package sau

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"epmon/internal/config"
	"epmon/internal/telemetry"
)

// Operating profile constants. The simulated engine idles after start,
// runs up, then cruises while the mixture is leaned from full rich through
// peak EGT, which exercises the lean-assist peak detector.
const (
	cruiseRPM   = 2400.0
	idleRPM     = 1000.0
	runupAfter  = 8 * time.Second
	leanAfter   = 30 * time.Second
	leanPeriod  = 120 * time.Second
	peakMixture = 0.4
)

// Generator produces plausible sensor values for every configured channel.
// State advances lazily on each sample using first-order lags, so channels
// sampled at different rates observe one consistent engine.
type Generator struct {
	mu        sync.Mutex
	rand      *rand.Rand
	noise     float64
	faultRate float64
	chaos     bool

	running   bool
	startedAt time.Time
	lastStep  time.Time

	rpm     float64
	mixture float64
	egt     map[int]float64
	cht     map[int]float64
	oilTemp float64
}

// NewGenerator builds a generator seeded for reproducible runs when seed is
// non-zero.
func NewGenerator(cfg *config.Config, seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		rand:      rand.New(rand.NewSource(seed)),
		noise:     cfg.SAU.Noise,
		faultRate: cfg.SAU.FaultRate,
		mixture:   1,
		egt:       make(map[int]float64),
		cht:       make(map[int]float64),
		oilTemp:   60,
	}
}

// Start begins the engine profile from cold.
func (g *Generator) Start(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.startedAt = now
	g.mixture = 1
}

// Stop cuts the engine; RPM decays toward zero.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
}

// Running reports whether the engine profile is active.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// SetChaos toggles degraded-sensor mode: fault injection is amplified and
// the sampling unit corrupts frames on the wire.
func (g *Generator) SetChaos(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chaos = on
}

// Chaos reports whether chaos mode is active.
func (g *Generator) Chaos() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chaos
}

// Sample produces one measurement for the channel at the given instant.
func (g *Generator) Sample(ch config.Channel, now time.Time) telemetry.Sample {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.advance(now)

	fr := g.faultRate
	if g.chaos {
		fr *= 20
	}
	if g.rand.Float64() < fr {
		// Open/short condition: the flag is authoritative, the value is
		// deliberately garbage.
		return telemetry.Sample{Channel: telemetry.ChannelID(ch.ID), Timestamp: now, Fault: true}
	}

	return telemetry.Sample{
		Channel:   telemetry.ChannelID(ch.ID),
		Timestamp: now,
		Value:     g.value(ch),
	}
}

// advance steps the lagged state by the elapsed wall time.
func (g *Generator) advance(now time.Time) {
	if g.lastStep.IsZero() {
		g.lastStep = now
		return
	}
	dt := now.Sub(g.lastStep).Seconds()
	if dt <= 0 {
		return
	}
	if dt > 1 {
		dt = 1
	}
	g.lastStep = now

	targetRPM := 0.0
	if g.running {
		elapsed := now.Sub(g.startedAt)
		if elapsed < runupAfter {
			targetRPM = idleRPM
		} else {
			targetRPM = cruiseRPM
		}
		if elapsed > leanAfter {
			frac := math.Min(1, (elapsed - leanAfter).Seconds()/leanPeriod.Seconds())
			g.mixture = 1 - 0.8*frac
		}
	}
	g.rpm = lag(g.rpm, targetRPM, dt, 2.5)

	frac := g.rpm / cruiseRPM
	for cyl := 1; cyl <= 6; cyl++ {
		off := float64(cyl-3) * 12
		peak := 1540 + off
		egtTarget := frac * (peak - 900*(g.mixture-peakMixture)*(g.mixture-peakMixture))
		g.egt[cyl] = lag(g.egt[cyl], egtTarget, dt, 5)

		chtTarget := 80 + frac*(260+off)
		g.cht[cyl] = lag(g.cht[cyl], chtTarget, dt, 60)
	}
	g.oilTemp = lag(g.oilTemp, 60+frac*120, dt, 90)
}

func (g *Generator) value(ch config.Channel) float64 {
	frac := g.rpm / cruiseRPM
	var v, jitter float64
	switch ch.Kind {
	case config.KindRPM:
		v, jitter = g.rpm, 8
	case config.KindEGT:
		v, jitter = g.egt[ch.Cylinder], 4
	case config.KindCHT:
		v, jitter = g.cht[ch.Cylinder], 1.5
	case config.KindFuelFlow:
		v, jitter = frac*(8+6*g.mixture), 0.15
	case config.KindOilPress:
		v, jitter = 12+48*frac, 0.8
	case config.KindOilTemp:
		v, jitter = g.oilTemp, 0.5
	case config.KindMAP:
		v, jitter = 10+19*frac, 0.2
	case config.KindVolts:
		if g.rpm > 800 {
			v = 14.1
		} else {
			v = 12.4
		}
		jitter = 0.05
	case config.KindOAT:
		v, jitter = 11, 0.2
	}
	return v + g.rand.NormFloat64()*jitter*g.noise
}

// lag moves cur toward target with time constant tau seconds.
func lag(cur, target, dt, tau float64) float64 {
	return cur + (target-cur)*math.Min(1, dt/tau)
}
