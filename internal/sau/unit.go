package sau

import (
	"context"
	"io"
	"sync"
	"time"

	"epmon/internal/bus"
	"epmon/internal/config"
	"epmon/internal/logging"
)

// Unit drives one sampling goroutine per configured channel at its own
// rate and writes frames to the bus. Sampling never blocks on downstream
// processing; the DPU side buffers and drops.
type Unit struct {
	gen         *Generator
	channels    []config.Channel
	w           io.Writer
	corruptRate float64
}

// NewUnit wires the generator to the bus write side.
func NewUnit(cfg *config.Config, gen *Generator, w io.Writer) *Unit {
	return &Unit{
		gen:         gen,
		channels:    cfg.Channels,
		w:           w,
		corruptRate: cfg.SAU.CorruptRate,
	}
}

// Run samples all channels until ctx is done.
func (u *Unit) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("starting sensor unit", "channels", len(u.channels))

	var wg sync.WaitGroup
	for _, ch := range u.channels {
		wg.Add(1)
		go func(ch config.Channel) {
			defer wg.Done()
			u.sampleLoop(ctx, ch)
		}(ch)
	}
	wg.Wait()
	log.Info("sensor unit stopped")
}

func (u *Unit) sampleLoop(ctx context.Context, ch config.Channel) {
	rate := ch.RateHz
	if rate <= 0 {
		rate = 10
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := u.gen.Sample(ch, time.Now().UTC())
			frame := bus.EncodeFrame(s)
			if u.gen.Chaos() && u.corruptRate > 0 && u.gen.roll(u.corruptRate) {
				// Bit error on the wire; the receiver must drop this frame.
				frame[12] ^= 0xFF
			}
			if _, err := u.w.Write(frame[:]); err != nil {
				// Bus torn down; stop sampling this channel.
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// roll draws from the generator's random source under its lock.
func (g *Generator) roll(p float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand.Float64() < p
}
