package engine

import (
	"context"
	"time"

	"epmon/internal/logging"
	"epmon/internal/telemetry"
)

// SampleSource supplies buffered samples to the tick loop. The bus receiver
// implements it; tests substitute fakes.
type SampleSource interface {
	Drain(func(telemetry.Sample))
}

// Run drives the tick loop at the aggregator's tick period and stops when
// the context is done. Each tick drains the source into the aggregator and
// assembles one snapshot.
func (a *Aggregator) Run(ctx context.Context, src SampleSource) {
	log := logging.FromContext(ctx)
	log.Info("starting engine tick loop", "tick_period", a.tickPeriod)
	ticker := time.NewTicker(a.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if src != nil {
				src.Drain(a.Ingest)
			}
			a.Tick(ctx)
		case <-ctx.Done():
			log.Info("stopping engine tick loop")
			return
		}
	}
}
