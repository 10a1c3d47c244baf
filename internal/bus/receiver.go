package bus

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"epmon/internal/logging"
	"epmon/internal/telemetry"
)

var (
	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epmon_bus_frames_total",
		Help: "Frames decoded from the sensor bus.",
	})
	corruptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epmon_bus_corrupt_frames_total",
		Help: "Frames dropped due to sync or CRC failure.",
	})
	overflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epmon_bus_queue_overflow_total",
		Help: "Samples dropped because a channel queue was full.",
	})
)

// Stats is a point-in-time view of receiver counters.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Corrupt  uint64 `json:"corrupt"`
	Overflow uint64 `json:"overflow"`
}

// Receiver decodes frames from the bus and buffers them in bounded
// per-channel queues. The receive loop never blocks on a slow consumer:
// when a queue is full the oldest unconsumed sample of that channel is
// dropped.
type Receiver struct {
	r          *bufio.Reader
	queueDepth int

	mu     sync.Mutex
	queues map[telemetry.ChannelID][]telemetry.Sample

	frames   atomic.Uint64
	corrupt  atomic.Uint64
	overflow atomic.Uint64
}

// NewReceiver wraps the bus read side. queueDepth bounds each channel queue.
func NewReceiver(r io.Reader, queueDepth int) *Receiver {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Receiver{
		r:          bufio.NewReaderSize(r, 4*FrameSize),
		queueDepth: queueDepth,
		queues:     make(map[telemetry.ChannelID][]telemetry.Sample),
	}
}

// Run reads frames until the reader is exhausted or ctx is canceled.
// A corrupted frame is counted and skipped; the loop then rescans for the
// next sync byte. Run returns nil on EOF.
func (rx *Receiver) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	buf := make([]byte, FrameSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b, err := rx.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if b != SyncByte {
			// Mid-frame garbage; scan forward until the next marker.
			if n := rx.corrupt.Add(1); n <= 3 || n%100 == 0 {
				log.Warn("bus resync", "corrupt_frames", n)
			}
			corruptTotal.Inc()
			continue
		}

		buf[0] = b
		if _, err := io.ReadFull(rx.r, buf[1:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		sample, err := DecodeFrame(buf)
		if err != nil {
			if n := rx.corrupt.Add(1); n <= 3 || n%100 == 0 {
				log.Warn("dropping corrupt frame", "err", err, "corrupt_frames", n)
			}
			corruptTotal.Inc()
			continue
		}
		rx.frames.Add(1)
		framesTotal.Inc()
		rx.enqueue(sample)
	}
}

func (rx *Receiver) enqueue(s telemetry.Sample) {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	q := rx.queues[s.Channel]
	if len(q) >= rx.queueDepth {
		q = q[1:]
		rx.overflow.Add(1)
		overflowTotal.Inc()
	}
	rx.queues[s.Channel] = append(q, s)
}

// Drain hands all buffered samples to fn in per-channel arrival order and
// empties the queues. Called from the tick loop.
func (rx *Receiver) Drain(fn func(telemetry.Sample)) {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	for id, q := range rx.queues {
		for _, s := range q {
			fn(s)
		}
		delete(rx.queues, id)
	}
}

// Stats returns current counter values.
func (rx *Receiver) Stats() Stats {
	return Stats{
		Frames:   rx.frames.Load(),
		Corrupt:  rx.corrupt.Load(),
		Overflow: rx.overflow.Load(),
	}
}
