// Core sample and snapshot types shared across the pipeline
package telemetry

import "time"

// ChannelID identifies one sensor channel on the bus.
type ChannelID uint8

// Sample is a single measurement emitted by the SAU. Immutable once emitted.
// A fault flag marks an open/short sensor condition; the value carried
// alongside a fault is undefined and must not be interpreted.
type Sample struct {
	Channel   ChannelID `json:"channel"`
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
	Fault     bool      `json:"fault,omitempty"`
}

// ChannelValue is the per-channel entry of a snapshot.
type ChannelValue struct {
	Channel  ChannelID `json:"channel"`
	Value    float64   `json:"value"`
	Stale    bool      `json:"stale,omitempty"`
	Fault    bool      `json:"fault,omitempty"`
	AgeTicks int       `json:"age_ticks,omitempty"`
}

// Usable reports whether the value may be consumed as a measurement.
// Stale and faulted channels keep their last value for display purposes
// only; alerting and analytics must skip them.
func (v ChannelValue) Usable() bool {
	return !v.Stale && !v.Fault
}

// Snapshot is the fixed-width aggregate of all configured channels at one
// tick boundary. Values are ordered by channel configuration, so every
// snapshot of a run has the same width. Timestamps increase monotonically
// with Seq.
type Snapshot struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Values    []ChannelValue `json:"values"`
}

// Value returns the entry for the given channel.
func (s Snapshot) Value(id ChannelID) (ChannelValue, bool) {
	for _, v := range s.Values {
		if v.Channel == id {
			return v, true
		}
	}
	return ChannelValue{}, false
}
